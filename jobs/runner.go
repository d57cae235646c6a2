package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Job is one unit of recurring pipeline work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Runner drives a Job on a fixed interval. Runs never overlap: a tick or
// nudge arriving while a run (or its cooldown) is in flight is dropped.
// Nudge lets other components request a prompt run without waiting for the
// next tick.
type Runner struct {
	job      Job
	interval time.Duration
	cooldown time.Duration
	logger   zerolog.Logger

	running atomic.Bool
	nudgeCh chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewRunner(job Job, interval, cooldown time.Duration, logger zerolog.Logger) *Runner {
	return &Runner{
		job:      job,
		interval: interval,
		cooldown: cooldown,
		logger:   logger.With().Str("component", "job_runner").Str("job", job.Name()).Logger(),
		nudgeCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the job loop. The first run happens on the first tick, not
// immediately.
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info().
		Str("interval", r.interval.String()).
		Msg("starting job runner")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				r.logger.Info().Msg("context cancelled, stopping job runner")
				return
			case <-r.stopCh:
				r.logger.Info().Msg("stop signal received, stopping job runner")
				return
			case <-ticker.C:
				r.runOnce(ctx)
			case <-r.nudgeCh:
				r.runOnce(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for any in-flight run to finish.
func (r *Runner) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// Nudge requests a prompt run. It never blocks; when a nudge is already
// queued or a run is in flight the request is dropped.
func (r *Runner) Nudge() {
	select {
	case r.nudgeCh <- struct{}{}:
	default:
	}
}

// RunOnce executes the job synchronously, respecting the overlap guard.
// It reports whether the run actually happened.
func (r *Runner) RunOnce(ctx context.Context) bool {
	return r.runOnce(ctx)
}

func (r *Runner) runOnce(ctx context.Context) bool {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Debug().Msg("previous run still in flight, skipping")
		return false
	}
	defer r.running.Store(false)

	start := time.Now()
	if err := r.job.Run(ctx); err != nil {
		r.logger.Error().Err(err).
			Str("duration", time.Since(start).String()).
			Msg("job run failed")
	} else {
		r.logger.Debug().
			Str("duration", time.Since(start).String()).
			Msg("job run completed")
	}

	if r.cooldown > 0 {
		select {
		case <-ctx.Done():
		case <-r.stopCh:
		case <-time.After(r.cooldown):
		}
	}
	return true
}
