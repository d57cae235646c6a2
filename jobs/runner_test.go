package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perknet/settlement-node/logger"
)

type countingJob struct {
	runs    atomic.Int32
	block   chan struct{}
	failErr error
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Run(_ context.Context) error {
	j.runs.Add(1)
	if j.block != nil {
		<-j.block
	}
	return j.failErr
}

func TestRunOnceExecutesJob(t *testing.T) {
	job := &countingJob{}
	runner := NewRunner(job, time.Hour, 0, logger.Nop())

	assert.True(t, runner.RunOnce(context.Background()))
	assert.Equal(t, int32(1), job.runs.Load())
}

func TestRunOnceSurvivesJobError(t *testing.T) {
	job := &countingJob{failErr: errors.New("boom")}
	runner := NewRunner(job, time.Hour, 0, logger.Nop())

	assert.True(t, runner.RunOnce(context.Background()))
	assert.True(t, runner.RunOnce(context.Background()))
	assert.Equal(t, int32(2), job.runs.Load())
}

func TestOverlappingRunsAreDropped(t *testing.T) {
	job := &countingJob{block: make(chan struct{})}
	runner := NewRunner(job, time.Hour, 0, logger.Nop())

	done := make(chan struct{})
	go func() {
		runner.RunOnce(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		return job.runs.Load() == 1
	}, time.Second, 5*time.Millisecond)

	assert.False(t, runner.RunOnce(context.Background()), "second run must be skipped")

	close(job.block)
	<-done
	assert.Equal(t, int32(1), job.runs.Load())
}

func TestNudgeTriggersRun(t *testing.T) {
	job := &countingJob{}
	runner := NewRunner(job, time.Hour, 0, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner.Start(ctx)
	defer runner.Stop()

	runner.Nudge()
	require.Eventually(t, func() bool {
		return job.runs.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestNudgeNeverBlocks(t *testing.T) {
	job := &countingJob{}
	runner := NewRunner(job, time.Hour, 0, logger.Nop())

	// No loop is running, the buffered channel absorbs one nudge and the
	// rest are dropped.
	for i := 0; i < 10; i++ {
		runner.Nudge()
	}
}

func TestTickerDrivesRuns(t *testing.T) {
	job := &countingJob{}
	runner := NewRunner(job, 10*time.Millisecond, 0, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner.Start(ctx)
	defer runner.Stop()

	require.Eventually(t, func() bool {
		return job.runs.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestStopHaltsLoop(t *testing.T) {
	job := &countingJob{}
	runner := NewRunner(job, 10*time.Millisecond, 0, logger.Nop())

	runner.Start(context.Background())
	runner.Stop()

	count := job.runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, count, job.runs.Load())
}
