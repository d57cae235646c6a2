// Package logger builds the zerolog root logger shared by the settlement node.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New creates the process root logger. Format is either "json" or "console";
// level follows zerolog numeric levels. Sampling caps noisy debug output when
// the node is catching up on a large backlog.
func New(level int, format string, sampled bool) zerolog.Logger {
	var writer io.Writer = os.Stdout
	if format != "json" {
		writer = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	log := zerolog.New(writer).
		Level(zerolog.Level(level)).
		With().
		Timestamp().
		Logger()

	if sampled {
		log = log.Sample(&zerolog.BasicSampler{N: 5})
	}
	return log
}

// Nop returns a disabled logger for tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
