package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultPerms = 0o0600

//nolint:gochecknoglobals
var loggerSetTimeFormat sync.Once

// verbosityLevels maps the number of -v flags to a log level.
//
//nolint:gochecknoglobals
var verbosityLevels = []string{"warn", "info", "debug"}

// Logger extends zerolog's Logger.
type Logger struct {
	zerolog.Logger
}

func NewLogger(level, output string) Logger {
	if output == "" {
		return NewLoggerWithWriter(level, os.Stderr)
	}

	file, err := os.OpenFile(output, os.O_APPEND|os.O_WRONLY|os.O_CREATE, defaultPerms)
	if err != nil {
		panic(err)
	}

	return NewLoggerWithWriter(level, file)
}

// NewLoggerWithWriter is NewLogger for an arbitrary destination, mostly used by tests to capture output.
func NewLoggerWithWriter(level string, writer io.Writer) Logger {
	loggerSetTimeFormat.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339Nano
	})

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		panic(err)
	}

	log := zerolog.New(writer).Level(lvl)

	return Logger{Logger: log.With().Timestamp().Logger()}
}

// NewNopLogger returns a logger discarding everything.
func NewNopLogger() Logger {
	return Logger{Logger: zerolog.Nop()}
}

// LevelFromVerbosity converts a -v count into a level name, saturating at debug.
func LevelFromVerbosity(count int) string {
	if count < 0 {
		count = 0
	}

	if count >= len(verbosityLevels) {
		count = len(verbosityLevels) - 1
	}

	return verbosityLevels[count]
}

// Module returns a child logger tagged with the given module name.
func (l Logger) Module(name string) Logger {
	return Logger{Logger: l.Logger.With().Str("module", name).Logger()}
}
