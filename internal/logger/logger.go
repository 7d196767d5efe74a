// Package logger builds the process-wide zerolog logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const timeLayout = "02-01-2006 15:04:05"

type Option func(*build)

type build struct {
	caller bool
}

// WithCaller adds the file:line of each log call.
func WithCaller() Option {
	return func(b *build) { b.caller = true }
}

// New returns a logger writing to writers, or when there are none, to stdout:
// colored console lines in development, JSON elsewhere. It also sets the
// zerolog global level, so level filtering applies to every derived logger.
func New(env, level string, writers []io.Writer, opts ...Option) (*zerolog.Logger, error) {
	if strings.TrimSpace(level) == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}

	var b build
	for _, opt := range opts {
		if opt != nil {
			opt(&b)
		}
	}

	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = timeLayout
	zerolog.DurationFieldUnit = time.Millisecond

	w := io.Writer(os.Stdout)
	if len(writers) > 0 {
		w = io.MultiWriter(writers...)
	} else if IsDevelopment(env) {
		w = zerolog.ConsoleWriter{
			Out:           os.Stdout,
			TimeFormat:    timeLayout,
			FieldsExclude: []string{zerolog.TimestampFieldName},
		}
	}

	lc := zerolog.New(w).Level(lvl).With().Timestamp()
	if b.caller {
		lc = lc.Caller()
	}
	l := lc.Logger()
	return &l, nil
}

func IsDevelopment(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "development":
		return true
	}
	return false
}
