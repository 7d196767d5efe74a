package consumer_test

import (
	"io"

	"github.com/rs/zerolog"
)

func zeroLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}
