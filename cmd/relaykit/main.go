package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(&app{stdout: os.Stdout})
	root.SetArgs(os.Args[1:])
	if err := root.ExecuteContext(ctx); err != nil {
		fail(err)
	}
}

func fail(err error) {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	logger.Error().Err(err).Msg("relaykit failed")
	os.Exit(1)
}
