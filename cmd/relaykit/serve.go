package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/relaykit/internal/config"
	"github.com/example/relaykit/internal/server"
	emailvalidator "github.com/example/relaykit/internal/worker/validator/email"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the mail API with the reverse proxy in front of it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := a.logger(cfg, "relaykit-serve")
			if err != nil {
				return err
			}

			d, err := a.delivery(ctx, cfg, log)
			if err != nil {
				return err
			}
			opts := []server.Option{
				server.WithMetricsHandler(d.metrics.Handler()),
				server.WithMaxBodyBytes(int64(cfg.Validation.MsgMaxBytes)),
			}

			store, err := openOutbox(cfg.Outbox.Path, log)
			if err != nil {
				return err
			}
			if store != nil {
				defer func() {
					if err := store.Close(); err != nil {
						log.Error().Err(err).Msg("failed to close outbox")
					}
				}()
				opts = append(opts, server.WithOutbox(store))
			}

			fwd, err := loadForwarder(ctx, cfg.Proxy, d.metrics, log)
			if err != nil {
				return err
			}
			if fwd != nil {
				opts = append(opts, server.WithMiddleware(fwd.Middleware))
			}

			validator := emailvalidator.New(cfg.Validation, cfg.Mail.DefaultFrom, log.With().Str("component", "email_validator").Logger())
			srv, err := server.New(d.coordinator, validator, log, opts...)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = fmt.Sprintf(":%d", cfg.App.Port)
			}
			return srv.Run(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default :APP_PORT)")
	return cmd
}
