package main

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/example/relaykit/internal/config"
	"github.com/example/relaykit/internal/httpx"
	"github.com/example/relaykit/internal/logger"
	"github.com/example/relaykit/internal/mail"
	"github.com/example/relaykit/internal/metrics"
	"github.com/example/relaykit/internal/outbox"
	"github.com/example/relaykit/internal/providers/factory"
	"github.com/example/relaykit/internal/proxy"
	"github.com/example/relaykit/internal/retry"
)

// app carries what the commands share. Tests swap the writers and inject
// provider options.
type app struct {
	stdout      io.Writer
	logWriters  []io.Writer
	factoryOpts []factory.Option
	mailOpts    []mail.Option

	logLevel string
	verbose  bool
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "relaykit",
		Short:         "Multi-provider mail relay with a rule-based reverse proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override LOG_LEVEL")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Log at debug level with caller locations")

	root.AddCommand(
		newServeCmd(a),
		newWorkerCmd(a),
		newSendCmd(a),
		newReplayCmd(a),
		newRulesCmd(a),
	)
	return root
}

func (a *app) out() io.Writer {
	if a.stdout == nil {
		return io.Discard
	}
	return a.stdout
}

func (a *app) logger(cfg *config.Config, service string) (zerolog.Logger, error) {
	level := cfg.App.LogLevel
	if a.logLevel != "" {
		level = a.logLevel
	}
	var opts []logger.Option
	if a.verbose {
		level = zerolog.DebugLevel.String()
		opts = append(opts, logger.WithCaller())
	}
	base, err := logger.New(cfg.App.Env, level, a.logWriters, opts...)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("logger init: %w", err)
	}
	return base.With().Str("service", service).Logger(), nil
}

// delivery is the provider chain every command sends through.
type delivery struct {
	registry    *mail.Registry
	coordinator *mail.Coordinator
	metrics     *metrics.Collector
}

func (a *app) delivery(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*delivery, error) {
	reg, err := factory.Registry(ctx, cfg.Mail, log, a.factoryOpts...)
	if err != nil {
		return nil, err
	}
	collector := metrics.New()

	opts := []mail.Option{
		mail.WithPolicy(retry.Exponential{
			Base:       cfg.Retry.BaseDelay(),
			MaxDelay:   cfg.Retry.MaxDelay(),
			MaxRetries: cfg.Retry.MaxRetries,
		}),
		mail.WithProviderTimeout(cfg.Retry.ProviderTimeout()),
		mail.WithObserver(collector),
	}
	coord, err := mail.NewCoordinator(reg, log, append(opts, a.mailOpts...)...)
	if err != nil {
		return nil, err
	}
	log.Info().Strs("providers", reg.Names()).Msg("delivery chain ready")
	return &delivery{registry: reg, coordinator: coord, metrics: collector}, nil
}

// openOutbox returns nil when path is blank.
func openOutbox(path string, log zerolog.Logger) (*outbox.Store, error) {
	if path == "" {
		return nil, nil
	}
	store, err := outbox.Open(path)
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Msg("outbox opened")
	return store, nil
}

// loadForwarder returns nil when no rule source is configured.
func loadForwarder(ctx context.Context, cfg config.ProxyConfig, observer proxy.Observer, log zerolog.Logger) (*proxy.Forwarder, error) {
	if cfg.RulesSource == "" {
		return nil, nil
	}
	plog := log.With().Str("component", "proxy").Logger()
	client := &http.Client{Transport: httpx.NewLoggingTransport(nil, plog), Timeout: cfg.Timeout()}
	table, err := proxy.LoadRules(ctx, cfg.RulesSource, client, plog)
	if err != nil {
		return nil, err
	}
	plog.Info().Int("rules", table.Len()).Str("source", cfg.RulesSource).Msg("proxy rules loaded")
	return proxy.NewForwarder(table, plog, proxy.WithObserver(observer), proxy.WithTimeout(cfg.Timeout()))
}
