package producer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/example/relaykit/internal/reconnect"
)

const defaultRefresh = 30 * time.Second

// Option adjusts Connect.
type Option func(*connectSettings)

type connectSettings struct {
	base      *sarama.Config
	refresh   time.Duration
	reconnect []reconnect.Option
}

// WithConfig starts from cfg instead of the built-in sarama settings. Connect
// works on a copy.
func WithConfig(cfg *sarama.Config) Option {
	return func(s *connectSettings) {
		if cfg != nil {
			s.base = cfg
		}
	}
}

// WithMetadataRefreshInterval sets how often cluster metadata is polled to
// decide readiness.
func WithMetadataRefreshInterval(d time.Duration) Option {
	return func(s *connectSettings) {
		if d > 0 {
			s.refresh = d
		}
	}
}

// WithReconnectOptions passes options through to reconnect.Connect. They are
// applied after the producer's own, so they win.
func WithReconnectOptions(opts ...reconnect.Option) Option {
	return func(s *connectSettings) {
		s.reconnect = append(s.reconnect, opts...)
	}
}

// Connect dials the brokers, retrying on the staged reconnect schedule, and
// returns a ready Producer. It gives up only when ctx ends.
func Connect(ctx context.Context, brokers []string, logger zerolog.Logger, opts ...Option) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka producer: at least one broker is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "kafka_producer").Logger()

	s := connectSettings{refresh: defaultRefresh}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	cfg := saramaConfig(s.base)
	cfg.Metadata.RefreshFrequency = s.refresh

	var p *Producer
	dial := reconnect.Funcs{StartFunc: func(context.Context) (err error) {
		p, err = dialProducers(brokers, cfg, logger, s.refresh)
		return err
	}}
	ropts := []reconnect.Option{
		reconnect.WithLogger(logger),
		reconnect.WithOnError(func(err error, attempt int) {
			logger.Warn().Err(err).Int("attempt", attempt).Strs("brokers", brokers).Msg("broker dial failed")
		}),
	}
	if reconnect.Connect(ctx, dial, append(ropts, s.reconnect...)...) {
		return p, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("kafka producer: gave up connecting")
}

func dialProducers(brokers []string, cfg *sarama.Config, logger zerolog.Logger, refresh time.Duration) (*Producer, error) {
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: client: %w", err)
	}
	sp, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kafka producer: sync producer: %w", err)
	}
	ap, err := sarama.NewAsyncProducerFromClient(client)
	if err != nil {
		_ = sp.Close()
		_ = client.Close()
		return nil, fmt.Errorf("kafka producer: async producer: %w", err)
	}
	return newFromProducers(client, sp, ap, logger, refresh), nil
}

// saramaConfig copies base, or builds the defaults: idempotent writes acked
// by all in-sync replicas, with both result channels enabled because the
// async drain loop reads them.
func saramaConfig(base *sarama.Config) *sarama.Config {
	if base != nil {
		c := *base
		return &c
	}
	return defaultConfig()
}

func defaultConfig() *sarama.Config {
	c := sarama.NewConfig()
	c.ClientID = "relaykit"
	c.Version = sarama.V2_5_0_0
	c.Metadata.Full = true
	c.Metadata.RefreshFrequency = defaultRefresh
	c.Net.MaxOpenRequests = 1
	c.Producer.Idempotent = true
	c.Producer.RequiredAcks = sarama.WaitForAll
	c.Producer.Retry.Max = 6
	c.Producer.Retry.Backoff = 250 * time.Millisecond
	c.Producer.Return.Successes = true
	c.Producer.Return.Errors = true
	return c
}
