// Package consumer reads mail requests from Kafka through a sarama consumer
// group. Offsets are committed per record, after the worker is done with it.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/example/relaykit/internal/reconnect"
	"github.com/example/relaykit/internal/retry"
)

var ErrNotConnected = errors.New("kafka consumer: not connected")

// Handler receives each record. Its error is logged; the record is neither
// committed nor redelivered because of it.
type Handler func(ctx context.Context, record *Record) error

// GroupFactory opens the consumer group. Tests swap it for a fake.
type GroupFactory func(brokers []string, groupID string, cfg *sarama.Config) (sarama.ConsumerGroup, error)

type Option func(*Consumer)

// WithConfig replaces the default sarama config. The auto-commit switch is
// still derived from New's commitOnSuccessOnly argument.
func WithConfig(cfg *sarama.Config) Option {
	return func(c *Consumer) {
		if cfg != nil {
			copied := *cfg
			c.cfg = &copied
		}
	}
}

func WithGroupFactory(f GroupFactory) Option {
	return func(c *Consumer) {
		if f != nil {
			c.openGroup = f
		}
	}
}

// WithReconnectOptions is forwarded to reconnect.Connect by Connect.
func WithReconnectOptions(opts ...reconnect.Option) Option {
	return func(c *Consumer) { c.reconnect = append(c.reconnect, opts...) }
}

// WithSleeper replaces the pause between failed sessions.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Consumer) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

type Consumer struct {
	log         zerolog.Logger
	brokers     []string
	groupID     string
	syncCommits bool
	cfg         *sarama.Config
	openGroup   GroupFactory
	reconnect   []reconnect.Option
	sleep       func(ctx context.Context, d time.Duration) error

	mu      sync.RWMutex
	group   sarama.ConsumerGroup
	errDone chan struct{}
	handle  Handler

	inSession atomic.Bool
	running   sync.WaitGroup
}

// New checks the arguments and prepares the group config. With
// commitOnSuccessOnly, auto-commit is off and Commit flushes each offset
// itself. Nothing is dialed until Connect.
func New(brokers []string, groupID string, logger zerolog.Logger, commitOnSuccessOnly bool, opts ...Option) (*Consumer, error) {
	switch {
	case len(brokers) == 0:
		return nil, errors.New("kafka consumer: at least one broker is required")
	case groupID == "":
		return nil, errors.New("kafka consumer: group id is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	c := &Consumer{
		log:         logger.With().Str("component", "kafka_consumer").Str("group_id", groupID).Logger(),
		brokers:     append([]string(nil), brokers...),
		groupID:     groupID,
		syncCommits: commitOnSuccessOnly,
		cfg:         groupConfig(),
		openGroup:   sarama.NewConsumerGroup,
		sleep:       retry.Sleep,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.cfg.Consumer.Offsets.AutoCommit.Enable = !commitOnSuccessOnly
	return c, nil
}

// Connect joins the group, retrying on the staged reconnect schedule until it
// succeeds or ctx ends.
func (c *Consumer) Connect(ctx context.Context) error {
	join := reconnect.Funcs{StartFunc: func(context.Context) error {
		group, err := c.openGroup(c.brokers, c.groupID, c.cfg)
		if err != nil {
			return fmt.Errorf("kafka consumer: open group: %w", err)
		}
		done := make(chan struct{})
		c.mu.Lock()
		c.group, c.errDone = group, done
		c.mu.Unlock()
		go c.logGroupErrors(group, done)
		return nil
	}}

	opts := append([]reconnect.Option{
		reconnect.WithLogger(c.log),
		reconnect.WithOnError(func(err error, attempt int) {
			c.log.Warn().Err(err).Int("attempt", attempt).Strs("brokers", c.brokers).Msg("group join failed")
		}),
	}, c.reconnect...)
	if reconnect.Connect(ctx, join, opts...) {
		c.log.Info().Msg("joined consumer group")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("kafka consumer: gave up connecting")
}

// Consume runs group sessions over topics until ctx ends or the group is
// closed. A session that fails is restarted after retry.StagedDelay; a clean
// session end (rebalance) restarts at once.
func (c *Consumer) Consume(ctx context.Context, topics []string, handler Handler) error {
	switch {
	case len(topics) == 0:
		return errors.New("kafka consumer: at least one topic is required")
	case handler == nil:
		return errors.New("kafka consumer: handler is required")
	}

	c.mu.Lock()
	c.handle = handler
	group := c.group
	c.mu.Unlock()
	if group == nil {
		return ErrNotConnected
	}

	c.running.Add(1)
	defer c.running.Done()

	for failed := 0; ; {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := group.Consume(ctx, topics, session{c})
		switch {
		case err == nil:
			failed = 0
			continue
		case errors.Is(err, sarama.ErrClosedConsumerGroup):
			return nil
		}

		wait := retry.StagedDelay(failed)
		failed++
		c.log.Error().Err(err).Dur("wait", wait).Int("failures", failed).Msg("consume session failed")
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Commit marks record consumed. Repeated calls for the same record do nothing.
func (c *Consumer) Commit(_ context.Context, record *Record) error {
	if record == nil {
		return errors.New("kafka consumer: record is required")
	}
	if !record.mark() {
		return nil
	}
	if record.session == nil {
		return errors.New("kafka consumer: record did not come from this consumer")
	}
	record.session.MarkMessage(record.msg, "")
	if c.syncCommits {
		record.session.Commit()
	}
	return nil
}

// IsReady reports whether a group session is currently active.
func (c *Consumer) IsReady() bool { return c.inSession.Load() }

// Close leaves the group and waits for Consume and the error logger to stop.
func (c *Consumer) Close() error {
	c.mu.RLock()
	group, done := c.group, c.errDone
	c.mu.RUnlock()
	if group == nil {
		return nil
	}
	err := group.Close()
	c.running.Wait()
	<-done
	return err
}

func (c *Consumer) handler() Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handle
}

func (c *Consumer) logGroupErrors(group sarama.ConsumerGroup, done chan<- struct{}) {
	defer close(done)
	for err := range group.Errors() {
		if err != nil {
			c.log.Error().Err(err).Msg("consumer group error")
		}
	}
}

func groupConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "relaykit-mail-worker"
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest

	g := &cfg.Consumer.Group
	g.Session.Timeout = 30 * time.Second
	g.Heartbeat.Interval = 3 * time.Second
	g.Rebalance.Timeout = 30 * time.Second
	g.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	return cfg
}
