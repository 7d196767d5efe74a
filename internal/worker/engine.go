package worker

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/relaykit/internal/mail"
	"github.com/example/relaykit/internal/models"
)

type Config struct {
	MsgMaxBytes       int
	WorkerConcurrency int
}

// Record is one request as the engine sees it. ack, when set, commits the
// record's offset at its source.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte

	ack func(context.Context) error
}

// Clone copies the byte slices and headers; ack is shared.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Key = cloneBytes(r.Key)
	c.Value = cloneBytes(r.Value)
	if r.Headers != nil {
		c.Headers = make(map[string][]byte, len(r.Headers))
		for k, v := range r.Headers {
			c.Headers[k] = cloneBytes(v)
		}
	}
	return &c
}

// ValidatedMessage pairs the decoded request with the message built from it.
// RawPayload is what ends up in a DLQ record.
type ValidatedMessage struct {
	Request    models.MailRequest
	Message    mail.Message
	RawPayload []byte
}

type Deliverer interface {
	Deliver(ctx context.Context, msg mail.Message) mail.Report
}

type Validator interface {
	ParseAndValidate(ctx context.Context, payload []byte) (*ValidatedMessage, error)
}

type StatusPublisher interface {
	PublishStatus(ctx context.Context, event models.StatusEvent) error
}

type DLQPublisher interface {
	PublishDLQ(ctx context.Context, record models.DLQRecord) error
}

// Committer is the fallback for records without an ack.
type Committer interface {
	Commit(ctx context.Context, record *Record) error
}

// Dependencies wires an Engine. Only Deliverer and Validator are required.
type Dependencies struct {
	Deliverer       Deliverer
	Validator       Validator
	StatusPublisher StatusPublisher
	DLQPublisher    DLQPublisher
	Committer       Committer
	Logger          zerolog.Logger
	Now             func() time.Time
}

// Engine runs the intake pipeline: size check, validation, delivery through
// the provider chain, then status events, dead letters and the offset commit.
// At most WorkerConcurrency deliveries run at once.
type Engine struct {
	cfg       Config
	deliverer Deliverer
	validator Validator
	status    StatusPublisher
	dlq       DLQPublisher
	committer Committer
	log       zerolog.Logger
	now       func() time.Time

	slots *semaphore.Weighted
	busy  sync.WaitGroup
}

func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	switch {
	case cfg.WorkerConcurrency < 1:
		return nil, errors.New("worker: concurrency must be at least 1")
	case cfg.MsgMaxBytes < 0:
		return nil, errors.New("worker: msg max bytes cannot be negative")
	case deps.Deliverer == nil:
		return nil, errors.New("worker: deliverer is required")
	case deps.Validator == nil:
		return nil, errors.New("worker: validator is required")
	}

	log := deps.Logger
	if reflect.ValueOf(log).IsZero() {
		log = zerolog.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		cfg:       cfg,
		deliverer: deps.Deliverer,
		validator: deps.Validator,
		status:    deps.StatusPublisher,
		dlq:       deps.DLQPublisher,
		committer: deps.Committer,
		log:       log.With().Str("component", "worker_engine").Logger(),
		now:       now,
		slots:     semaphore.NewWeighted(int64(cfg.WorkerConcurrency)),
	}, nil
}

// HandleRecord rejects bad records inline and blocks until a delivery slot
// frees up for good ones. If ctx ends first the record is dropped uncommitted
// so it is redelivered.
func (e *Engine) HandleRecord(ctx context.Context, record *Record) {
	if record == nil {
		return
	}

	if limit := e.cfg.MsgMaxBytes; limit > 0 && len(record.Value) > limit {
		e.reject(ctx, record, fmt.Errorf("payload is %d bytes, limit %d", len(record.Value), limit))
		return
	}
	msg, err := e.validator.ParseAndValidate(ctx, record.Value)
	if err != nil {
		e.reject(ctx, record, err)
		return
	}
	if len(msg.RawPayload) == 0 {
		msg.RawPayload = cloneBytes(record.Value)
	}

	if err := e.slots.Acquire(ctx, 1); err != nil {
		e.log.Error().Err(err).Str("message_id", msg.Message.ID).Msg("no delivery slot")
		return
	}
	e.busy.Add(1)
	go func(r *Record) {
		defer e.busy.Done()
		defer e.slots.Release(1)
		e.process(ctx, r, msg)
	}(record.Clone())
}

// Wait returns once every accepted record is finished.
func (e *Engine) Wait() {
	e.busy.Wait()
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
