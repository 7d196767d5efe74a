// Package publisher turns worker outcomes into Kafka records: status events
// on the status topic and dead letters on the DLQ topic.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/relaykit/internal/models"
)

// ErrNoProducer is returned by publishers built without a producer.
var ErrNoProducer = errors.New("kafka publisher: no producer")

// SyncProducer is all the DLQ needs: every dead letter waits for the ack.
type SyncProducer interface {
	PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error
}

type Producer interface {
	SyncProducer
	PublishAsync(topic string, key []byte, headers map[string][]byte, payload []byte) error
}

var contentTypeJSON = map[string][]byte{"content-type": []byte("application/json")}

func quiet(l zerolog.Logger) zerolog.Logger {
	if reflect.ValueOf(l).IsZero() {
		return zerolog.Nop()
	}
	return l
}

// encode marshals v and keys the record by message id so all events of one
// message land on the same partition.
func encode(what, messageID string, v any) (key, payload []byte, err error) {
	payload, err = json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka publisher: encode %s: %w", what, err)
	}
	return []byte(messageID), payload, nil
}

// StatusPublisher writes status events. sent and failed are final, so they
// are published sync; queued and attempt go out async.
type StatusPublisher struct {
	prod  Producer
	topic string
	log   zerolog.Logger
}

// NewStatusPublisher returns nil when prod is nil.
func NewStatusPublisher(prod Producer, topic string, logger zerolog.Logger) *StatusPublisher {
	if prod == nil {
		return nil
	}
	return &StatusPublisher{prod: prod, topic: topic, log: quiet(logger)}
}

func (p *StatusPublisher) PublishStatus(_ context.Context, event models.StatusEvent) error {
	if p == nil {
		return ErrNoProducer
	}
	key, payload, err := encode("status event", event.MessageID, event)
	if err != nil {
		return err
	}

	terminal := event.EventType == models.StatusEventSent || event.EventType == models.StatusEventFailed
	publish := p.prod.PublishAsync
	if terminal {
		publish = p.prod.PublishSync
	}
	if err := publish(p.topic, key, contentTypeJSON, payload); err != nil {
		return fmt.Errorf("kafka publisher: %s event for %s: %w", event.EventType, event.MessageID, err)
	}
	if terminal {
		p.log.Debug().Str("message_id", event.MessageID).Str("event", event.EventType).Msg("terminal status acked")
	}
	return nil
}

// DLQPublisher writes records for messages no provider could deliver.
type DLQPublisher struct {
	prod  SyncProducer
	topic string
	log   zerolog.Logger
}

// NewDLQPublisher returns nil when prod is nil.
func NewDLQPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *DLQPublisher {
	if prod == nil {
		return nil
	}
	return &DLQPublisher{prod: prod, topic: topic, log: quiet(logger)}
}

func (p *DLQPublisher) PublishDLQ(_ context.Context, record models.DLQRecord) error {
	if p == nil {
		return ErrNoProducer
	}
	key, payload, err := encode("dlq record", record.MessageID, record)
	if err != nil {
		return err
	}
	if err := p.prod.PublishSync(p.topic, key, contentTypeJSON, payload); err != nil {
		return fmt.Errorf("kafka publisher: dead letter for %s: %w", record.MessageID, err)
	}
	p.log.Warn().
		Str("message_id", record.MessageID).
		Str("failure_type", record.FailureType).
		Strs("providers", record.Providers).
		Msg("dead-lettered")
	return nil
}
