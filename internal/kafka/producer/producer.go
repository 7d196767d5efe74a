// Package producer publishes status events and dead letters to Kafka over
// one sarama client shared by a sync and an async producer.
package producer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// ErrInputFull is returned by PublishAsync when sarama's input channel would
// block.
var ErrInputFull = errors.New("kafka producer: async input buffer full")

// Producer is safe for concurrent use. It reports ready while the last
// metadata refresh and the last send both succeeded.
type Producer struct {
	log    zerolog.Logger
	client sarama.Client // nil in tests
	sp     sarama.SyncProducer
	ap     sarama.AsyncProducer

	healthy atomic.Bool
	done    chan struct{}
	bg      sync.WaitGroup
}

func newFromProducers(client sarama.Client, sp sarama.SyncProducer, ap sarama.AsyncProducer, log zerolog.Logger, refresh time.Duration) *Producer {
	p := &Producer{log: log, client: client, sp: sp, ap: ap, done: make(chan struct{})}

	p.healthy.Store(true)
	if client != nil {
		p.probe()
		if refresh > 0 {
			p.bg.Add(1)
			go p.refreshLoop(refresh)
		}
	}
	p.bg.Add(1)
	go p.collectResults()
	return p
}

// PublishSync blocks until the brokers acknowledge the write.
func (p *Producer) PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error {
	msg, err := buildMessage(topic, key, headers, payload)
	if err != nil {
		return err
	}
	_, _, err = p.sp.SendMessage(msg)
	p.healthy.Store(err == nil)
	if err != nil {
		return fmt.Errorf("kafka producer: send sync: %w", err)
	}
	return nil
}

// PublishAsync hands the message to sarama and returns. Broker errors show up
// later in the log and in IsReady.
func (p *Producer) PublishAsync(topic string, key []byte, headers map[string][]byte, payload []byte) error {
	msg, err := buildMessage(topic, key, headers, payload)
	if err != nil {
		return err
	}
	select {
	case p.ap.Input() <- msg:
		return nil
	default:
		return ErrInputFull
	}
}

func (p *Producer) IsReady() bool { return p.healthy.Load() }

// Close flushes pending async messages, then shuts everything down.
func (p *Producer) Close() error {
	close(p.done)
	errs := []error{p.ap.Close()}
	p.bg.Wait()
	errs = append(errs, p.sp.Close())
	if p.client != nil {
		errs = append(errs, p.client.Close())
	}
	return errors.Join(errs...)
}

func (p *Producer) probe() {
	err := p.client.RefreshMetadata()
	if err != nil {
		p.log.Error().Err(err).Msg("metadata refresh failed")
	}
	p.healthy.Store(err == nil)
}

func (p *Producer) refreshLoop(every time.Duration) {
	defer p.bg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			p.probe()
		case <-p.done:
			return
		}
	}
}

// collectResults must keep reading both channels or sarama stalls. It returns
// once Close has drained them.
func (p *Producer) collectResults() {
	defer p.bg.Done()
	ok, failed := p.ap.Successes(), p.ap.Errors()
	for ok != nil || failed != nil {
		select {
		case _, open := <-ok:
			if !open {
				ok = nil
			}
		case perr, open := <-failed:
			if !open {
				failed = nil
				continue
			}
			p.healthy.Store(false)
			if perr != nil {
				p.log.Error().Err(perr.Err).Str("topic", perr.Msg.Topic).Msg("async publish failed")
			}
		}
	}
}

func buildMessage(topic string, key []byte, headers map[string][]byte, payload []byte) (*sarama.ProducerMessage, error) {
	if topic == "" {
		return nil, errors.New("kafka producer: topic is required")
	}
	msg := &sarama.ProducerMessage{Topic: topic, Value: sarama.ByteEncoder(payload)}
	if len(key) > 0 {
		msg.Key = sarama.ByteEncoder(key)
	}
	for name, value := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{
			Key:   []byte(name),
			Value: append([]byte(nil), value...),
		})
	}
	return msg, nil
}
