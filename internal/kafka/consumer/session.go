package consumer

import (
	"sync"
	"time"

	"github.com/IBM/sarama"
)

// Record is one consumed message. Key, Value and Headers are private copies,
// so the handler may keep them after returning.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte

	session sarama.ConsumerGroupSession
	msg     *sarama.ConsumerMessage

	mu   sync.Mutex
	done bool
}

// mark reports true the first time it is called.
func (r *Record) mark() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return false
	}
	r.done = true
	return true
}

func newRecord(s sarama.ConsumerGroupSession, m *sarama.ConsumerMessage) *Record {
	r := &Record{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       copyOf(m.Key),
		Value:     copyOf(m.Value),
		Timestamp: m.Timestamp,
		session:   s,
		msg:       m,
	}
	for _, h := range m.Headers {
		if h == nil || len(h.Key) == 0 {
			continue
		}
		if r.Headers == nil {
			r.Headers = make(map[string][]byte, len(m.Headers))
		}
		r.Headers[string(h.Key)] = copyOf(h.Value)
	}
	return r
}

func copyOf(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

// session implements sarama.ConsumerGroupHandler for one Consume call.
type session struct{ c *Consumer }

func (s session) Setup(sarama.ConsumerGroupSession) error {
	s.c.inSession.Store(true)
	s.c.log.Info().Msg("session started")
	return nil
}

func (s session) Cleanup(sarama.ConsumerGroupSession) error {
	s.c.inSession.Store(false)
	s.c.log.Info().Msg("session ended")
	return nil
}

func (s session) ConsumeClaim(gs sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for m := range claim.Messages() {
		handle := s.c.handler()
		if handle == nil {
			s.c.log.Error().Int64("offset", m.Offset).Msg("no handler for message")
			continue
		}
		if err := handle(gs.Context(), newRecord(gs, m)); err != nil {
			s.c.log.Error().Err(err).
				Str("topic", m.Topic).
				Int32("partition", m.Partition).
				Int64("offset", m.Offset).
				Msg("handler failed")
		}
	}
	return nil
}
