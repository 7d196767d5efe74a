package worker

import (
	"context"

	"github.com/example/relaykit/internal/kafka/consumer"
)

// KafkaHandler adapts the engine to the consumer loop. Records are committed
// through cons once the engine is done with them; a nil cons leaves offsets
// uncommitted.
func KafkaHandler(engine *Engine, cons *consumer.Consumer) consumer.Handler {
	return func(ctx context.Context, rec *consumer.Record) error {
		if engine == nil || rec == nil {
			return nil
		}
		var commit func(context.Context) error
		if cons != nil {
			commit = func(c context.Context) error { return cons.Commit(c, rec) }
		}
		engine.HandleRecord(ctx, NewRecordFromConsumer(rec, commit))
		return nil
	}
}

// NewRecordFromConsumer copies rec into an engine Record whose ack is commit.
func NewRecordFromConsumer(rec *consumer.Record, commit func(context.Context) error) *Record {
	if rec == nil {
		return nil
	}
	r := Record{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Timestamp: rec.Timestamp,
		Headers:   rec.Headers,
		ack:       commit,
	}
	return r.Clone()
}
