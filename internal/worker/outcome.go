package worker

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/example/relaykit/internal/mail"
	"github.com/example/relaykit/internal/models"
)

// reject dead-letters a record that never reached delivery. The record key
// stands in for the message id, which may not have parsed.
func (e *Engine) reject(ctx context.Context, record *Record, cause error) {
	id, now := string(record.Key), e.now()
	e.log.Warn().Err(cause).Str("message_id", id).Int64("offset", record.Offset).Msg("record rejected")

	e.emit(ctx, models.StatusEvent{MessageID: id, EventType: models.StatusEventFailed, Error: cause.Error(), Timestamp: now})
	e.deadLetter(ctx, models.DLQRecord{
		MessageID:       id,
		FailureType:     models.FailureTypeValidation,
		LastError:       cause.Error(),
		FirstFailedAt:   now,
		LastAttemptAt:   now,
		OriginalMessage: asJSON(record.Value),
	})
	e.commit(ctx, record)
}

// process delivers one validated message and reports every step. A delivery
// cut short by cancellation is left uncommitted.
func (e *Engine) process(ctx context.Context, record *Record, msg *ValidatedMessage) {
	id, trace := msg.Message.ID, msg.Request.TraceID
	log := e.log.With().Str("message_id", id).Logger()
	if ctx.Err() != nil {
		log.Warn().Msg("shutting down, record left for redelivery")
		return
	}

	e.emit(ctx, models.StatusEvent{MessageID: id, EventType: models.StatusEventQueued, TraceID: trace})
	started := e.now()
	report := e.deliverer.Deliver(ctx, msg.Message)

	tried := 0
	var providers []string
	for _, ev := range attemptEvents(id, trace, report.Attempts) {
		if ev.EventType == models.StatusEventAttempt {
			tried++
			providers = append(providers, ev.ProviderResponse.Provider)
		}
		e.emit(ctx, ev)
	}
	finished := e.now()

	switch {
	case report.Delivered:
		log.Info().Str("provider", report.Provider).Dur("duration", finished.Sub(started)).Msg("delivered")
		e.emit(ctx, models.StatusEvent{
			MessageID:        id,
			EventType:        models.StatusEventSent,
			Attempt:          tried,
			ProviderResponse: &models.ProviderResponse{Provider: report.Provider},
			TraceID:          trace,
			Timestamp:        finished,
		})
	case ctx.Err() != nil, errors.Is(report.Err, context.Canceled):
		// Provider timeouts fall through to default; only the caller's
		// context ending leaves the record for redelivery.
		log.Warn().Err(report.Err).Msg("delivery interrupted, record left for redelivery")
		return
	default:
		reason := errString(report.Err)
		log.Error().Err(report.Err).Strs("providers", providers).Msg("undeliverable")
		e.emit(ctx, models.StatusEvent{
			MessageID: id,
			EventType: models.StatusEventFailed,
			Attempt:   tried,
			Error:     reason,
			TraceID:   trace,
			Timestamp: finished,
		})
		e.deadLetter(ctx, models.DLQRecord{
			MessageID:       id,
			FailureType:     models.FailureTypeUndeliverable,
			LastError:       reason,
			Attempts:        tried,
			Providers:       providers,
			FirstFailedAt:   started,
			LastAttemptAt:   finished,
			TraceID:         trace,
			Meta:            msg.Request.Meta,
			OriginalMessage: asJSON(msg.RawPayload),
		})
	}
	e.commit(ctx, record)
}

// attemptEvents maps coordinator attempts to status events. Skipped
// providers get a skipped event and do not advance the attempt number.
func attemptEvents(id, trace string, attempts []mail.AttemptResult) []models.StatusEvent {
	out := make([]models.StatusEvent, 0, len(attempts))
	n := 0
	for _, a := range attempts {
		ev := models.StatusEvent{
			MessageID: id,
			EventType: models.StatusEventSkipped,
			TraceID:   trace,
			Error:     errString(a.Err),
			ProviderResponse: &models.ProviderResponse{
				Provider: a.Provider,
				Mode:     string(a.Mode),
				Code:     a.Code,
				Retries:  a.Retries,
			},
		}
		if !a.Skipped {
			n++
			ev.EventType, ev.Attempt = models.StatusEventAttempt, n
		}
		out = append(out, ev)
	}
	return out
}

func (e *Engine) emit(ctx context.Context, ev models.StatusEvent) {
	if e.status == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	if err := e.status.PublishStatus(ctx, ev); err != nil {
		e.log.Error().Err(err).Str("message_id", ev.MessageID).Str("event", ev.EventType).Msg("status publish failed")
	}
}

func (e *Engine) deadLetter(ctx context.Context, rec models.DLQRecord) {
	if e.dlq == nil {
		return
	}
	if err := e.dlq.PublishDLQ(ctx, rec); err != nil {
		e.log.Error().Err(err).Str("message_id", rec.MessageID).Msg("dlq publish failed")
	}
}

func (e *Engine) commit(ctx context.Context, record *Record) {
	var err error
	switch {
	case record.ack != nil:
		err = record.ack(ctx)
	case e.committer != nil:
		err = e.committer.Commit(ctx, record)
	default:
		return
	}
	if err != nil {
		e.log.Error().Err(err).
			Str("topic", record.Topic).
			Int32("partition", record.Partition).
			Int64("offset", record.Offset).
			Msg("offset commit failed")
	}
}

// asJSON embeds valid JSON untouched and anything else as a JSON string.
func asJSON(b []byte) json.RawMessage {
	switch {
	case len(b) == 0:
		return nil
	case json.Valid(b):
		return cloneBytes(b)
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
