package email

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/example/relaykit/internal/config"
	"github.com/example/relaykit/internal/retry"
)

// SendGridAPI is the subset of the SendGrid client used by SendGridProvider.
type SendGridAPI interface {
	SendWithContext(ctx context.Context, email *sgmail.SGMailV3) (*rest.Response, error)
}

// SendGridOption configures a SendGridProvider.
type SendGridOption func(*SendGridProvider)

// WithSendGridClient injects a client, typically a fake in tests.
func WithSendGridClient(api SendGridAPI) SendGridOption {
	return func(p *SendGridProvider) {
		p.api = api
	}
}

// WithSendGridClock replaces the clock used for timestamps.
func WithSendGridClock(now func() time.Time) SendGridOption {
	return func(p *SendGridProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// SendGridProvider sends mail through the SendGrid v3 mail send API.
type SendGridProvider struct {
	logger   zerolog.Logger
	api      SendGridAPI
	notReady error
	now      func() time.Time
}

// NewSendGridProvider builds a provider for the given API key. A blank key
// yields a provider whose Ready reports ErrNotConfigured.
func NewSendGridProvider(cfg config.SendGridConfig, logger zerolog.Logger, opts ...SendGridOption) *SendGridProvider {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	p := &SendGridProvider{
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	key := strings.TrimSpace(cfg.APIKey)
	if key == "" && p.api == nil {
		p.notReady = fmt.Errorf("%w: sendgrid api key is blank", ErrNotConfigured)
		return p
	}
	if p.api == nil {
		p.api = sendgrid.NewSendClient(key)
	}
	return p
}

// Name returns the provider name.
func (p *SendGridProvider) Name() string { return "sendgrid" }

// Ready implements Preconditioner.
func (p *SendGridProvider) Ready() error { return p.notReady }

// Send posts the payload to SendGrid. Any non-2xx response is a failure.
func (p *SendGridProvider) Send(ctx context.Context, payload *Payload) (*RawResponse, error) {
	if p.notReady != nil {
		return nil, retry.Permanent(p.notReady)
	}
	if err := validatePayload("sendgrid provider", payload); err != nil {
		return nil, retry.Permanent(err)
	}

	res, err := p.api.SendWithContext(ctx, buildSendGridMail(payload))
	if err != nil {
		p.logger.Warn().Err(err).Str("message_id", payload.MessageID).Msg("sendgrid request failed")
		return nil, fmt.Errorf("sendgrid provider: %w", err)
	}

	resp := &RawResponse{
		ID:        payload.MessageID,
		Code:      res.StatusCode,
		Body:      res.Body,
		Timestamp: p.now(),
	}
	if ids := res.Headers["X-Message-Id"]; len(ids) > 0 && ids[0] != "" {
		resp.ID = ids[0]
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		p.logger.Warn().Str("message_id", payload.MessageID).Int("code", res.StatusCode).Msg("sendgrid rejected")
		return resp, fmt.Errorf("sendgrid provider: %w", &retry.StatusError{Code: res.StatusCode, Body: res.Body})
	}
	p.logger.Debug().Str("message_id", payload.MessageID).Int("code", res.StatusCode).Msg("sendgrid accepted")
	return resp, nil
}

func buildSendGridMail(payload *Payload) *sgmail.SGMailV3 {
	m := sgmail.NewV3Mail()
	m.SetFrom(sgmail.NewEmail(payload.FromName, payload.From))
	m.Subject = payload.Subject

	personalization := sgmail.NewPersonalization()
	for _, to := range payload.To {
		personalization.AddTos(sgmail.NewEmail("", to))
	}
	m.AddPersonalizations(personalization)

	// text/plain must precede text/html.
	if payload.TextBody != "" {
		m.AddContent(sgmail.NewContent("text/plain", payload.TextBody))
	}
	if payload.HTMLBody != "" {
		m.AddContent(sgmail.NewContent("text/html", payload.HTMLBody))
	}

	for key, value := range payload.Headers {
		if strings.TrimSpace(key) == "" || strings.TrimSpace(value) == "" {
			continue
		}
		m.SetHeader(key, sanitizeHeaderValue(value))
	}
	return m
}
