// Package email holds the mail transports: SES, SendGrid, SMTP and a mock.
// Each one turns a Payload into a single delivery attempt and classifies its
// failure with the retry package so the coordinator knows whether to retry.
package email

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotConfigured means a provider lacks credentials or settings. The
// coordinator records it as a skip, not a failed attempt.
var ErrNotConfigured = errors.New("email: provider not configured")

// Payload is a normalized message. HTMLBody is optional; TextBody is always
// set when HTMLBody is.
type Payload struct {
	MessageID string
	From      string
	FromName  string
	To        []string
	Subject   string
	TextBody  string
	HTMLBody  string
	Headers   map[string]string
}

// RawResponse is what the transport answered. Code is an SMTP reply code or
// HTTP status depending on the transport.
type RawResponse struct {
	ID        string
	Code      int
	Body      string
	Timestamp time.Time
}

type Provider interface {
	Name() string
	Send(ctx context.Context, payload *Payload) (*RawResponse, error)
}

// Preconditioner lets a provider opt out before any attempt is made.
type Preconditioner interface {
	Ready() error
}

func validatePayload(who string, p *Payload) error {
	var missing string
	switch {
	case p == nil:
		missing = "payload"
	case strings.TrimSpace(p.From) == "":
		missing = "from address"
	case len(p.To) == 0:
		return fmt.Errorf("%s: at least one recipient is required", who)
	case p.TextBody == "" && p.HTMLBody == "":
		missing = "body"
	default:
		return nil
	}
	return fmt.Errorf("%s: %s is required", who, missing)
}

// pickHeader looks key up case-insensitively.
func pickHeader(headers map[string]string, key string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}
