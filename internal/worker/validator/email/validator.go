package emailvalidator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/relaykit/internal/config"
	"github.com/example/relaykit/internal/mail"
	"github.com/example/relaykit/internal/models"
	"github.com/example/relaykit/internal/util"
	"github.com/example/relaykit/internal/worker"
)

const (
	headersMax      = 32
	metaMaxEntries  = 16
	metaMaxKeyLen   = 64
	metaMaxValueLen = 256
)

// ErrInvalidRequest wraps every validation failure.
var ErrInvalidRequest = errors.New("email validator: invalid request")

// Validator implements worker.Validator. It decodes MailRequest JSON,
// enforces the configured limits and builds the mail.Message.
type Validator struct {
	logger      zerolog.Logger
	cfg         config.ValidationConfig
	defaultFrom string
	now         func() time.Time
}

// New constructs a Validator. defaultFrom is used when a request names no
// sender; it may be blank.
func New(cfg config.ValidationConfig, defaultFrom string, logger zerolog.Logger) *Validator {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Validator{
		logger:      logger,
		cfg:         cfg,
		defaultFrom: strings.TrimSpace(defaultFrom),
		now:         time.Now,
	}
}

// ParseAndValidate implements worker.Validator.
func (v *Validator) ParseAndValidate(ctx context.Context, payload []byte) (*worker.ValidatedMessage, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: payload is empty", ErrInvalidRequest)
	}
	if err := util.EnsureMaxBytes("payload", payload, v.cfg.MsgMaxBytes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var req models.MailRequest
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidRequest, err)
	}

	msg, err := v.Validate(&req)
	if err != nil {
		return nil, err
	}

	return &worker.ValidatedMessage{
		Request:    req,
		Message:    msg,
		RawPayload: append([]byte(nil), payload...),
	}, nil
}

// Validate normalises req in place and returns the message to deliver.
func (v *Validator) Validate(req *models.MailRequest) (mail.Message, error) {
	fail := func(field string, err error) (mail.Message, error) {
		return mail.Message{}, fmt.Errorf("%w: %s: %v", ErrInvalidRequest, field, err)
	}

	req.MessageID = strings.TrimSpace(req.MessageID)
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	} else if _, err := util.ParseUUIDv4(req.MessageID); err != nil {
		return fail("message_id", err)
	}
	req.TraceID = strings.TrimSpace(req.TraceID)
	req.TenantID = strings.TrimSpace(req.TenantID)
	if req.CreatedAt.IsZero() {
		req.CreatedAt = v.now()
	}
	req.CreatedAt = req.CreatedAt.UTC()

	if strings.TrimSpace(req.From) == "" {
		req.From = v.defaultFrom
	}
	from, err := util.NormalizeEmail(req.From)
	if err != nil {
		return fail("from", err)
	}
	req.From = from
	req.FromName = strings.TrimSpace(req.FromName)

	req.To, err = util.NormalizeEmails(req.To, 1, v.cfg.RecipientsMax)
	if err != nil {
		return fail("to", err)
	}

	if err := util.EnsureMaxRunes("subject", req.Subject, v.cfg.SubjectMaxLen); err != nil {
		return fail("subject", err)
	}

	req.Body.Type = strings.ToLower(strings.TrimSpace(req.Body.Type))
	if req.Body.Type == "" {
		req.Body.Type = models.BodyTypeText
	}
	if req.Body.Type != models.BodyTypeText && req.Body.Type != models.BodyTypeHTML {
		return fail("body", fmt.Errorf("unsupported body type %q", req.Body.Type))
	}
	if strings.TrimSpace(req.Body.Content) == "" {
		return fail("body", errors.New("content is required"))
	}
	if err := util.EnsureMaxBytes("body", []byte(req.Body.Content), v.cfg.BodyMaxBytes); err != nil {
		return fail("body", err)
	}

	if req.Headers, err = util.ValidateHeaders(req.Headers, headersMax); err != nil {
		return fail("headers", err)
	}
	if req.Meta, err = util.ValidateMetadata(req.Meta, metaMaxEntries, metaMaxKeyLen, metaMaxValueLen); err != nil {
		return fail("meta", err)
	}

	to := make([]mail.Address, 0, len(req.To))
	for _, addr := range req.To {
		to = append(to, mail.Address{Email: addr})
	}
	msg := mail.Message{
		ID:      req.MessageID,
		From:    mail.Address{Name: req.FromName, Email: req.From},
		To:      to,
		Subject: req.Subject,
		Body:    req.Body.Content,
		IsHTML:  req.Body.Type == models.BodyTypeHTML,
		Headers: req.Headers,
	}
	if err := msg.Validate(); err != nil {
		return fail("message", err)
	}
	return msg, nil
}
