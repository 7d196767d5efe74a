package email

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	gomail "github.com/wneessen/go-mail"

	"github.com/example/relaykit/internal/config"
	"github.com/example/relaykit/internal/retry"
)

var smtpCodePattern = regexp.MustCompile(`\b([45]\d{2})[ -]`)

// SMTPOption configures the behaviour of the SMTP provider.
type SMTPOption func(*SMTPProvider)

// WithSMTPName overrides the provider name.
func WithSMTPName(name string) SMTPOption {
	return func(p *SMTPProvider) {
		if strings.TrimSpace(name) != "" {
			p.name = strings.TrimSpace(name)
		}
	}
}

// WithSMTPTimeout bounds the dial and every SMTP command.
func WithSMTPTimeout(d time.Duration) SMTPOption {
	return func(p *SMTPProvider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithSMTPClock replaces the clock used for timestamps.
func WithSMTPClock(now func() time.Time) SMTPOption {
	return func(p *SMTPProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// SMTPProvider delivers mail through an SMTP relay.
type SMTPProvider struct {
	name    string
	logger  zerolog.Logger
	host    string
	port    int
	user    string
	pass    string
	tls     gomail.TLSPolicy
	timeout time.Duration
	now     func() time.Time
}

// NewSMTPProvider constructs a Provider backed by an SMTP server.
func NewSMTPProvider(cfg config.SMTPConfig, logger zerolog.Logger, opts ...SMTPOption) (*SMTPProvider, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp provider: host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("smtp provider: invalid port %d", cfg.Port)
	}
	policy, err := tlsPolicy(cfg.TLSPolicy)
	if err != nil {
		return nil, err
	}

	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	p := &SMTPProvider{
		name:    "smtp",
		logger:  logger,
		host:    strings.TrimSpace(cfg.Host),
		port:    cfg.Port,
		user:    strings.TrimSpace(cfg.User),
		pass:    cfg.Pass,
		tls:     policy,
		timeout: 30 * time.Second,
		now:     time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	return p, nil
}

// Name returns the provider name.
func (p *SMTPProvider) Name() string { return p.name }

// Send delivers the supplied payload using the configured SMTP relay.
func (p *SMTPProvider) Send(ctx context.Context, payload *Payload) (*RawResponse, error) {
	if err := validatePayload("smtp provider", payload); err != nil {
		return nil, retry.Permanent(err)
	}

	msg, err := p.buildMessage(payload)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	client, err := gomail.NewClient(p.host, p.clientOptions()...)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("smtp provider: client: %w", err))
	}

	resp := &RawResponse{
		ID:        payload.MessageID,
		Timestamp: p.now(),
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		code, body := classifySMTPError(err)
		resp.Code = code
		resp.Body = body
		if resp.Body == "" {
			resp.Body = err.Error()
		}
		p.logger.Warn().Err(err).Str("message_id", payload.MessageID).Int("code", code).Msg("smtp send failed")
		return resp, wrapSMTPError(fmt.Errorf("smtp provider: %w", err), code)
	}

	resp.Code = 250
	resp.Body = "smtp: message accepted"
	p.logger.Debug().Str("message_id", payload.MessageID).Str("relay", p.host).Msg("smtp accepted")
	return resp, nil
}

func (p *SMTPProvider) clientOptions() []gomail.Option {
	opts := []gomail.Option{
		gomail.WithTLSPolicy(p.tls),
		gomail.WithPort(p.port),
		gomail.WithTimeout(p.timeout),
	}
	if p.user != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(p.user),
			gomail.WithPassword(p.pass),
		)
	}
	return opts
}

func (p *SMTPProvider) buildMessage(payload *Payload) (*gomail.Msg, error) {
	msg := gomail.NewMsg()
	msg.SetCharset(gomail.CharsetUTF8)

	if payload.FromName != "" {
		if err := msg.FromFormat(payload.FromName, payload.From); err != nil {
			return nil, fmt.Errorf("smtp provider: invalid from address: %w", err)
		}
	} else if err := msg.From(payload.From); err != nil {
		return nil, fmt.Errorf("smtp provider: invalid from address: %w", err)
	}
	if err := msg.To(payload.To...); err != nil {
		return nil, fmt.Errorf("smtp provider: invalid recipient: %w", err)
	}

	for key, value := range payload.Headers {
		canonical := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(key))
		if canonical == "" || strings.TrimSpace(value) == "" || reservedHeader(canonical) {
			continue
		}
		msg.SetGenHeader(gomail.Header(canonical), sanitizeHeaderValue(value))
	}

	msg.Subject(sanitizeHeaderValue(payload.Subject))
	if payload.MessageID != "" {
		msg.SetMessageIDWithValue(strings.Trim(sanitizeHeaderValue(payload.MessageID), "<>"))
	} else {
		msg.SetMessageID()
	}
	msg.SetDateWithValue(p.now())

	switch {
	case payload.TextBody != "" && payload.HTMLBody != "":
		msg.SetBodyString(gomail.TypeTextPlain, payload.TextBody)
		msg.AddAlternativeString(gomail.TypeTextHTML, payload.HTMLBody)
	case payload.HTMLBody != "":
		msg.SetBodyString(gomail.TypeTextHTML, payload.HTMLBody)
	default:
		msg.SetBodyString(gomail.TypeTextPlain, payload.TextBody)
	}

	return msg, nil
}

func tlsPolicy(name string) (gomail.TLSPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "opportunistic":
		return gomail.TLSOpportunistic, nil
	case "mandatory":
		return gomail.TLSMandatory, nil
	case "none":
		return gomail.NoTLS, nil
	default:
		return gomail.NoTLS, fmt.Errorf("smtp provider: unknown tls policy %q", name)
	}
}

func reservedHeader(key string) bool {
	switch key {
	case "From", "To", "Cc", "Bcc", "Subject", "Message-Id", "Date", "Mime-Version", "Content-Type", "Content-Transfer-Encoding":
		return true
	default:
		return false
	}
}

func sanitizeHeaderValue(value string) string {
	clean := strings.ReplaceAll(value, "\r", " ")
	clean = strings.ReplaceAll(clean, "\n", " ")
	return strings.TrimSpace(clean)
}

// classifySMTPError extracts the SMTP reply code and text from err, if any.
func classifySMTPError(err error) (int, string) {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code, strings.TrimSpace(tpErr.Msg)
	}

	matches := smtpCodePattern.FindStringSubmatch(err.Error())
	if len(matches) == 2 {
		if code, convErr := strconv.Atoi(matches[1]); convErr == nil {
			return code, ""
		}
	}

	return 0, ""
}

// wrapSMTPError marks authentication and mailbox rejections permanent. Other
// reply codes are transient; errors without a code are left to retry.Classify.
func wrapSMTPError(err error, code int) error {
	switch {
	case isPermanentCode(code):
		return retry.Permanent(err)
	case code >= 400:
		return retry.Transient(err)
	default:
		return err
	}
}

func isPermanentCode(code int) bool {
	switch code {
	case 530, 535, 550, 551, 553:
		return true
	default:
		return false
	}
}
