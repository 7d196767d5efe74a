package email

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"reflect"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/example/relaykit/internal/config"
	"github.com/example/relaykit/internal/retry"
)

// SESCredentials selects how the SES client authenticates.
type SESCredentials int

const (
	// SESDefaultChain uses the ambient AWS credential chain (instance or task role).
	SESDefaultChain SESCredentials = iota
	// SESStaticKeys uses the access key pair from configuration.
	SESStaticKeys
)

// SESAPI is the subset of the SES v2 client used by SESProvider.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESOption configures an SESProvider.
type SESOption func(*SESProvider)

// WithSESClient injects a ready client, bypassing AWS configuration loading.
func WithSESClient(api SESAPI) SESOption {
	return func(p *SESProvider) {
		p.api = api
	}
}

// WithSESName overrides the provider name.
func WithSESName(name string) SESOption {
	return func(p *SESProvider) {
		if strings.TrimSpace(name) != "" {
			p.name = strings.TrimSpace(name)
		}
	}
}

// WithSESClock replaces the clock used for timestamps.
func WithSESClock(now func() time.Time) SESOption {
	return func(p *SESProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// SESProvider sends mail through the Amazon SES v2 API.
type SESProvider struct {
	name     string
	logger   zerolog.Logger
	api      SESAPI
	notReady error
	now      func() time.Time
}

// NewSESProvider builds an SES provider. With SESStaticKeys and a blank key
// or secret the provider is still returned but reports ErrNotConfigured from
// Ready.
func NewSESProvider(ctx context.Context, cfg config.AWSConfig, creds SESCredentials, logger zerolog.Logger, opts ...SESOption) (*SESProvider, error) {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	p := &SESProvider{
		name:   "ses",
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	if creds == SESStaticKeys && (strings.TrimSpace(cfg.AccessKeyID) == "" || strings.TrimSpace(cfg.SecretAccessKey) == "") {
		p.notReady = fmt.Errorf("%w: aws access key id or secret access key is blank", ErrNotConfigured)
		return p, nil
	}

	if p.api != nil {
		return p, nil
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if creds == SESStaticKeys {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("ses provider: load aws config: %w", err)
	}
	p.api = sesv2.NewFromConfig(awsCfg)
	return p, nil
}

// Name returns the provider name.
func (p *SESProvider) Name() string { return p.name }

// Ready implements Preconditioner.
func (p *SESProvider) Ready() error { return p.notReady }

// Send submits the payload as a simple SES message.
func (p *SESProvider) Send(ctx context.Context, payload *Payload) (*RawResponse, error) {
	if p.notReady != nil {
		return nil, retry.Permanent(p.notReady)
	}
	if err := validatePayload("ses provider", payload); err != nil {
		return nil, retry.Permanent(err)
	}

	out, err := p.api.SendEmail(ctx, p.buildInput(payload))
	resp := &RawResponse{ID: payload.MessageID, Timestamp: p.now()}
	if err != nil {
		resp.Code, resp.Body = sesStatus(err)
		p.logger.Warn().Err(err).Str("message_id", payload.MessageID).Int("code", resp.Code).Msg("ses send failed")
		return resp, sesError(err)
	}

	resp.Code = 200
	if out != nil && out.MessageId != nil {
		resp.ID = aws.ToString(out.MessageId)
	}
	resp.Body = "ses: message accepted"
	p.logger.Debug().Str("message_id", payload.MessageID).Str("ses_id", resp.ID).Msg("ses accepted")
	return resp, nil
}

func (p *SESProvider) buildInput(payload *Payload) *sesv2.SendEmailInput {
	from := payload.From
	if payload.FromName != "" {
		from = (&mail.Address{Name: payload.FromName, Address: payload.From}).String()
	}

	body := &types.Body{}
	if payload.TextBody != "" {
		body.Text = &types.Content{Data: aws.String(payload.TextBody), Charset: aws.String("UTF-8")}
	}
	if payload.HTMLBody != "" {
		body.Html = &types.Content{Data: aws.String(payload.HTMLBody), Charset: aws.String("UTF-8")}
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses: append([]string(nil), payload.To...),
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(payload.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
	}
}

func sesStatus(err error) (int, string) {
	code := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code = respErr.HTTPStatusCode()
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return code, apiErr.ErrorCode() + ": " + apiErr.ErrorMessage()
	}
	return code, err.Error()
}

// sesError maps SES failures onto retry classifications. HTTP statuses win;
// API errors without one fall back to the fault side.
func sesError(err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() > 0 {
		_, body := sesStatus(err)
		return fmt.Errorf("ses provider: %w", &retry.StatusError{Code: respErr.HTTPStatusCode(), Body: body})
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorFault() {
		case smithy.FaultServer:
			return retry.Transient(fmt.Errorf("ses provider: %w", err))
		case smithy.FaultClient:
			return retry.Permanent(fmt.Errorf("ses provider: %w", err))
		}
	}

	return fmt.Errorf("ses provider: %w", err)
}
