package factory

import (
	"context"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/relaykit/internal/config"
	"github.com/example/relaykit/internal/mail"
	emailprovider "github.com/example/relaykit/internal/providers/email"
)

// Option customises the providers built by Registry.
type Option func(*settings)

type settings struct {
	ses      []emailprovider.SESOption
	sendgrid []emailprovider.SendGridOption
	smtp     []emailprovider.SMTPOption
	mock     []emailprovider.Option
}

// WithSESOptions is applied to both SES modes.
func WithSESOptions(opts ...emailprovider.SESOption) Option {
	return func(s *settings) { s.ses = append(s.ses, opts...) }
}

// WithSendGridOptions is applied to the SendGrid provider.
func WithSendGridOptions(opts ...emailprovider.SendGridOption) Option {
	return func(s *settings) { s.sendgrid = append(s.sendgrid, opts...) }
}

// WithSMTPOptions is applied to the SMTP provider.
func WithSMTPOptions(opts ...emailprovider.SMTPOption) Option {
	return func(s *settings) { s.smtp = append(s.smtp, opts...) }
}

// WithMockOptions is applied to the mock provider.
func WithMockOptions(opts ...emailprovider.Option) Option {
	return func(s *settings) { s.mock = append(s.mock, opts...) }
}

// Registry builds one provider per configured mode, in configured order.
// Unknown names are logged and dropped; an empty result is an error.
func Registry(ctx context.Context, cfg config.MailConfig, logger zerolog.Logger, opts ...Option) (*mail.Registry, error) {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	s := &settings{}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	modes, unknown := mail.ParseModes(cfg.Providers)
	for _, name := range unknown {
		logger.Warn().Str("provider", name).Msg("unknown mail provider ignored")
	}

	entries := make([]mail.Entry, 0, len(modes))
	for _, mode := range modes {
		plog := logger.With().Str("component", "mail_provider").Str("mode", string(mode)).Logger()
		provider, err := build(ctx, mode, cfg, plog, s)
		if err != nil {
			return nil, err
		}
		if pre, ok := provider.(emailprovider.Preconditioner); ok {
			if err := pre.Ready(); err != nil {
				plog.Warn().Err(err).Msg("mail provider registered but not ready; it will be skipped")
			}
		}
		plog.Info().Str("provider", provider.Name()).Msg("mail provider initialised")
		entries = append(entries, mail.Entry{Mode: mode, Provider: provider})
	}

	return mail.NewRegistry(entries...)
}

func build(ctx context.Context, mode mail.Mode, cfg config.MailConfig, logger zerolog.Logger, s *settings) (emailprovider.Provider, error) {
	switch mode {
	case mail.ModeSESIAM, mail.ModeSESStatic:
		creds := emailprovider.SESDefaultChain
		if mode == mail.ModeSESStatic {
			creds = emailprovider.SESStaticKeys
		}
		opts := append([]emailprovider.SESOption{emailprovider.WithSESName(string(mode))}, s.ses...)
		p, err := emailprovider.NewSESProvider(ctx, cfg.AWS, creds, logger, opts...)
		if err != nil {
			return nil, fmt.Errorf("factory: %s provider init: %w", mode, err)
		}
		return p, nil
	case mail.ModeSendGrid:
		return emailprovider.NewSendGridProvider(cfg.SendGrid, logger, s.sendgrid...), nil
	case mail.ModeSMTP:
		p, err := emailprovider.NewSMTPProvider(cfg.SMTP, logger, s.smtp...)
		if err != nil {
			return nil, fmt.Errorf("factory: smtp provider init: %w", err)
		}
		return p, nil
	case mail.ModeMock:
		return emailprovider.NewMockProvider(logger, s.mock...), nil
	default:
		return nil, fmt.Errorf("factory: unsupported mail provider mode %q", mode)
	}
}
