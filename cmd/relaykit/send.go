package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/relaykit/internal/config"
	"github.com/example/relaykit/internal/htmltext"
	"github.com/example/relaykit/internal/models"
	emailvalidator "github.com/example/relaykit/internal/worker/validator/email"
)

var errNotDelivered = errors.New("message not delivered")

func newSendCmd(a *app) *cobra.Command {
	var (
		req      models.MailRequest
		bodyFile string
		html     bool
		preview  bool
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Deliver one message through the configured provider chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := a.logger(cfg, "relaykit-send")
			if err != nil {
				return err
			}

			if bodyFile != "" {
				raw, err := os.ReadFile(bodyFile)
				if err != nil {
					return fmt.Errorf("read body: %w", err)
				}
				req.Body.Content = string(raw)
			}
			req.Body.Type = models.BodyTypeText
			if html {
				req.Body.Type = models.BodyTypeHTML
			}

			validator := emailvalidator.New(cfg.Validation, cfg.Mail.DefaultFrom, log)
			msg, err := validator.Validate(&req)
			if err != nil {
				return err
			}
			if preview {
				text := msg.Body
				if msg.IsHTML {
					text = htmltext.FromHTML(msg.Body, true)
				}
				fmt.Fprintf(a.out(), "From: %s\nTo: %v\nSubject: %s\n\n%s\n", msg.From, msg.Recipients(), msg.Subject, text)
				return nil
			}

			d, err := a.delivery(ctx, cfg, log)
			if err != nil {
				return err
			}
			report := d.coordinator.Deliver(ctx, msg)
			fmt.Fprintf(a.out(), "%s: %s\n", report.MessageID, report)
			if report.Delivered {
				return nil
			}

			store, err := openOutbox(cfg.Outbox.Path, log)
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
				msg.ID = report.MessageID
				reason := errNotDelivered.Error()
				if report.Err != nil {
					reason = report.Err.Error()
				}
				if err := store.Put(msg, reason); err != nil {
					return fmt.Errorf("park undelivered message: %w", err)
				}
				fmt.Fprintf(a.out(), "%s: parked in outbox\n", report.MessageID)
			}
			return errNotDelivered
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.From, "from", "", "Sender address (default MAIL_FROM)")
	f.StringVar(&req.FromName, "from-name", "", "Sender display name")
	f.StringSliceVar(&req.To, "to", nil, "Recipient address, repeatable")
	f.StringVar(&req.Subject, "subject", "", "Subject line")
	f.StringVar(&req.Body.Content, "body", "", "Message body")
	f.StringVar(&bodyFile, "body-file", "", "Read the body from a file")
	f.BoolVar(&html, "html", false, "Treat the body as HTML")
	f.StringToStringVar(&req.Headers, "header", nil, "Extra header as key=value, repeatable")
	f.BoolVar(&preview, "preview", false, "Print the validated message as text instead of sending it")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
