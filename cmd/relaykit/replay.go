package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/relaykit/internal/config"
)

func newReplayCmd(a *app) *cobra.Command {
	var (
		path  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Retry messages parked in the outbox",
		Long: "Sends every parked message through the provider chain again. Delivered messages " +
			"are removed from the outbox; the rest stay with their replay count incremented.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if path == "" {
				path = cfg.Outbox.Path
			}
			if path == "" {
				return errors.New("replay: no outbox configured; set OUTBOX_PATH or --outbox")
			}
			log, err := a.logger(cfg, "relaykit-replay")
			if err != nil {
				return err
			}

			store, err := openOutbox(path, log)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.List(limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(a.out(), "outbox is empty")
				return nil
			}

			d, err := a.delivery(ctx, cfg, log)
			if err != nil {
				return err
			}

			var delivered, failed int
			for _, entry := range entries {
				if err := ctx.Err(); err != nil {
					return err
				}
				msg := entry.Message
				report := d.coordinator.Deliver(ctx, msg)
				if report.Delivered {
					if err := store.Delete(msg.ID); err != nil {
						return err
					}
					delivered++
				} else {
					reason := errNotDelivered.Error()
					if report.Err != nil {
						reason = report.Err.Error()
					}
					if err := store.Put(msg, reason); err != nil {
						return err
					}
					failed++
				}
				log.Info().
					Str("message_id", msg.ID).
					Int("previous_replays", entry.Replays).
					Bool("delivered", report.Delivered).
					Msg("outbox entry replayed")
				fmt.Fprintf(a.out(), "%s: %s\n", msg.ID, report)
			}

			fmt.Fprintf(a.out(), "replayed %d: %d delivered, %d still parked\n", len(entries), delivered, failed)
			if failed > 0 {
				return errNotDelivered
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "outbox", "", "Outbox file (default OUTBOX_PATH)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Replay at most this many messages (0 means all)")
	return cmd
}
