package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/relaykit/internal/config"
	"github.com/example/relaykit/internal/kafka/consumer"
	"github.com/example/relaykit/internal/kafka/producer"
	kafkapublisher "github.com/example/relaykit/internal/kafka/publisher"
	"github.com/example/relaykit/internal/server"
	"github.com/example/relaykit/internal/worker"
	emailvalidator "github.com/example/relaykit/internal/worker/validator/email"
)

var errKafkaNotReady = errors.New("kafka clients not ready")

func newWorkerCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume mail requests from Kafka and deliver them",
		Long: "Consumes MailRequest JSON from the request topic, delivers each message through the " +
			"provider chain and publishes status events and dead letters. The HTTP API, /healthz " +
			"and /metrics are served alongside unless --addr is set to \"off\".",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := config.LoadWorker()
			if err != nil {
				return err
			}
			log, err := a.logger(cfg, "relaykit-worker")
			if err != nil {
				return err
			}

			d, err := a.delivery(ctx, cfg, log)
			if err != nil {
				return err
			}

			kafkaLog := log.With().Str("component", "kafka").Logger()
			prod, err := producer.Connect(ctx, cfg.Kafka.Brokers, kafkaLog)
			if err != nil {
				return fmt.Errorf("kafka producer: %w", err)
			}
			defer func() {
				if err := prod.Close(); err != nil {
					log.Error().Err(err).Msg("failed to close kafka producer")
				}
			}()

			cons, err := consumer.New(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, kafkaLog, cfg.Kafka.CommitOnSuccessOnly)
			if err != nil {
				return err
			}
			if err := cons.Connect(ctx); err != nil {
				return fmt.Errorf("kafka consumer: %w", err)
			}
			defer func() {
				if err := cons.Close(); err != nil {
					log.Error().Err(err).Msg("failed to close kafka consumer")
				}
			}()

			validator := emailvalidator.New(cfg.Validation, cfg.Mail.DefaultFrom, log.With().Str("component", "email_validator").Logger())
			engine, err := worker.NewEngine(worker.Config{
				MsgMaxBytes:       cfg.Validation.MsgMaxBytes,
				WorkerConcurrency: cfg.Kafka.WorkerConcurrency,
			}, worker.Dependencies{
				Deliverer:       d.coordinator,
				Validator:       validator,
				StatusPublisher: kafkapublisher.NewStatusPublisher(prod, cfg.Kafka.StatusTopic, log.With().Str("component", "status_publisher").Logger()),
				DLQPublisher:    kafkapublisher.NewDLQPublisher(prod, cfg.Kafka.DLQTopic, log.With().Str("component", "dlq_publisher").Logger()),
				Logger:          log,
				Now:             time.Now,
			})
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				defer engine.Wait()
				err := cons.Consume(gctx, []string{cfg.Kafka.RequestTopic}, worker.KafkaHandler(engine, cons))
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})

			if addr == "" {
				addr = fmt.Sprintf(":%d", cfg.App.Port)
			}
			if addr != "off" {
				srv, err := server.New(d.coordinator, validator, log,
					server.WithMetricsHandler(d.metrics.Handler()),
					server.WithMaxBodyBytes(int64(cfg.Validation.MsgMaxBytes)),
					server.WithReadiness(func() error {
						if !prod.IsReady() || !cons.IsReady() {
							return errKafkaNotReady
						}
						return nil
					}),
				)
				if err != nil {
					return err
				}
				g.Go(func() error { return srv.Run(gctx, addr) })
			}

			log.Info().Str("request_topic", cfg.Kafka.RequestTopic).Msg("mail worker started")
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", `Listen address for the HTTP surface (default :APP_PORT, "off" disables it)`)
	return cmd
}
