package config_test

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/example/relaykit/internal/config"
)

func setWorkerEnv(t *testing.T) {
	t.Helper()
	t.Setenv("KAFKA_BROKERS", "broker-a:9092, broker-b:9093")
	t.Setenv("KAFKA_MAIL_REQUEST_TOPIC", "mail.request")
	t.Setenv("KAFKA_MAIL_STATUS_TOPIC", "mail.status")
	t.Setenv("KAFKA_MAIL_DLQ_TOPIC", "mail.dlq")
	t.Setenv("MAIL_CONSUMER_GROUP", "mail-consumer")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Env != "development" || cfg.App.Port != 8080 || cfg.App.LogLevel != "info" {
		t.Fatalf("unexpected app defaults %+v", cfg.App)
	}
	if !reflect.DeepEqual(cfg.Mail.Providers, []string{"mock"}) {
		t.Fatalf("expected mock provider default, got %v", cfg.Mail.Providers)
	}
	if cfg.Retry.MaxRetries != 6 || cfg.Retry.BaseDelay() != time.Second || cfg.Retry.MaxDelay() != 0 {
		t.Fatalf("unexpected retry defaults %+v", cfg.Retry)
	}
	if cfg.Retry.ProviderTimeout() != 30*time.Second {
		t.Fatalf("unexpected provider timeout %s", cfg.Retry.ProviderTimeout())
	}
	if cfg.Proxy.Timeout() != 100*time.Second {
		t.Fatalf("unexpected proxy timeout %s", cfg.Proxy.Timeout())
	}
	if cfg.Mail.SMTP.TLSPolicy != "opportunistic" {
		t.Fatalf("unexpected smtp tls policy %q", cfg.Mail.SMTP.TLSPolicy)
	}
}

func TestLoadMailSection(t *testing.T) {
	t.Setenv("MAIL_PROVIDERS", "ses_iam, AwsSes_ByEnvironmentVariable ,sendgrid,,smtp")
	t.Setenv("MAIL_FROM", "noreply@example.com")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIA")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("SENDGRID_API_KEY", "SG.key")
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("SMTP_PORT", "2525")
	t.Setenv("SMTP_TLS", "None")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"ses_iam", "AwsSes_ByEnvironmentVariable", "sendgrid", "smtp"}
	if !reflect.DeepEqual(cfg.Mail.Providers, want) {
		t.Fatalf("expected providers %v, got %v", want, cfg.Mail.Providers)
	}
	if cfg.Mail.AWS.AccessKeyID != "AKIA" || cfg.Mail.AWS.SecretAccessKey != "secret" || cfg.Mail.AWS.Region != "eu-west-1" {
		t.Fatalf("unexpected aws config %+v", cfg.Mail.AWS)
	}
	if cfg.Mail.SendGrid.APIKey != "SG.key" {
		t.Fatalf("unexpected sendgrid key %q", cfg.Mail.SendGrid.APIKey)
	}
	if cfg.Mail.SMTP.Port != 2525 || cfg.Mail.SMTP.TLSPolicy != "none" {
		t.Fatalf("unexpected smtp config %+v", cfg.Mail.SMTP)
	}
}

func TestLoadAggregatesErrors(t *testing.T) {
	t.Setenv("APP_PORT", "not-a-number")
	t.Setenv("RETRY_BASE_DELAY_MS", "0")
	t.Setenv("SMTP_TLS", "sometimes")

	_, err := config.Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, fragment := range []string{"APP_PORT must be a valid integer", "RETRY_BASE_DELAY_MS must be positive", "SMTP_TLS must be one of"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("expected %q in %v", fragment, err)
		}
	}
}

func TestLoadWorkerRequiresKafka(t *testing.T) {
	_, err := config.LoadWorker()
	if err == nil {
		t.Fatalf("expected missing kafka settings to fail")
	}
	if !strings.Contains(err.Error(), "KAFKA_BROKERS is required") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestLoadWorkerSuccess(t *testing.T) {
	setWorkerEnv(t)
	t.Setenv("COMMIT_ON_SUCCESS_ONLY", "false")
	t.Setenv("WORKER_CONCURRENCY", "4")

	cfg, err := config.LoadWorker()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(cfg.Kafka.Brokers, []string{"broker-a:9092", "broker-b:9093"}) {
		t.Fatalf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if cfg.Kafka.RequestTopic != "mail.request" || cfg.Kafka.ConsumerGroup != "mail-consumer" {
		t.Fatalf("unexpected kafka config %+v", cfg.Kafka)
	}
	if cfg.Kafka.CommitOnSuccessOnly || cfg.Kafka.WorkerConcurrency != 4 {
		t.Fatalf("unexpected worker settings %+v", cfg.Kafka)
	}
}
