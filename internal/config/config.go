package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for relaykit.
type Config struct {
	App        AppConfig
	Mail       MailConfig
	Retry      RetryConfig
	Proxy      ProxyConfig
	Kafka      KafkaConfig
	Validation ValidationConfig
	Outbox     OutboxConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	Port     int
	LogLevel string
}

// MailConfig lists the delivery providers in the order they are tried and the
// credentials each of them needs.
type MailConfig struct {
	Providers   []string
	DefaultFrom string
	AWS         AWSConfig
	SendGrid    SendGridConfig
	SMTP        SMTPConfig
}

// AWSConfig stores Amazon SES settings. Static keys are only used by the
// static-credential provider mode; the IAM-role mode relies on the default
// credential chain.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// SendGridConfig stores the SendGrid API key.
type SendGridConfig struct {
	APIKey string
}

// SMTPConfig stores SMTP credentials for email delivery.
type SMTPConfig struct {
	Host      string
	Port      int
	User      string
	Pass      string
	TLSPolicy string
}

// RetryConfig controls the per-provider retry policy.
type RetryConfig struct {
	MaxRetries             int
	BaseDelayMs            int
	MaxDelaySeconds        int
	ProviderTimeoutSeconds int
}

// BaseDelay returns the exponential base as a duration.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff cap; zero means uncapped.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelaySeconds) * time.Second
}

// ProviderTimeout bounds a single transport call.
func (r RetryConfig) ProviderTimeout() time.Duration {
	return time.Duration(r.ProviderTimeoutSeconds) * time.Second
}

// ProxyConfig points at the reverse proxy rule table.
type ProxyConfig struct {
	RulesSource    string
	TimeoutSeconds int
}

// Timeout bounds a forwarded round trip.
func (p ProxyConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// KafkaConfig defines broker information for the mail intake worker.
type KafkaConfig struct {
	Brokers             []string
	RequestTopic        string
	StatusTopic         string
	DLQTopic            string
	ConsumerGroup       string
	WorkerConcurrency   int
	CommitOnSuccessOnly bool
}

// ValidationConfig holds the limits used while validating inbound requests.
type ValidationConfig struct {
	MsgMaxBytes   int
	RecipientsMax int
	SubjectMaxLen int
	BodyMaxBytes  int
}

// OutboxConfig locates the bbolt file for undelivered mail. An empty path
// disables the outbox.
type OutboxConfig struct {
	Path string
}

// Load reads environment variables, applies defaults, validates values and
// returns a populated Config. Kafka settings are optional here; use LoadWorker
// when the intake worker is started.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}
	cfg := load(ldr, false)
	if err := ldr.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWorker is Load with the Kafka section required.
func LoadWorker() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}
	cfg := load(ldr, true)
	if err := ldr.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(ldr *envLoader, kafkaRequired bool) *Config {
	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.Port = ldr.getInt("APP_PORT", 8080, false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Mail.Providers = ldr.getStringSlice("MAIL_PROVIDERS", false)
	if len(cfg.Mail.Providers) == 0 {
		cfg.Mail.Providers = []string{"mock"}
	}
	cfg.Mail.DefaultFrom = ldr.getString("MAIL_FROM", "", false)

	cfg.Mail.AWS.Region = ldr.getString("AWS_REGION", "", false)
	cfg.Mail.AWS.AccessKeyID = ldr.getString("AWS_ACCESS_KEY_ID", "", false)
	cfg.Mail.AWS.SecretAccessKey = ldr.getString("AWS_SECRET_ACCESS_KEY", "", false)

	cfg.Mail.SendGrid.APIKey = ldr.getString("SENDGRID_API_KEY", "", false)

	cfg.Mail.SMTP.Host = ldr.getString("SMTP_HOST", "", false)
	cfg.Mail.SMTP.Port = ldr.getInt("SMTP_PORT", 587, false)
	cfg.Mail.SMTP.User = ldr.getString("SMTP_USER", "", false)
	cfg.Mail.SMTP.Pass = ldr.getString("SMTP_PASS", "", false)
	cfg.Mail.SMTP.TLSPolicy = strings.ToLower(ldr.getString("SMTP_TLS", "opportunistic", false))

	cfg.Retry.MaxRetries = ldr.getInt("RETRY_MAX_RETRIES", 6, false)
	cfg.Retry.BaseDelayMs = ldr.getInt("RETRY_BASE_DELAY_MS", 1000, false)
	cfg.Retry.MaxDelaySeconds = ldr.getInt("RETRY_MAX_DELAY_SECONDS", 0, false)
	cfg.Retry.ProviderTimeoutSeconds = ldr.getInt("PROVIDER_TIMEOUT_SECONDS", 30, false)

	cfg.Proxy.RulesSource = ldr.getString("PROXY_RULES_FILE", "", false)
	cfg.Proxy.TimeoutSeconds = ldr.getInt("PROXY_TIMEOUT_SECONDS", 100, false)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", kafkaRequired)
	cfg.Kafka.RequestTopic = ldr.getString("KAFKA_MAIL_REQUEST_TOPIC", "", kafkaRequired)
	cfg.Kafka.StatusTopic = ldr.getString("KAFKA_MAIL_STATUS_TOPIC", "", kafkaRequired)
	cfg.Kafka.DLQTopic = ldr.getString("KAFKA_MAIL_DLQ_TOPIC", "", kafkaRequired)
	cfg.Kafka.ConsumerGroup = ldr.getString("MAIL_CONSUMER_GROUP", "", kafkaRequired)
	cfg.Kafka.WorkerConcurrency = ldr.getInt("WORKER_CONCURRENCY", 10, false)
	cfg.Kafka.CommitOnSuccessOnly = ldr.getBool("COMMIT_ON_SUCCESS_ONLY", true, false)

	cfg.Validation.MsgMaxBytes = ldr.getInt("MSG_MAX_BYTES", 200000, false)
	cfg.Validation.RecipientsMax = ldr.getInt("RECIPIENTS_MAX", 50, false)
	cfg.Validation.SubjectMaxLen = ldr.getInt("SUBJECT_MAX_LEN", 255, false)
	cfg.Validation.BodyMaxBytes = ldr.getInt("BODY_MAX_BYTES", 100000, false)

	cfg.Outbox.Path = ldr.getString("OUTBOX_PATH", "", false)

	ldr.check(cfg.Retry.MaxRetries >= 0, "RETRY_MAX_RETRIES cannot be negative")
	ldr.check(cfg.Retry.BaseDelayMs > 0, "RETRY_BASE_DELAY_MS must be positive")
	ldr.check(cfg.Retry.ProviderTimeoutSeconds > 0, "PROVIDER_TIMEOUT_SECONDS must be positive")
	ldr.check(cfg.Kafka.WorkerConcurrency > 0, "WORKER_CONCURRENCY must be positive")
	switch cfg.Mail.SMTP.TLSPolicy {
	case "opportunistic", "mandatory", "none":
	default:
		ldr.addError(fmt.Sprintf("SMTP_TLS must be one of opportunistic, mandatory, none; got %q", cfg.Mail.SMTP.TLSPolicy))
	}

	return cfg
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) check(ok bool, msg string) {
	if !ok {
		l.addError(msg)
	}
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	raw := l.getString(key, "", required)
	if raw == "" {
		return def
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	raw := l.getString(key, "", required)
	if raw == "" {
		return def
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid boolean", key))
		return def
	}
	return parsed
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
