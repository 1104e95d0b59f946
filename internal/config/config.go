package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"pricewatch/internal/task/scheduler"
)

// EnvPrefix is prepended to every variable name, e.g. PRICEWATCH_CHECK_INTERVAL.
const EnvPrefix = "pricewatch"

// Config is the process configuration, read from the environment.
//
// Raw duration values stay strings so a bad value reports the variable name;
// Validate fills the parsed fields tagged ignored.
type Config struct {
	// Alert delivery. The API key wins over SMTP when both are set.
	MailTransportHost       string `split_words:"true"`
	MailTransportPort       int    `split_words:"true" default:"587"`
	MailTransportUser       string `split_words:"true"`
	MailTransportCredential string `split_words:"true"`
	MailFrom                string `split_words:"true"`
	NotificationAPIKey      string `envconfig:"NOTIFICATION_API_KEY"`

	// Scheduling. CheckInterval accepts a duration ("1h"), HH:MM interval
	// or a cron expression.
	CheckInterval        string `split_words:"true" default:"1h"`
	RetentionAt          string `split_words:"true" default:"02:00"`
	RetentionHorizonDays int    `split_words:"true" default:"30"`
	Timezone             string

	// Extraction.
	RetryCount     int    `split_words:"true" default:"2"`
	RequestDelayMS int    `envconfig:"REQUEST_DELAY_MS" default:"3000"`
	FetchTimeoutS  string `envconfig:"FETCH_TIMEOUT" default:"30s"`
	SweepWorkers   int    `split_words:"true" default:"4"`
	RulesPath      string `split_words:"true"`

	// Repeated-failure cooldown.
	FailureStore string `split_words:"true" default:"memory"`
	FailureTrip  int    `split_words:"true" default:"5"`
	RedisURL     string `envconfig:"REDIS_URL"`

	StorageDriver string `split_words:"true" default:"sqlite"`
	StorageDSN    string `envconfig:"STORAGE_DSN" default:"./data/pricewatch.db"`

	LogLevel   string `split_words:"true" default:"info"`
	LogConsole bool   `split_words:"true" default:"true"`
	LogFile    string `split_words:"true"`

	TelegramToken   string `split_words:"true"`
	TelegramLogChat int64  `split_words:"true"`

	// Chat commands (/track, /check, /history) need the token too.
	TelegramCommands     bool    `split_words:"true"`
	TelegramAllowedChats []int64 `split_words:"true"`

	HTTPEnabled bool   `envconfig:"HTTP_ENABLED" default:"true"`
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:"127.0.0.1:8080"`
	HTTPToken   string `envconfig:"HTTP_TOKEN"`
	HTTPPprof   bool   `envconfig:"HTTP_PPROF"`

	ShutdownTimeoutS string `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	FetchTimeout     time.Duration  `ignored:"true"`
	RequestDelay     time.Duration  `ignored:"true"`
	RetentionHorizon time.Duration  `ignored:"true"`
	ShutdownTimeout  time.Duration  `ignored:"true"`
	Location         *time.Location `ignored:"true"`
}

// Load reads envFile (if present) into the process environment, then binds
// the PRICEWATCH_* variables and validates the result.
// Variables already set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if strings.TrimSpace(envFile) != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and fills the parsed fields.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(c.CheckInterval) == "" {
		c.CheckInterval = "1h"
	}
	if _, _, err := scheduler.ParseHHMM(c.RetentionAt); err != nil {
		bad("retention_at: %w", err)
	}
	if c.RetentionHorizonDays <= 0 {
		bad("retention_horizon_days must be > 0")
	}
	c.RetentionHorizon = time.Duration(c.RetentionHorizonDays) * 24 * time.Hour

	if c.RetryCount < 0 {
		bad("retry_count must be >= 0")
	}
	if c.RequestDelayMS < 0 {
		bad("request_delay_ms must be >= 0")
	}
	c.RequestDelay = time.Duration(c.RequestDelayMS) * time.Millisecond

	// Sweeps stay polite; 1..8 concurrent fetches.
	switch {
	case c.SweepWorkers <= 0:
		c.SweepWorkers = 4
	case c.SweepWorkers > 8:
		c.SweepWorkers = 8
	}

	var err error
	if c.FetchTimeout, err = durationOr("fetch_timeout", c.FetchTimeoutS, 30*time.Second); err != nil {
		errs = append(errs, err)
	}
	if c.ShutdownTimeout, err = durationOr("shutdown_timeout", c.ShutdownTimeoutS, 10*time.Second); err != nil {
		errs = append(errs, err)
	}

	c.Location = time.Local
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			bad("timezone %q: %w", tz, err)
		} else {
			c.Location = loc
		}
	}

	c.FailureStore = strings.ToLower(strings.TrimSpace(c.FailureStore))
	switch c.FailureStore {
	case "memory", "":
		c.FailureStore = "memory"
	case "redis":
		if strings.TrimSpace(c.RedisURL) == "" {
			bad("failure_store=redis requires redis_url")
		}
	default:
		bad("unknown failure_store %q", c.FailureStore)
	}

	c.StorageDriver = strings.ToLower(strings.TrimSpace(c.StorageDriver))
	switch c.StorageDriver {
	case "sqlite", "postgres", "memory":
	default:
		bad("unknown storage_driver %q", c.StorageDriver)
	}

	if c.TelegramCommands && strings.TrimSpace(c.TelegramToken) == "" {
		bad("telegram_commands requires telegram_token")
	}
	if c.MailTransportHost != "" && (c.MailTransportPort <= 0 || c.MailTransportPort > 65535) {
		bad("mail_transport_port out of range: %d", c.MailTransportPort)
	}
	return errors.Join(errs...)
}

// Sender returns the From address for alert mail.
func (c *Config) Sender() string {
	if s := strings.TrimSpace(c.MailFrom); s != "" {
		return s
	}
	return strings.TrimSpace(c.MailTransportUser)
}

// durationOr parses an optional Go duration; empty or zero yields def.
func durationOr(field, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %w", field, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %s", field, raw)
	case d == 0:
		return def, nil
	}
	return d, nil
}
