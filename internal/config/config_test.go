package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PRICEWATCH_STORAGE_DRIVER", "memory")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "1h", cfg.CheckInterval)
	assert.Equal(t, "02:00", cfg.RetentionAt)
	assert.Equal(t, 30*24*time.Hour, cfg.RetentionHorizon)
	assert.Equal(t, 2, cfg.RetryCount)
	assert.Equal(t, 3*time.Second, cfg.RequestDelay)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 4, cfg.SweepWorkers)
	assert.Equal(t, 587, cfg.MailTransportPort)
	assert.Equal(t, "memory", cfg.FailureStore)
	assert.Equal(t, 5, cfg.FailureTrip)
	assert.NotNil(t, cfg.Location)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	body := "PRICEWATCH_MAIL_TRANSPORT_HOST=smtp.example.com\n" +
		"PRICEWATCH_MAIL_TRANSPORT_USER=bot@example.com\n" +
		"PRICEWATCH_CHECK_INTERVAL=30m\n" +
		"PRICEWATCH_SWEEP_WORKERS=32\n" +
		"PRICEWATCH_STORAGE_DRIVER=memory\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	keys := []string{
		"PRICEWATCH_MAIL_TRANSPORT_HOST", "PRICEWATCH_MAIL_TRANSPORT_USER",
		"PRICEWATCH_CHECK_INTERVAL", "PRICEWATCH_SWEEP_WORKERS", "PRICEWATCH_STORAGE_DRIVER",
	}
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com", cfg.MailTransportHost)
	assert.Equal(t, "bot@example.com", cfg.Sender())
	assert.Equal(t, "30m", cfg.CheckInterval)
	assert.Equal(t, 8, cfg.SweepWorkers, "workers are clamped to 8")
}

func TestLoadMissingEnvFileIsFine(t *testing.T) {
	t.Setenv("PRICEWATCH_STORAGE_DRIVER", "memory")
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		mut  func(c *Config)
	}{
		{name: "retention time", mut: func(c *Config) { c.RetentionAt = "25:00" }},
		{name: "horizon", mut: func(c *Config) { c.RetentionHorizonDays = 0 }},
		{name: "retry", mut: func(c *Config) { c.RetryCount = -1 }},
		{name: "timezone", mut: func(c *Config) { c.Timezone = "Mars/Olympus" }},
		{name: "redis url", mut: func(c *Config) { c.FailureStore = "redis" }},
		{name: "driver", mut: func(c *Config) { c.StorageDriver = "mongo" }},
		{name: "fetch timeout", mut: func(c *Config) { c.FetchTimeoutS = "soon" }},
		{name: "chat commands", mut: func(c *Config) { c.TelegramCommands = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mut(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestSenderPrefersMailFrom(t *testing.T) {
	c := Config{MailFrom: "alerts@example.com", MailTransportUser: "login@example.com"}
	assert.Equal(t, "alerts@example.com", c.Sender())
}

func TestDurationOr(t *testing.T) {
	t.Parallel()
	for raw, want := range map[string]time.Duration{"": 5 * time.Second, " 0s ": 5 * time.Second, "90s": 90 * time.Second} {
		d, err := durationOr("x", raw, 5*time.Second)
		if err != nil || d != want {
			t.Fatalf("durationOr(%q) = %v, %v; want %v", raw, d, err, want)
		}
	}
	for _, bad := range []string{"-1s", "soon"} {
		if _, err := durationOr("x", bad, time.Second); err == nil {
			t.Fatalf("durationOr(%q) should fail", bad)
		}
	}
}

func validConfig() Config {
	return Config{
		CheckInterval:        "1h",
		RetentionAt:          "02:00",
		RetentionHorizonDays: 30,
		RetryCount:           2,
		RequestDelayMS:       3000,
		FetchTimeoutS:        "30s",
		SweepWorkers:         4,
		FailureStore:         "memory",
		StorageDriver:        "sqlite",
		MailTransportPort:    587,
	}
}
