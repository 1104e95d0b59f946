package app

import (
	"strings"
	"time"

	"pricewatch/internal/alert"
	"pricewatch/internal/config"
	"pricewatch/internal/extract"
	"pricewatch/internal/storage"
	"pricewatch/internal/task/engine"
	"pricewatch/internal/task/scheduler"
	"pricewatch/internal/transport/httpapi"
	"pricewatch/internal/transport/telegram"
	logx "pricewatch/pkg/logx"
)

const breakerMaxCooldown = 24 * time.Hour

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.LogLevel,
		Console: cfg.LogConsole,
		File: logx.FileConfig{
			Enabled: strings.TrimSpace(cfg.LogFile) != "",
			Path:    cfg.LogFile,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.TelegramLogChat != 0 && cfg.TelegramToken != "",
			ChatID:     cfg.TelegramLogChat,
			MinLevel:   "warn",
			RatePerSec: 1,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      cfg.StorageDriver,
		DSN:         cfg.StorageDSN,
		BusyTimeout: 5 * time.Second,
		MaxConns:    int32(cfg.SweepWorkers) + 2,
	}
}

// checkEvery is the sweep period used as the base failure cooldown. Cron
// schedules fall back to an hour.
func checkEvery(cfg *config.Config) time.Duration {
	ps, err := scheduler.ParseSchedule(cfg.CheckInterval)
	if err != nil || ps.Kind != scheduler.SpecInterval || ps.Every <= 0 {
		return time.Hour
	}
	return ps.Every
}

func mapEngineConfig(cfg *config.Config) engine.Config {
	every := checkEvery(cfg)
	return engine.Config{
		Workers: cfg.SweepWorkers,
		// One item: every attempt plus the politeness delays between them.
		DefaultTimeout:      time.Duration(cfg.RetryCount+1)*(cfg.FetchTimeout+2*cfg.RequestDelay) + 30*time.Second,
		CircuitTripFailures: cfg.FailureTrip,
		CircuitBaseDelay:    every,
		CircuitMaxDelay:     breakerMaxCooldown,
		// A failure streak survives a skipped tick; it resets after a quiet day.
		CircuitResetAfter: breakerMaxCooldown + every,
	}
}

func mapFetchConfig(cfg *config.Config) extract.FetchConfig {
	return extract.FetchConfig{
		Timeout:      cfg.FetchTimeout,
		RetryCount:   cfg.RetryCount,
		RequestDelay: cfg.RequestDelay,
		HostRate:     0.5,
		HostBurst:    1,
	}
}

func mapAlertOptions(cfg *config.Config, tg *alert.Telegram) alert.Options {
	return alert.Options{
		APIKey:       cfg.NotificationAPIKey,
		SMTPHost:     cfg.MailTransportHost,
		SMTPPort:     cfg.MailTransportPort,
		SMTPUser:     cfg.MailTransportUser,
		SMTPPassword: cfg.MailTransportCredential,
		From:         cfg.Sender(),
		Telegram:     tg,
	}
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	return httpapi.Config{
		Addr:  cfg.HTTPAddr,
		Token: cfg.HTTPToken,
		Pprof: cfg.HTTPPprof,
	}
}

func mapTelegramConfig(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:        cfg.TelegramToken,
		AllowedChats: cfg.TelegramAllowedChats,
	}
}
