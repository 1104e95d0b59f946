// Package app constructs and runs the monitoring service.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"pricewatch/internal/alert"
	"pricewatch/internal/config"
	"pricewatch/internal/eventbus"
	"pricewatch/internal/extract"
	"pricewatch/internal/monitor"
	"pricewatch/internal/runtime/supervisor"
	"pricewatch/internal/storage"
	"pricewatch/internal/task/engine"
	"pricewatch/internal/task/scheduler"
	"pricewatch/internal/transport/httpapi"
	"pricewatch/internal/transport/telegram"
	logx "pricewatch/pkg/logx"
	"pricewatch/pkg/systemd"
)

const (
	JobSweep     = "price.sweep"
	JobRetention = "retention.sweep"
)

type App struct {
	cfg   *config.Config
	runID string

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store
	redis io.Closer

	engine    *engine.Service
	sched     *scheduler.Service
	registry  *extract.Registry
	rules     *extract.RulesWatcher
	extractor *extract.Extractor
	dispatch  *alert.Dispatcher
	checker   *monitor.Checker
	retention *monitor.RetentionSweeper
	http      *httpapi.Server
	bot       *telegram.Bot

	sup *supervisor.Supervisor
}

// New builds every component from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	var tg *alert.Telegram
	if strings.TrimSpace(cfg.TelegramToken) != "" {
		t, err := alert.NewTelegram(cfg.TelegramToken, "")
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		tg = t
	}

	// A nil *Telegram must not become a non-nil interface.
	var sender logx.ChatSender
	if tg != nil {
		sender = tg
	}
	logSvc, root := logx.New(mapLogConfig(cfg), sender)
	runID := uuid.NewString()
	root = root.With(logx.String("run", runID[:8]))
	log := root.With(logx.String("comp", "app"))

	a := &App{cfg: cfg, runID: runID, log: log, logs: logSvc, bus: eventbus.New()}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	store, err := storage.Open(ctx, mapStorageConfig(cfg), root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a.store = store

	// Failure streaks live in memory unless they must survive restarts.
	var bstore engine.BreakerStore
	if cfg.FailureStore == "redis" {
		rdb, err := engine.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.redis = rdb
		bstore = engine.NewRedisBreakerStore(rdb, "", breakerMaxCooldown*2)
	}
	a.engine = engine.New(mapEngineConfig(cfg), bstore, root.With(logx.String("comp", "engine")), a.bus)

	a.registry = extract.NewRegistry()
	if path := strings.TrimSpace(cfg.RulesPath); path != "" {
		a.rules = extract.NewRulesWatcher(path, a.registry, root.With(logx.String("comp", "rules")))
		if err := a.rules.Load(); err != nil {
			return nil, fmt.Errorf("site rules: %w", err)
		}
	}
	fetcher := extract.NewFetcher(mapFetchConfig(cfg), root.With(logx.String("comp", "fetch")))
	a.extractor = extract.NewExtractor(fetcher, a.registry, root.With(logx.String("comp", "extract")))

	alog := root.With(logx.String("comp", "alert"))
	a.dispatch = alert.NewDispatcher(alert.SelectChannel(mapAlertOptions(cfg, tg), alog), alog, a.bus)

	a.checker = monitor.NewChecker(monitor.Config{}, a.store, a.extractor, a.dispatch, a.engine, root, a.bus)
	a.retention = monitor.NewRetentionSweeper(a.store, cfg.RetentionHorizon, root, a.bus)

	a.sched = scheduler.New(scheduler.Config{Timezone: cfg.Timezone}, root.With(logx.String("comp", "scheduler")))
	if _, err := a.sched.AddSchedule(JobSweep, cfg.CheckInterval, 0, a.checker.SweepJob); err != nil {
		return nil, fmt.Errorf("check_interval: %w", err)
	}
	if _, err := a.sched.AddDaily(JobRetention, cfg.RetentionAt, 10*time.Minute, a.retention.Job); err != nil {
		return nil, fmt.Errorf("retention_at: %w", err)
	}

	if cfg.HTTPEnabled {
		h := httpapi.NewHandler(a.checker, a.store, a.Health, root.With(logx.String("comp", "http")))
		a.http = httpapi.New(mapHTTPConfig(cfg), h, root)
	}

	if cfg.TelegramCommands {
		blog := root.With(logx.String("comp", "telegram"))
		cmds := telegram.NewCommands(a.checker, a.store, 2*time.Minute, blog)
		bot, err := telegram.New(mapTelegramConfig(cfg), cmds, blog)
		if err != nil {
			return nil, fmt.Errorf("telegram commands: %w", err)
		}
		a.bot = bot
	}

	log.Info("app built",
		logx.String("storage", cfg.StorageDriver),
		logx.String("failure_store", cfg.FailureStore),
		logx.String("alert_channel", a.dispatch.Channel()),
		logx.Bool("chat_commands", a.bot != nil),
		logx.String("check_interval", cfg.CheckInterval),
		logx.String("retention_at", cfg.RetentionAt),
		logx.Any("adapters", a.registry.Names()),
	)
	ok = true
	return a, nil
}

// Checker exposes the monitor for one-shot commands.
func (a *App) Checker() *monitor.Checker { return a.checker }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app's background loops have been cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal background failure.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start arms the scheduler and launches the background loops.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.sup.Go("events", func(c context.Context) error {
		eventbus.Forward(c, a.bus, a.log.With(logx.String("comp", "events")))
		return nil
	})
	if a.rules != nil {
		a.sup.GoRestart("rules.watch", a.rules.Watch, supervisor.WithPublishFirstError(true))
	}
	if a.http != nil {
		a.sup.GoRestart("http.serve", a.http.Serve,
			supervisor.WithPublishFirstError(true),
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
	}
	if a.bot != nil {
		a.sup.GoRestart("telegram.poll", a.bot.Run,
			supervisor.WithPublishFirstError(true),
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
	}
	a.sup.Go("systemd.watchdog", systemd.Watchdog)

	a.sched.Start(ctx)

	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("started", logx.Time("next_sweep", a.sched.NextRun(JobSweep)), logx.Time("next_retention", a.sched.NextRun(JobRetention)))
	return nil
}

// Stop shuts down in order: scheduler (waiting for a running tick),
// background loops, storage. Each step is bounded so one component cannot
// stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Warn("sd_notify stopping failed", logx.Err(err))
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) (finished bool) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(sctx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
			return true
		case <-sctx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			return false
		}
	}

	// No new item checks start; the ones running finish and persist.
	a.engine.Drain()
	swept := step("scheduler", a.stopBudget(), func(c context.Context) error {
		a.sched.Stop(c)
		if a.sched.Running() {
			return errors.New("tick still running")
		}
		return nil
	})
	step("supervisor", 5*time.Second, a.sup.Stop)
	if swept {
		step("storage", 2*time.Second, func(context.Context) error { return a.closeStore() })
	} else {
		a.log.Warn("storage left open: a tick is still writing")
		a.store = nil
	}

	a.log.Info("stopped")
	a.close()
	return nil
}

// stopBudget is how long Stop waits for a running tick: the configured
// shutdown timeout, but never less than one item check.
func (a *App) stopBudget() time.Duration {
	return max(a.cfg.ShutdownTimeout, mapEngineConfig(a.cfg).DefaultTimeout+5*time.Second)
}

// Close releases resources of an app that was never started.
func (a *App) Close() error {
	a.close()
	return nil
}

func (a *App) closeStore() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
		a.store = nil
	}
	if a.redis != nil {
		_ = a.redis.Close()
		a.redis = nil
	}
	return err
}

func (a *App) close() {
	if err := a.closeStore(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	if a.logs != nil {
		_ = a.logs.Close()
		a.logs = nil
	}
}
