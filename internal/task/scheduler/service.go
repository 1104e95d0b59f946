package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	logx "pricewatch/pkg/logx"
)

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		runCtx: context.Background(),
	}
}

// Start arms every registered job. Calling Start on a started scheduler is
// a no-op; calling it after Stop re-arms all jobs.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}

	loc := s.loadLocationLocked()
	s.loc = loc
	s.runCtx = context.WithoutCancel(ctx)
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(cronLogger{log: s.log}),
		cron.WithChain(cron.Recover(cronLogger{log: s.log})),
	)
	for i := range s.defs {
		if err := s.addCronLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", s.defs[i].name), logx.String("spec", s.defs[i].spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.stopped = false
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop prevents new ticks and waits for in-flight ticks to finish, or for
// ctx to expire. In-flight ticks are never cancelled.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.stopped = true
	for i := range s.defs {
		s.defs[i].entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			s.log.Warn("stop timed out waiting for running jobs", logx.Duration("took", time.Since(start)))
			return
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Started reports whether jobs are armed.
func (s *Service) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger routes robfig/cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
