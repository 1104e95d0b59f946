package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"pricewatch/internal/task/engine"
	logx "pricewatch/pkg/logx"
)

// ErrUnknownJob is returned by RunNow for a name that was never registered.
var ErrUnknownJob = errors.New("unknown job")

// AddSchedule parses schedule and registers either a cron or interval job.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "55 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Registering a name that already exists replaces it.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	switch ps.Kind {
	case SpecCron:
		return s.AddCron(name, ps.Cron, timeout, job)
	case SpecInterval:
		return s.AddInterval(name, ps.Every, timeout, job)
	default:
		return "", fmt.Errorf("unsupported schedule kind")
	}
}

func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) (string, error) {
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("schedule %q: %w", spec, err)
	}
	return s.upsert(scheduleDef{
		id:      fmt.Sprintf("cron:%d", time.Now().UnixNano()),
		name:    name,
		spec:    spec,
		timeout: timeout,
		job:     job,
	})
}

func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job Job) (string, error) {
	if every <= 0 {
		return "", errors.New("interval must be > 0")
	}
	return s.upsert(scheduleDef{
		id:      fmt.Sprintf("interval:%d", time.Now().UnixNano()),
		name:    name,
		spec:    "@every " + every.String(),
		every:   every,
		timeout: timeout,
		job:     job,
	})
}

// AddDaily runs job every day at HH:MM in the scheduler timezone.
func (s *Service) AddDaily(name string, atHHMM string, timeout time.Duration, job Job) (string, error) {
	h, m, err := ParseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * *", m, h), timeout, job)
}

func (s *Service) upsert(d scheduleDef) (string, error) {
	if strings.TrimSpace(d.name) == "" {
		return "", errors.New("name required")
	}
	if d.job == nil {
		return "", errors.New("job required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Keep the overlap gate across re-registration so a replaced schedule
	// cannot start while the old one is still ticking.
	d.state = &engine.RunState{}
	for _, old := range s.defs {
		if old.name == d.name {
			d.state = old.state
		}
	}
	s.removeScheduleLocked(d.name)
	s.defs = append(s.defs, d)
	if s.c == nil {
		return d.name, nil
	}
	def := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(def); err != nil {
		s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		return d.name, err
	}
	args := []logx.Field{logx.String("name", d.name), logx.String("spec", d.spec), logx.Duration("timeout", d.timeout)}
	if next := s.previewNextRunsLocked(def, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return d.name, nil
}

// Remove unschedules the job with the given name. It returns true if
// something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// RunNow runs the named job synchronously on the caller's goroutine. It
// honors the overlap gate and returns engine.ErrOverlapSkip if a tick of
// the same job is in progress.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var def *scheduleDef
	for i := range s.defs {
		if s.defs[i].name == name {
			d := s.defs[i]
			def = &d
		}
	}
	s.mu.Unlock()
	if def == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.runTick(ctx, def)
}

func (s *Service) removeScheduleLocked(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	def := *d
	job := cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.runCtx
		s.mu.Unlock()
		if err := s.runTick(ctx, &def); err != nil && !errors.Is(err, engine.ErrOverlapSkip) {
			s.log.Warn("job failed", logx.String("job", def.name), logx.Err(err))
		}
	})

	if d.every > 0 {
		sched, jitter := makeIntervalScheduleWithSpread(d.every, time.Now().In(s.loc), d.name, s.spreadMax())
		d.startupSpread = jitter
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}

	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}

func (s *Service) spreadMax() time.Duration {
	switch {
	case s.cfg.StartupSpread < 0:
		return 0
	case s.cfg.StartupSpread == 0:
		return maxStartupSpread
	default:
		return s.cfg.StartupSpread
	}
}

func (s *Service) runTick(ctx context.Context, d *scheduleDef) error {
	if !d.state.TryAcquire() {
		s.log.Debug("tick skipped; previous run still in flight", logx.String("job", d.name))
		return engine.ErrOverlapSkip
	}
	defer d.state.Release()

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	start := time.Now()
	s.log.Debug("tick started", logx.String("job", d.name))
	err := d.job(ctx)
	dur := time.Since(start)
	if err != nil {
		return err
	}
	s.log.Info("tick finished", logx.String("job", d.name), logx.Duration("dur", dur))
	return nil
}

// previewNextRunsLocked lists the next n run times for debug logs.
func (s *Service) previewNextRunsLocked(d *scheduleDef, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 || s.c == nil || d.entryID == 0 {
		return ""
	}
	e := s.c.Entry(d.entryID)
	if e.Schedule == nil {
		return ""
	}
	t := time.Now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = e.Schedule.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

// ParseHHMM parses a 24h "HH:MM" wall-clock time as used by AddDaily.
func ParseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
