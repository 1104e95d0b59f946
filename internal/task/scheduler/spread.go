package scheduler

import (
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// startupSpreadSchedule wraps a base schedule and overrides the first run time.
// After the first run, it delegates to the base schedule.
type startupSpreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *startupSpreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// makeIntervalScheduleWithSpread returns an interval schedule whose first
// tick is delayed by a random jitter in [0, min(every, spreadMax)).
func makeIntervalScheduleWithSpread(every time.Duration, now time.Time, tag string, spreadMax time.Duration) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	if spreadMax > every {
		spreadMax = every
	}
	if spreadMax <= 0 {
		return base, 0
	}
	rng := rand.New(rand.NewPCG(uint64(now.UnixNano()), fnv64a(tag)))
	jitter := time.Duration(rng.Int64N(int64(spreadMax)))
	return &startupSpreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
