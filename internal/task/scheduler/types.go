package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"pricewatch/internal/task/engine"
	logx "pricewatch/pkg/logx"
)

// Config controls the scheduler.
type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty = Local

	// StartupSpread caps the random delay added to the first run of
	// interval schedules. 0 = 30s, < 0 disables.
	StartupSpread time.Duration
}

// JobState is the lifecycle state of a registered job.
type JobState int

const (
	Registered JobState = iota // known, scheduler not started
	Armed                      // waiting for its next tick
	Running                    // tick in progress
	Stopped                    // scheduler stopped; Start re-arms
)

func (s JobState) String() string {
	switch s {
	case Registered:
		return "registered"
	case Armed:
		return "armed"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Job func(ctx context.Context) error

type scheduleDef struct {
	id            string
	name          string
	spec          string // cron spec or @every
	every         time.Duration
	timeout       time.Duration
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration
	state         *engine.RunState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser  cron.Parser
	c       *cron.Cron
	defs    []scheduleDef
	stopped bool

	// runCtx is handed to ticks. Stop does not cancel it, so in-flight
	// ticks finish their work.
	runCtx context.Context
}

type ScheduleInfo struct {
	ID      string
	Name    string
	Spec    string
	Timeout time.Duration
	State   JobState
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Started   bool
	Timezone  string
	Schedules []ScheduleInfo
}
