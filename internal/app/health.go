package app

import (
	"time"

	"pricewatch/internal/eventbus"
	"pricewatch/internal/runtime/supervisor"
	"pricewatch/internal/task/engine"
)

type healthSchedule struct {
	Name  string    `json:"name"`
	Spec  string    `json:"spec"`
	State string    `json:"state"`
	Next  time.Time `json:"next,omitzero"`
	Prev  time.Time `json:"prev,omitzero"`
}

type healthEngine struct {
	Workers      int    `json:"workers"`
	InFlight     int    `json:"in_flight"`
	Batches      uint64 `json:"batches"`
	CircuitTotal int    `json:"circuit_total"`
	CircuitOpen  int    `json:"circuit_open"`
	LastError    string `json:"last_error,omitempty"`
}

type healthReport struct {
	RunID        string              `json:"run_id"`
	Scheduler    []healthSchedule    `json:"scheduler"`
	Started      bool                `json:"started"`
	Timezone     string              `json:"timezone"`
	Engine       healthEngine        `json:"engine"`
	AlertChannel string              `json:"alert_channel"`
	Adapters     []string            `json:"adapters"`
	ChatCommands bool                `json:"chat_commands"`
	Events       eventbus.Stats      `json:"events"`
	Supervisor   supervisor.Snapshot `json:"supervisor"`
}

// Health is the component report served by GET /health.
func (a *App) Health() any {
	ss := a.sched.Snapshot()
	rep := healthReport{
		RunID:        a.runID,
		Started:      ss.Started,
		Timezone:     ss.Timezone,
		Engine:       mapEngineHealth(a.engine.Snapshot()),
		AlertChannel: a.dispatch.Channel(),
		Adapters:     a.registry.Names(),
		ChatCommands: a.bot != nil,
		Events:       a.bus.Stats(),
		Supervisor:   a.sup.Snapshot(),
	}
	for _, s := range ss.Schedules {
		rep.Scheduler = append(rep.Scheduler, healthSchedule{
			Name:  s.Name,
			Spec:  s.Spec,
			State: s.State.String(),
			Next:  s.Next,
			Prev:  s.Prev,
		})
	}
	return rep
}

func mapEngineHealth(s engine.Snapshot) healthEngine {
	h := healthEngine{
		Workers:      s.Workers,
		InFlight:     s.InFlight,
		Batches:      s.Batches,
		CircuitTotal: s.CircuitTotal,
		CircuitOpen:  s.CircuitOpen,
	}
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Error != "" {
			h.LastError = s.History[i].Name + ": " + s.History[i].Error
			break
		}
	}
	return h
}
