package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	snap := Snapshot{Started: s.c != nil, Timezone: loc.String()}
	for _, d := range s.defs {
		it := ScheduleInfo{ID: d.id, Name: d.name, Spec: d.spec, Timeout: d.timeout, State: s.stateLocked(d)}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	return snap
}

// JobState reports the state of the named job and whether it exists.
func (s *Service) JobState(name string) (JobState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.name == name {
			return s.stateLocked(d), true
		}
	}
	return Registered, false
}

// Running reports whether any tick is in flight.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.state.Running() {
			return true
		}
	}
	return false
}

func (s *Service) stateLocked(d scheduleDef) JobState {
	switch {
	case d.state.Running():
		return Running
	case s.c != nil && d.entryID != 0:
		return Armed
	case s.stopped:
		return Stopped
	default:
		return Registered
	}
}

// NextRun returns the next tick of the named job, or zero if it is not armed.
func (s *Service) NextRun(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.name == name && s.c != nil && d.entryID != 0 {
			return s.c.Entry(d.entryID).Next
		}
	}
	return time.Time{}
}
