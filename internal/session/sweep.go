package session

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultSweepSchedule is how often idle in-memory sessions are purged.
const DefaultSweepSchedule = "@every 5m"

// ParseSchedule validates a sweep schedule: a standard 5-field cron
// expression or a descriptor such as "@every 5m".
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("session.ParseSchedule(%q): %w", expr, err)
	}
	return sched, nil
}

// Sweep deletes every expired entry and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, e := range s.entries {
		if e.Expired(now, s.idle) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// StartSweeper runs s.Sweep on schedule. The returned func stops the
// sweeper and waits for a running sweep to finish.
func StartSweeper(s *MemoryStore, schedule string) (func(), error) {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, fmt.Errorf("session.StartSweeper: %w", err)
	}

	c := cron.New()
	c.Schedule(sched, cron.FuncJob(func() {
		if n := s.Sweep(); n > 0 {
			log.Debug().Int("removed", n).Msg("session.Sweep: purged idle sessions")
		}
	}))
	c.Start()

	return func() { <-c.Stop().Done() }, nil
}
