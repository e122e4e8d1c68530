package collaboration

import (
	"context"
	"log"
	"time"

	"codepair/internal/models"
)

// Clock abstracts wall time so the sweep logic can be tested by
// advancing a virtual clock instead of sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Scheduler periodically scans session state and emits the idle and
// archival transitions. Timers never mutate a session directly — each
// transition goes through the registry and therefore takes the same
// per-session lock every other mutation takes.
type Scheduler struct {
	registry *Registry
	clock    Clock

	interval     time.Duration
	idleTimeout  time.Duration // active with no activity this long -> ended
	archiveAfter time.Duration // ended this long -> archived

	done chan struct{}
}

// NewScheduler builds a sweep scheduler with the given timings.
func NewScheduler(registry *Registry, clock Clock, interval, idleTimeout, archiveAfter time.Duration) *Scheduler {
	return &Scheduler{
		registry:     registry,
		clock:        clock,
		interval:     interval,
		idleTimeout:  idleTimeout,
		archiveAfter: archiveAfter,
		done:         make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Scheduler) Start() {
	log.Printf("🔄 Starting session sweep scheduler (every %s, idle %s, archive %s)",
		s.interval, s.idleTimeout, s.archiveAfter)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.Sweep(s.clock.Now())
			}
		}
	}()
}

// Stop halts the sweep loop.
func (s *Scheduler) Stop() {
	close(s.done)
}

// Sweep runs one scan at the given instant. Exported so tests drive it
// directly with a virtual now.
func (s *Scheduler) Sweep(now time.Time) {
	ctx := context.Background()

	for _, session := range s.registry.ListSessions() {
		switch session.Status {
		case models.SessionActive:
			last, err := s.registry.LastActivity(session.ID)
			if err != nil {
				continue
			}
			if now.Sub(last) >= s.idleTimeout {
				log.Printf("  Session %s idle for %s, ending", session.ID, now.Sub(last))
				if err := s.registry.EndSession(ctx, session.ID); err != nil {
					log.Printf("⚠️  Failed to end idle session %s: %v", session.ID, err)
				}
			}

		case models.SessionEnded:
			if session.EndedAt != nil && now.Sub(*session.EndedAt) >= s.archiveAfter {
				if err := s.registry.ArchiveSession(ctx, session.ID); err != nil {
					log.Printf("⚠️  Failed to archive session %s: %v", session.ID, err)
				}
			}
		}
	}
}
