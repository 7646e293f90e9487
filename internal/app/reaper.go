package app

import (
	"context"
	"time"

	"quiz-session-engine/internal/domain"
	"quiz-session-engine/internal/metrics"
)

// ReapIdle tears down sessions that have had nobody connected for idleGrace, or whose
// host has been gone for hostGrace. Sessions still in the lobby are dropped; started
// sessions are ended so their results are finalized. It returns the number reaped.
func (s *QuizService) ReapIdle(now time.Time, idleGrace, hostGrace time.Duration) int {
	candidates := s.registry.idle(now, idleGrace, hostGrace)
	for session, reason := range candidates {
		s.teardown(session, reason)
	}
	return len(candidates)
}

func (s *QuizService) teardown(session *Session, reason string) {
	defer func() {
		// One broken session must not stop the sweep.
		if r := recover(); r != nil {
			s.logger.Error("teardown panicked", "gameCode", session.Code(), "panic", r)
			s.registry.Remove(session.Code())
		}
	}()

	metrics.SessionReaped(reason)
	s.logger.Info("reaping session", "gameCode", session.Code(), "reason", reason)

	reply, _ := session.Handle(terminateCommand{discard: true})
	if discarded, _ := reply.(bool); discarded {
		s.hub.Deliver(session.Code(), domain.ToAll(domain.EventSessionEnded, domain.SessionEndedEvent{
			GameCode: session.Code(),
		}))
		s.hub.Close(session.Code())
		s.registry.Remove(session.Code())
	}
}

// RunReaper sweeps idle sessions every interval until ctx is cancelled.
func (s *QuizService) RunReaper(ctx context.Context, interval, idleGrace, hostGrace time.Duration) {
	if interval <= 0 {
		return
	}
	s.logger.Info("reaper started", "interval", interval, "idleGrace", idleGrace, "hostGrace", hostGrace)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			if n := s.ReapIdle(s.now(), idleGrace, hostGrace); n > 0 {
				s.logger.Info("reaped idle sessions", "count", n)
			}
		}
	}
}

// Shutdown ends every live session so that results are finalized before exit.
func (s *QuizService) Shutdown(ctx context.Context) {
	for _, session := range s.registry.all() {
		if ctx.Err() != nil {
			return
		}
		s.teardown(session, "shutdown")
	}
}
