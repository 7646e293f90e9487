package app

import (
	"context"
	"time"

	"quiz-session-engine/internal/domain"
)

// QuizRepository loads question sets (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// Identity is an authenticated user as seen by the engine.
type Identity struct {
	UserID      string
	DisplayName string
}

// IdentityResolver attributes a connection token to a user.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, token string) (Identity, error)
}

// ResultStore persists final results. A call must be all-or-nothing.
type ResultStore interface {
	PersistResults(ctx context.Context, gameCode string, records []domain.ResultRecord) error
}

// LeaderboardReader serves results of finished sessions.
type LeaderboardReader interface {
	ReadLeaderboard(ctx context.Context, gameCode string) ([]domain.ResultRecord, error)
}

// ResultObserver receives final results on a best-effort basis (projections, event buses).
type ResultObserver interface {
	ObserveResults(ctx context.Context, gameCode string, records []domain.ResultRecord) error
}

// SessionIndex records which game codes are live outside the process (e.g. Redis).
type SessionIndex interface {
	MarkActive(ctx context.Context, summary domain.SessionSummary) error
	Clear(ctx context.Context, gameCode string) error
}

// Broadcaster delivers events to the connections of a session.
type Broadcaster interface {
	Deliver(gameCode string, deliveries ...domain.Delivery)
	Subscribe(gameCode, playerID string) (<-chan domain.Event, func())
	Close(gameCode string)
}

// Timer is a pending callback that can be stopped.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler func(d time.Duration, f func()) Timer

func realScheduler(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
