package app

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"quiz-session-engine/internal/domain"
	"quiz-session-engine/internal/metrics"
)

// codeAlphabet has 32 symbols so a random byte maps onto it without bias.
// 0/O and 1/I are left out because codes are read aloud and typed by hand.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	DefaultCodeLength      = 6
	DefaultMaxCodeAttempts = 20
)

// SessionRegistry is the addressable map of active sessions keyed by game code.
type SessionRegistry struct {
	codeLength  int
	maxAttempts int
	generate    func(n int) (string, error)
	index       SessionIndex
	logger      *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// RegistryOption customizes a SessionRegistry.
type RegistryOption func(*SessionRegistry)

// WithCodeGenerator replaces the random code source.
func WithCodeGenerator(fn func(n int) (string, error)) RegistryOption {
	return func(r *SessionRegistry) {
		r.generate = fn
	}
}

// WithSessionIndex mirrors live game codes into an external index.
func WithSessionIndex(idx SessionIndex) RegistryOption {
	return func(r *SessionRegistry) {
		r.index = idx
	}
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *SessionRegistry) {
		r.logger = logger
	}
}

func NewSessionRegistry(codeLength, maxAttempts int, opts ...RegistryOption) *SessionRegistry {
	if codeLength <= 0 {
		codeLength = DefaultCodeLength
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxCodeAttempts
	}
	r := &SessionRegistry{
		codeLength:  codeLength,
		maxAttempts: maxAttempts,
		generate:    randomCode,
		logger:      slog.Default(),
		sessions:    make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// create allocates a code unique among active sessions and registers the session built for it.
func (r *SessionRegistry) create(build func(code string) *Session) (*Session, error) {
	r.mu.Lock()
	var session *Session
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		code, err := r.generate(r.codeLength)
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("generate game code: %w", err)
		}
		if _, taken := r.sessions[code]; taken {
			continue
		}
		session = build(code)
		r.sessions[code] = session
		break
	}
	r.mu.Unlock()

	if session == nil {
		return nil, domain.ErrCodeGenerationExhausted
	}
	metrics.SessionCreated()
	if r.index != nil {
		if err := r.index.MarkActive(context.Background(), session.Summary()); err != nil {
			r.logger.Warn("mark session active failed", "gameCode", session.Code(), "error", err)
		}
	}
	return session, nil
}

// Get returns the active session for code.
func (r *SessionRegistry) Get(code string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[code]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

// Remove evicts code. Removing an unknown code is a no-op; it reports whether an entry was removed.
func (r *SessionRegistry) Remove(code string) bool {
	r.mu.Lock()
	_, ok := r.sessions[code]
	delete(r.sessions, code)
	r.mu.Unlock()

	if !ok {
		return false
	}
	metrics.SessionRemoved()
	if r.index != nil {
		if err := r.index.Clear(context.Background(), code); err != nil {
			r.logger.Warn("clear session marker failed", "gameCode", code, "error", err)
		}
	}
	return true
}

// ListActive summarizes all active sessions ordered by creation time.
func (r *SessionRegistry) ListActive() []domain.SessionSummary {
	sessions := r.all()
	out := make([]domain.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].GameCode < out[j].GameCode
	})
	return out
}

// Len returns the number of active sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *SessionRegistry) all() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// idle returns sessions eligible for reaping together with the reason.
func (r *SessionRegistry) idle(now time.Time, idleGrace, hostGrace time.Duration) map[*Session]string {
	out := make(map[*Session]string)
	for _, s := range r.all() {
		if reason, ok := s.reapReason(now, idleGrace, hostGrace); ok {
			out[s] = reason
		}
	}
	return out
}

func randomCode(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}
