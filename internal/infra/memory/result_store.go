package memory

import (
	"context"
	"fmt"
	"sync"

	"quiz-session-engine/internal/domain"
)

// ResultStore keeps final results in process memory. It is the fallback when
// Postgres is not configured.
type ResultStore struct {
	mu      sync.RWMutex
	results map[string][]domain.ResultRecord
}

func NewResultStore() *ResultStore {
	return &ResultStore{results: make(map[string][]domain.ResultRecord)}
}

// PersistResults stores the batch for gameCode. A game code is written once.
func (s *ResultStore) PersistResults(_ context.Context, gameCode string, records []domain.ResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.results[gameCode]; exists {
		return fmt.Errorf("results for %s already stored", gameCode)
	}
	s.results[gameCode] = append([]domain.ResultRecord(nil), records...)
	return nil
}

// ReadLeaderboard returns the stored records ordered by final rank.
func (s *ResultStore) ReadLeaderboard(_ context.Context, gameCode string) ([]domain.ResultRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records, ok := s.results[gameCode]
	if !ok {
		return nil, nil
	}
	return append([]domain.ResultRecord(nil), records...), nil
}
