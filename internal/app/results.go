package app

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"quiz-session-engine/internal/domain"
	"quiz-session-engine/internal/metrics"
)

const defaultArchiveSize = 512

// ResultsAggregator reduces a finished session into ResultRecords, persists them and
// keeps the latest ones in memory for recovery.
type ResultsAggregator struct {
	store      ResultStore
	observers  []ResultObserver
	logger     *slog.Logger
	retryDelay time.Duration

	mu       sync.RWMutex
	archive  map[string][]domain.ResultRecord
	order    []string
	capacity int
}

// AggregatorOption customizes a ResultsAggregator.
type AggregatorOption func(*ResultsAggregator)

// WithObservers adds best-effort sinks notified after persistence.
func WithObservers(observers ...ResultObserver) AggregatorOption {
	return func(a *ResultsAggregator) {
		a.observers = append(a.observers, observers...)
	}
}

// WithRetryDelay sets the pause before the single persistence retry.
func WithRetryDelay(d time.Duration) AggregatorOption {
	return func(a *ResultsAggregator) {
		a.retryDelay = d
	}
}

// WithArchiveSize bounds how many finished sessions are kept in memory.
func WithArchiveSize(n int) AggregatorOption {
	return func(a *ResultsAggregator) {
		if n > 0 {
			a.capacity = n
		}
	}
}

// WithAggregatorLogger sets the logger.
func WithAggregatorLogger(logger *slog.Logger) AggregatorOption {
	return func(a *ResultsAggregator) {
		a.logger = logger
	}
}

func NewResultsAggregator(store ResultStore, opts ...AggregatorOption) *ResultsAggregator {
	a := &ResultsAggregator{
		store:      store,
		logger:     slog.Default(),
		retryDelay: 200 * time.Millisecond,
		archive:    make(map[string][]domain.ResultRecord),
		capacity:   defaultArchiveSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Finalize computes and persists the records of an ended session. A persistence
// failure is retried once; if it persists the records are still returned together
// with an error wrapping domain.ErrPersistenceFailure.
func (a *ResultsAggregator) Finalize(ctx context.Context, s *Session) ([]domain.ResultRecord, error) {
	if status, _ := s.Status(); status != domain.StatusEnded {
		return nil, fmt.Errorf("%w: session %s has not ended", domain.ErrValidation, s.Code())
	}
	tallies, total := s.tallies()
	records := rankResults(s.Code(), tallies, total)
	a.remember(s.Code(), records)

	start := time.Now()
	err := a.persist(ctx, s.Code(), records)
	metrics.RecordPersist(err == nil, time.Since(start))

	a.notifyObservers(ctx, s.Code(), records)

	if err != nil {
		return records, fmt.Errorf("%w: %v", domain.ErrPersistenceFailure, err)
	}
	return records, nil
}

func (a *ResultsAggregator) persist(ctx context.Context, gameCode string, records []domain.ResultRecord) error {
	if a.store == nil {
		return nil
	}
	err := a.store.PersistResults(ctx, gameCode, records)
	if err == nil {
		return nil
	}
	a.logger.Warn("persist results failed, retrying", "gameCode", gameCode, "error", err)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(a.retryDelay):
	}
	return a.store.PersistResults(ctx, gameCode, records)
}

func (a *ResultsAggregator) notifyObservers(ctx context.Context, gameCode string, records []domain.ResultRecord) {
	if len(a.observers) == 0 {
		return
	}
	var g errgroup.Group
	for _, obs := range a.observers {
		obs := obs
		g.Go(func() error {
			if err := obs.ObserveResults(ctx, gameCode, records); err != nil {
				a.logger.Warn("result observer failed", "gameCode", gameCode, "observer", fmt.Sprintf("%T", obs), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (a *ResultsAggregator) remember(gameCode string, records []domain.ResultRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.archive[gameCode]; !ok {
		a.order = append(a.order, gameCode)
	}
	a.archive[gameCode] = records
	for len(a.order) > a.capacity {
		delete(a.archive, a.order[0])
		a.order = a.order[1:]
	}
}

// Results returns the in-memory records of a finished session.
func (a *ResultsAggregator) Results(gameCode string) ([]domain.ResultRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	records, ok := a.archive[gameCode]
	if !ok {
		return nil, false
	}
	return append([]domain.ResultRecord(nil), records...), true
}

// rankResults reduces per-player history into ranked records.
func rankResults(gameCode string, tallies []tally, totalQuestions int) []domain.ResultRecord {
	records := make([]domain.ResultRecord, 0, len(tallies))
	for _, t := range tallies {
		rec := domain.ResultRecord{
			GameCode:      gameCode,
			PlayerID:      t.player.ID,
			DisplayName:   t.player.DisplayName,
			FinalScore:    t.player.Score,
			LongestStreak: t.player.LongestStreak,
		}
		var totalMs int
		for _, sub := range t.submissions {
			if sub.IsCorrect {
				rec.TotalCorrect++
			}
			totalMs += sub.ResponseTimeMs
		}
		if n := len(t.submissions); n > 0 {
			rec.AverageResponseTimeMs = float64(totalMs) / float64(n)
		}
		if totalQuestions > 0 {
			rec.CompletionPercentage = roundTo(100*float64(len(t.submissions))/float64(totalQuestions), 2)
		}
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return compareRecords(records[i], records[j]) < 0
	})
	for i := range records {
		if i > 0 && compareRecords(records[i-1], records[i]) == 0 {
			records[i].FinalRank = records[i-1].FinalRank
			continue
		}
		records[i].FinalRank = i + 1
	}
	return records
}

// compareRecords orders by score desc, correct answers desc, then average response time asc.
func compareRecords(a, b domain.ResultRecord) int {
	switch {
	case a.FinalScore != b.FinalScore:
		if a.FinalScore > b.FinalScore {
			return -1
		}
		return 1
	case a.TotalCorrect != b.TotalCorrect:
		if a.TotalCorrect > b.TotalCorrect {
			return -1
		}
		return 1
	case a.AverageResponseTimeMs != b.AverageResponseTimeMs:
		if a.AverageResponseTimeMs < b.AverageResponseTimeMs {
			return -1
		}
		return 1
	}
	return 0
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// LeaderboardChain reads from each reader in turn and returns the first non-empty answer.
// A failing reader is skipped; the last error is returned only if nothing answered.
type LeaderboardChain []LeaderboardReader

func (c LeaderboardChain) ReadLeaderboard(ctx context.Context, gameCode string) ([]domain.ResultRecord, error) {
	var lastErr error
	for _, r := range c {
		records, err := r.ReadLeaderboard(ctx, gameCode)
		if err != nil {
			lastErr = err
			continue
		}
		if len(records) > 0 {
			return records, nil
		}
	}
	return nil, lastErr
}
