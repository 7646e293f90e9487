package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"quiz-session-engine/internal/domain"
)

// ResultStore is the durable home of final results.
type ResultStore struct {
	pool *pgxpool.Pool
}

func NewResultStore(pool *pgxpool.Pool) *ResultStore {
	return &ResultStore{pool: pool}
}

const insertResult = `
INSERT INTO game_results (
	game_code, player_id, display_name, final_rank, final_score, total_correct,
	completion_percentage, longest_streak, average_response_time_ms
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// PersistResults writes the whole batch in one transaction; either every record is
// stored or none is.
func (s *ResultStore) PersistResults(ctx context.Context, gameCode string, records []domain.ResultRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, r := range records {
			batch.Queue(insertResult,
				gameCode, r.PlayerID, r.DisplayName, r.FinalRank, r.FinalScore, r.TotalCorrect,
				r.CompletionPercentage, r.LongestStreak, r.AverageResponseTimeMs,
			)
		}
		br := tx.SendBatch(ctx, batch)
		for i := range records {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("insert result %s: %w", records[i].PlayerID, err)
			}
		}
		return br.Close()
	})
}

// ReadLeaderboard returns the stored records of gameCode ordered by rank.
func (s *ResultStore) ReadLeaderboard(ctx context.Context, gameCode string) ([]domain.ResultRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT player_id, display_name, final_rank, final_score, total_correct,
       completion_percentage, longest_streak, average_response_time_ms
FROM game_results
WHERE game_code = $1
ORDER BY final_rank, player_id`, gameCode)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var records []domain.ResultRecord
	for rows.Next() {
		rec := domain.ResultRecord{GameCode: gameCode}
		if err := rows.Scan(
			&rec.PlayerID, &rec.DisplayName, &rec.FinalRank, &rec.FinalScore, &rec.TotalCorrect,
			&rec.CompletionPercentage, &rec.LongestStreak, &rec.AverageResponseTimeMs,
		); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
