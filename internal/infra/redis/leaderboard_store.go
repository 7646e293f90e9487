package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"quiz-session-engine/internal/domain"
)

// LeaderboardStore projects final results into Redis for fast reads after a session ends.
//
//	ZADD quiz:leaderboard:{gameCode} {finalScore} {playerID}
//	HSET quiz:results:{gameCode} {playerID} {record json}
type LeaderboardStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewLeaderboardStore(client redis.UniversalClient, ttl time.Duration) *LeaderboardStore {
	return &LeaderboardStore{client: client, ttl: ttl}
}

// ObserveResults writes the projection. It runs after the durable store, so a failure
// here only affects read latency.
func (s *LeaderboardStore) ObserveResults(ctx context.Context, gameCode string, records []domain.ResultRecord) error {
	if len(records) == 0 {
		return nil
	}
	boardKey, resultsKey := leaderboardKey(gameCode), resultsKey(gameCode)

	members := make([]redis.Z, 0, len(records))
	fields := make(map[string]interface{}, len(records))
	for _, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode result %s: %w", rec.PlayerID, err)
		}
		members = append(members, redis.Z{Score: float64(rec.FinalScore), Member: rec.PlayerID})
		fields[rec.PlayerID] = raw
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, boardKey, resultsKey)
	pipe.ZAdd(ctx, boardKey, members...)
	pipe.HSet(ctx, resultsKey, fields)
	if s.ttl > 0 {
		pipe.Expire(ctx, boardKey, s.ttl)
		pipe.Expire(ctx, resultsKey, s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// ReadLeaderboard returns the projected records ordered by final rank. An unknown
// game code yields no records and no error.
func (s *LeaderboardStore) ReadLeaderboard(ctx context.Context, gameCode string) ([]domain.ResultRecord, error) {
	ids, err := s.client.ZRevRange(ctx, leaderboardKey(gameCode), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	values, err := s.client.HMGet(ctx, resultsKey(gameCode), ids...).Result()
	if err != nil {
		return nil, err
	}

	records := make([]domain.ResultRecord, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("result for %s missing from projection", ids[i])
		}
		var rec domain.ResultRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode result %s: %w", ids[i], err)
		}
		records = append(records, rec)
	}
	// score order alone does not capture the tie-breaks
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].FinalRank < records[j].FinalRank
	})
	return records, nil
}

func leaderboardKey(gameCode string) string {
	return "quiz:leaderboard:" + gameCode
}

func resultsKey(gameCode string) string {
	return "quiz:results:" + gameCode
}
