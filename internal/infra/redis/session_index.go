package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"quiz-session-engine/internal/domain"
)

const activeSessionsKey = "quiz:sessions:active"

// SessionIndex mirrors live game codes into Redis so other instances and operators
// can see which sessions this process owns. Sessions themselves stay in process memory.
//
//	SET  quiz:session:{gameCode} {summary json} EX ttl
//	SADD quiz:sessions:active {gameCode}
type SessionIndex struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewSessionIndex(client redis.UniversalClient, ttl time.Duration) *SessionIndex {
	return &SessionIndex{client: client, ttl: ttl}
}

func (s *SessionIndex) MarkActive(ctx context.Context, summary domain.SessionSummary) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode session summary: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKey(summary.GameCode), raw, s.ttl)
	pipe.SAdd(ctx, activeSessionsKey, summary.GameCode)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *SessionIndex) Clear(ctx context.Context, gameCode string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKey(gameCode))
	pipe.SRem(ctx, activeSessionsKey, gameCode)
	_, err := pipe.Exec(ctx)
	return err
}

// Lookup returns the summary recorded for gameCode.
func (s *SessionIndex) Lookup(ctx context.Context, gameCode string) (domain.SessionSummary, error) {
	raw, err := s.client.Get(ctx, sessionKey(gameCode)).Bytes()
	if isMiss(err) {
		return domain.SessionSummary{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.SessionSummary{}, err
	}
	var summary domain.SessionSummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return domain.SessionSummary{}, fmt.Errorf("decode session summary: %w", err)
	}
	return summary, nil
}

// Purge removes markers left behind by a previous process. Sessions do not survive
// a restart, so every marker present at startup is stale.
func (s *SessionIndex) Purge(ctx context.Context) (int, error) {
	codes, err := s.client.SMembers(ctx, activeSessionsKey).Result()
	if err != nil {
		return 0, err
	}
	if len(codes) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(codes)+1)
	for _, code := range codes {
		keys = append(keys, sessionKey(code))
	}
	keys = append(keys, activeSessionsKey)
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return 0, err
	}
	return len(codes), nil
}

func sessionKey(gameCode string) string {
	return "quiz:session:" + gameCode
}
