package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"quiz-session-engine/internal/domain"
)

func TestLeaderboardStoreRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	store := NewLeaderboardStore(newClient(mr), time.Hour)
	ctx := context.Background()
	records := []domain.ResultRecord{
		{GameCode: "ABC234", PlayerID: "fast", FinalRank: 1, FinalScore: 1000, AverageResponseTimeMs: 800},
		{GameCode: "ABC234", PlayerID: "slow", FinalRank: 2, FinalScore: 1000, AverageResponseTimeMs: 2400},
		{GameCode: "ABC234", PlayerID: "last", FinalRank: 3, FinalScore: 200},
	}

	if err := store.ObserveResults(ctx, "ABC234", records); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if ttl := mr.TTL("quiz:leaderboard:ABC234"); ttl != time.Hour {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	got, err := store.ReadLeaderboard(ctx, "ABC234")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	for i, want := range []string{"fast", "slow", "last"} {
		if got[i].PlayerID != want || got[i].FinalRank != i+1 {
			t.Fatalf("position %d: expected %s, got %+v", i, want, got[i])
		}
	}
	if got[0].AverageResponseTimeMs != 800 {
		t.Fatalf("record fields lost: %+v", got[0])
	}
}

func TestLeaderboardStoreUnknownCode(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	got, err := NewLeaderboardStore(newClient(mr), time.Hour).ReadLeaderboard(context.Background(), "NOPE22")
	if err != nil || got != nil {
		t.Fatalf("expected no records, got %+v %v", got, err)
	}
}
