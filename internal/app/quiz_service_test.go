package app_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"quiz-session-engine/internal/app"
	"quiz-session-engine/internal/broadcast"
	"quiz-session-engine/internal/domain"
	"quiz-session-engine/internal/infra/memory"
)

type serviceFixture struct {
	svc   *app.QuizService
	hub   *broadcast.Hub
	store *memory.ResultStore
	clock *clock
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newServiceFixture(t *testing.T, opts ...app.Option) *serviceFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	quizzes := memory.NewQuizRepository(memory.NewStaticQuizLoader(map[string]domain.Quiz{
		"quiz-1": sampleQuiz(),
		"empty":  {ID: "empty"},
	}), time.Minute)
	store := memory.NewResultStore()
	hub := broadcast.NewHubWithBuffer(64)
	c := &clock{now: time.Date(2024, 11, 22, 10, 0, 0, 0, time.UTC)}

	var mu sync.Mutex
	var seq int
	base := []app.Option{
		app.WithLogger(logger),
		app.WithClock(c.Now),
		app.WithLeaderboardReader(store),
		app.WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("player-%d", seq)
		}),
	}
	svc := app.NewQuizService(
		app.NewSessionRegistry(app.DefaultCodeLength, app.DefaultMaxCodeAttempts, app.WithRegistryLogger(logger)),
		quizzes,
		app.NewResultsAggregator(store, app.WithAggregatorLogger(logger), app.WithRetryDelay(time.Millisecond)),
		hub,
		append(base, opts...)...,
	)
	return &serviceFixture{svc: svc, hub: hub, store: store, clock: c}
}

// createGame creates a host-driven session, attaches the host and joins the given players.
func (f *serviceFixture) createGame(t *testing.T, settings domain.Settings, players ...string) (string, map[string]string) {
	t.Helper()
	ctx := context.Background()
	created, err := f.svc.CreateSession(ctx, app.CreateRequest{
		HostPlayerID:  "host",
		HostName:      "Quizmaster",
		QuestionSetID: "quiz-1",
		Settings:      settings,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := f.svc.JoinSession(ctx, app.JoinRequest{GameCode: created.GameCode, PlayerID: "host"}); err != nil {
		t.Fatalf("attach host: %v", err)
	}
	ids := make(map[string]string)
	for _, name := range players {
		res, err := f.svc.JoinSession(ctx, app.JoinRequest{GameCode: created.GameCode, DisplayName: name})
		if err != nil {
			t.Fatalf("join %s: %v", name, err)
		}
		ids[name] = res.Player.ID
	}
	return created.GameCode, ids
}

func TestCreateSessionRegistersHost(t *testing.T) {
	f := newServiceFixture(t)
	created, err := f.svc.CreateSession(context.Background(), app.CreateRequest{QuestionSetID: "quiz-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(created.GameCode) != app.DefaultCodeLength {
		t.Fatalf("unexpected game code %q", created.GameCode)
	}
	if !created.Host.IsHost || created.Host.Connected() || created.Host.DisplayName != "Host" {
		t.Fatalf("unexpected host: %+v", created.Host)
	}
	if created.Session.Status != domain.StatusWaiting || created.Session.CurrentQuestionIndex != -1 || created.Session.TotalQuestions != 2 {
		t.Fatalf("unexpected summary: %+v", created.Session)
	}
	if active := f.svc.ListActive(); len(active) != 1 || active[0].GameCode != created.GameCode {
		t.Fatalf("session not listed: %+v", active)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  app.CreateRequest
		want error
	}{
		{"missing quiz id", app.CreateRequest{}, domain.ErrValidation},
		{"unknown quiz", app.CreateRequest{QuestionSetID: "nope"}, domain.ErrQuizNotFound},
		{"empty quiz", app.CreateRequest{QuestionSetID: "empty"}, domain.ErrValidation},
		{"bad scoring", app.CreateRequest{QuestionSetID: "quiz-1", Settings: domain.Settings{PointCalculation: "double"}}, domain.ErrValidation},
	}
	for _, tc := range cases {
		if _, err := f.svc.CreateSession(ctx, tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if len(f.svc.ListActive()) != 0 {
		t.Fatalf("failed creates must not register sessions")
	}
}

func TestJoinSession(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	code, ids := f.createGame(t, domain.Settings{}, "ada")

	if _, err := f.svc.JoinSession(ctx, app.JoinRequest{GameCode: "ZZZZZZ", DisplayName: "x"}); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := f.svc.JoinSession(ctx, app.JoinRequest{GameCode: code}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("missing name: expected ErrValidation, got %v", err)
	}

	res, err := f.svc.JoinSession(ctx, app.JoinRequest{GameCode: " " + strings.ToLower(code) + " ", DisplayName: "bob"})
	if err != nil {
		t.Fatalf("join with lowercase code: %v", err)
	}
	if !res.Player.IsGuest || res.Session.Players != 2 {
		t.Fatalf("unexpected join result: %+v", res)
	}

	again, err := f.svc.JoinSession(ctx, app.JoinRequest{GameCode: code, PlayerID: ids["ada"]})
	if err != nil || again.Player.ID != ids["ada"] {
		t.Fatalf("rejoin with player ID: %+v %v", again, err)
	}
}

func TestJoinResolvesIdentity(t *testing.T) {
	resolver := identityFunc(func(_ context.Context, token string) (app.Identity, error) {
		if token != "good" {
			return app.Identity{}, errors.New("invalid token")
		}
		return app.Identity{UserID: "user-7", DisplayName: "Grace"}, nil
	})
	f := newServiceFixture(t, app.WithIdentityResolver(resolver))
	code, _ := f.createGame(t, domain.Settings{})
	ctx := context.Background()

	member, err := f.svc.JoinSession(ctx, app.JoinRequest{GameCode: code, Token: "good"})
	if err != nil {
		t.Fatalf("join with token: %v", err)
	}
	if member.Player.IsGuest || member.Player.UserID != "user-7" || member.Player.DisplayName != "Grace" {
		t.Fatalf("identity not applied: %+v", member.Player)
	}

	guest, err := f.svc.JoinSession(ctx, app.JoinRequest{GameCode: code, Token: "forged", DisplayName: "Mallory"})
	if err != nil {
		t.Fatalf("join with bad token: %v", err)
	}
	if !guest.Player.IsGuest {
		t.Fatalf("failed identity must degrade to guest: %+v", guest.Player)
	}
}

func TestSessionEndToEnd(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	code, ids := f.createGame(t, domain.Settings{ShowLeaderboard: true}, "ada", "bob")

	events, cancel, err := f.svc.Subscribe(ctx, code, "host")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := f.svc.StartSession(ctx, code, "host"); err != nil {
		t.Fatalf("start: %v", err)
	}
	submit := func(player, qid, aid string, rt int) domain.AnswerResult {
		t.Helper()
		res, err := f.svc.SubmitAnswer(ctx, code, ids[player], app.SubmitRequest{QuestionID: qid, SelectedAnswerID: aid, ResponseTimeMs: rt})
		if err != nil {
			t.Fatalf("submit %s %s: %v", player, qid, err)
		}
		return res
	}
	if res := submit("ada", "q1", "q1-right", 1200); !res.Correct || res.PointsAwarded != 1000 {
		t.Fatalf("unexpected result: %+v", res)
	}
	submit("bob", "q1", "q1-wrong", 800)

	for i := 0; i < 3; i++ {
		if err := f.svc.Advance(ctx, code, "host", nil); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	if status, index := mustSession(t, f.svc, code).Status(); status != domain.StatusQuestion || index != 1 {
		t.Fatalf("expected question 1, got %s/%d", status, index)
	}

	board, err := f.svc.Leaderboard(ctx, code)
	if err != nil || len(board) != 2 || board[0].PlayerID != ids["ada"] {
		t.Fatalf("unexpected live leaderboard: %+v %v", board, err)
	}

	submit("ada", "q2", "q2-right", 900)
	submit("bob", "q2", "q2-right", 900)
	for i := 0; i < 3; i++ {
		if err := f.svc.Advance(ctx, code, "host", nil); err != nil {
			t.Fatalf("advance to end %d: %v", i, err)
		}
	}

	var last domain.Event
	for ev := range events {
		last = ev
	}
	if last.Type != domain.EventSessionEnded {
		t.Fatalf("expected sessionEnded as the final event, got %s", last.Type)
	}
	ended := last.Payload.(domain.SessionEndedEvent)
	if len(ended.Results) != 2 || ended.Results[0].PlayerID != ids["ada"] || ended.Results[0].FinalScore != 2000 {
		t.Fatalf("unexpected final results: %+v", ended.Results)
	}

	if _, err := f.svc.Session(code); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("ended session must leave the registry, got %v", err)
	}
	stored, err := f.store.ReadLeaderboard(ctx, code)
	if err != nil || len(stored) != 2 {
		t.Fatalf("results not persisted: %+v %v", stored, err)
	}
	results, err := f.svc.Results(ctx, code)
	if err != nil || results[1].PlayerID != ids["bob"] || results[1].FinalRank != 2 {
		t.Fatalf("unexpected results: %+v %v", results, err)
	}
	final, err := f.svc.Leaderboard(ctx, code)
	if err != nil || len(final) != 2 || final[0].Score != 2000 {
		t.Fatalf("unexpected final leaderboard: %+v %v", final, err)
	}
}

func TestSubmitAfterLockIsRejected(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	code, ids := f.createGame(t, domain.Settings{}, "ada")

	if err := f.svc.StartSession(ctx, code, "host"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.svc.Advance(ctx, code, "host", nil); err != nil {
		t.Fatalf("lock: %v", err)
	}
	_, err := f.svc.SubmitAnswer(ctx, code, ids["ada"], app.SubmitRequest{QuestionID: "q1", SelectedAnswerID: "q1-right"})
	if !errors.Is(err, domain.ErrStaleQuestion) {
		t.Fatalf("expected ErrStaleQuestion, got %v", err)
	}
	if p, _ := mustSession(t, f.svc, code).Player(ids["ada"]); p.Score != 0 {
		t.Fatalf("score changed by a rejected answer: %d", p.Score)
	}
}

func TestDuplicateSubmissionKeepsFirst(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	code, ids := f.createGame(t, domain.Settings{}, "ada")
	if err := f.svc.StartSession(ctx, code, "host"); err != nil {
		t.Fatalf("start: %v", err)
	}

	req := app.SubmitRequest{QuestionID: "q1", SelectedAnswerID: "q1-right", ResponseTimeMs: 100}
	if _, err := f.svc.SubmitAnswer(ctx, code, ids["ada"], req); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := f.svc.SubmitAnswer(ctx, code, ids["ada"], req); !errors.Is(err, domain.ErrDuplicateSubmission) {
		t.Fatalf("expected ErrDuplicateSubmission, got %v", err)
	}
	if p, _ := mustSession(t, f.svc, code).Player(ids["ada"]); p.Score != 1000 {
		t.Fatalf("expected score 1000, got %d", p.Score)
	}
}

func TestEndSessionEarly(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	code, ids := f.createGame(t, domain.Settings{}, "ada")
	if err := f.svc.StartSession(ctx, code, "host"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := f.svc.EndSession(ctx, code, ids["ada"]); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("player end: expected ErrUnauthorized, got %v", err)
	}
	if err := f.svc.EndSession(ctx, code, "host"); err != nil {
		t.Fatalf("end: %v", err)
	}
	results, err := f.svc.Results(ctx, code)
	if err != nil || len(results) != 1 || results[0].CompletionPercentage != 0 {
		t.Fatalf("unexpected results: %+v %v", results, err)
	}
}

func TestReapIdleDropsAbandonedLobby(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	created, err := f.svc.CreateSession(ctx, app.CreateRequest{QuestionSetID: "quiz-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if n := f.svc.ReapIdle(f.clock.Now().Add(time.Minute), 5*time.Minute, 2*time.Minute); n != 0 {
		t.Fatalf("nothing should be reaped yet, got %d", n)
	}
	if n := f.svc.ReapIdle(f.clock.Now().Add(5*time.Minute), 5*time.Minute, 2*time.Minute); n != 1 {
		t.Fatalf("expected 1 reaped session, got %d", n)
	}
	if _, err := f.svc.Session(created.GameCode); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("reaped session still registered: %v", err)
	}
	if _, err := f.svc.Results(ctx, created.GameCode); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("a lobby must not produce results, got %v", err)
	}
}

func TestReapFinalizesWhenHostLeaves(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	code, _ := f.createGame(t, domain.Settings{}, "ada")
	if err := f.svc.StartSession(ctx, code, "host"); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.svc.Disconnect(ctx, code, "host")

	if n := f.svc.ReapIdle(f.clock.Now().Add(2*time.Minute), 5*time.Minute, 2*time.Minute); n != 1 {
		t.Fatalf("expected the hostless session to be reaped, got %d", n)
	}
	if results, err := f.svc.Results(ctx, code); err != nil || len(results) != 1 {
		t.Fatalf("started session must be finalized: %+v %v", results, err)
	}
}

func TestShutdownEndsEverySession(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	started, _ := f.createGame(t, domain.Settings{}, "ada")
	if err := f.svc.StartSession(ctx, started, "host"); err != nil {
		t.Fatalf("start: %v", err)
	}
	lobby, _ := f.createGame(t, domain.Settings{}, "bob")

	f.svc.Shutdown(ctx)

	if len(f.svc.ListActive()) != 0 {
		t.Fatalf("sessions left after shutdown: %+v", f.svc.ListActive())
	}
	if _, err := f.svc.Results(ctx, started); err != nil {
		t.Fatalf("started session not finalized: %v", err)
	}
	if _, err := f.svc.Results(ctx, lobby); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("lobby should be dropped without results, got %v", err)
	}
}

func TestSubscribeUnknownSession(t *testing.T) {
	f := newServiceFixture(t)
	if _, _, err := f.svc.Subscribe(context.Background(), "NOPE22", "p"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func mustSession(t *testing.T, svc *app.QuizService, code string) *app.Session {
	t.Helper()
	s, err := svc.Session(code)
	if err != nil {
		t.Fatalf("session %s: %v", code, err)
	}
	return s
}

type identityFunc func(ctx context.Context, token string) (app.Identity, error)

func (f identityFunc) ResolveIdentity(ctx context.Context, token string) (app.Identity, error) {
	return f(ctx, token)
}

func sampleQuiz() domain.Quiz {
	question := func(id string) domain.Question {
		return domain.Question{
			ID:     id,
			Prompt: "Prompt " + id,
			Options: []domain.Option{
				{ID: id + "-right", Text: "right", Correct: true},
				{ID: id + "-wrong", Text: "wrong"},
			},
			TimeLimitMs: 20000,
		}
	}
	return domain.Quiz{ID: "quiz-1", Title: "Sample", Questions: []domain.Question{question("q1"), question("q2")}}
}

// orderedHub records subscriptions and deliveries in the order they reach the hub.
type orderedHub struct {
	*broadcast.Hub
	mu    sync.Mutex
	steps []string
}

func (h *orderedHub) Subscribe(gameCode, playerID string) (<-chan domain.Event, func()) {
	h.mu.Lock()
	h.steps = append(h.steps, "subscribe:"+playerID)
	h.mu.Unlock()
	return h.Hub.Subscribe(gameCode, playerID)
}

func (h *orderedHub) Deliver(gameCode string, deliveries ...domain.Delivery) {
	h.mu.Lock()
	for _, d := range deliveries {
		h.steps = append(h.steps, "deliver:"+string(d.Event.Type))
	}
	h.mu.Unlock()
	h.Hub.Deliver(gameCode, deliveries...)
}

func (h *orderedHub) position(step string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.steps {
		if s == step {
			return i
		}
	}
	return -1
}

func TestAttachSubscribesBeforeJoining(t *testing.T) {
	ctx := context.Background()
	hub := &orderedHub{Hub: broadcast.NewHubWithBuffer(64)}
	quizzes := memory.NewQuizRepository(memory.NewStaticQuizLoader(map[string]domain.Quiz{"quiz-1": sampleQuiz()}), time.Minute)
	svc := app.NewQuizService(
		app.NewSessionRegistry(app.DefaultCodeLength, app.DefaultMaxCodeAttempts),
		quizzes,
		app.NewResultsAggregator(memory.NewResultStore()),
		hub,
		app.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	created, err := svc.CreateSession(ctx, app.CreateRequest{HostPlayerID: "host", QuestionSetID: "quiz-1", Settings: domain.Settings{Capacity: 1}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, hostEvents, cancelHost, err := svc.Attach(ctx, app.JoinRequest{GameCode: created.GameCode, PlayerID: "host"})
	if err != nil {
		t.Fatalf("attach host: %v", err)
	}
	defer cancelHost()

	joined, _, cancel, err := svc.Attach(ctx, app.JoinRequest{GameCode: created.GameCode, DisplayName: "ada"})
	if err != nil {
		t.Fatalf("attach player: %v", err)
	}
	defer cancel()

	sub := hub.position("subscribe:" + joined.Player.ID)
	deliver := hub.position("deliver:" + string(domain.EventPlayerJoined))
	if sub < 0 || deliver < 0 || sub > deliver {
		t.Fatalf("expected subscription before the join was published, got %v", hub.steps)
	}
	select {
	case ev := <-hostEvents:
		if ev.Type != domain.EventPlayerJoined {
			t.Fatalf("expected playerJoined for the host, got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("host did not receive playerJoined")
	}

	if _, _, _, err := svc.Attach(ctx, app.JoinRequest{GameCode: created.GameCode, DisplayName: "bob"}); !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if got := hub.Subscribers(created.GameCode); got != 2 {
		t.Fatalf("failed join must drop its subscription, subscribers %d", got)
	}
}
