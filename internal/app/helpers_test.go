package app

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"quiz-session-engine/internal/domain"
)

var testStart = time.Date(2024, 11, 22, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: testStart} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// Fire runs the callback even if the timer was stopped, like a timer that already
// fired before Stop could win the race.
func (t *fakeTimer) Fire() { t.f() }

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) schedule(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) last() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return nil
	}
	return s.timers[len(s.timers)-1]
}

func (s *fakeScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

type recorder struct {
	mu         sync.Mutex
	deliveries []domain.Delivery
	ended      int
}

func (r *recorder) deliver(_ string, deliveries []domain.Delivery) {
	r.mu.Lock()
	r.deliveries = append(r.deliveries, deliveries...)
	r.mu.Unlock()
}

func (r *recorder) sessionEnded(*Session) {
	r.mu.Lock()
	r.ended++
	r.mu.Unlock()
}

func (r *recorder) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, 0, len(r.deliveries))
	for _, d := range r.deliveries {
		out = append(out, d.Event.Type)
	}
	return out
}

func (r *recorder) count(t domain.EventType) int {
	n := 0
	for _, got := range r.types() {
		if got == t {
			n++
		}
	}
	return n
}

func (r *recorder) endedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testQuiz() domain.Quiz {
	q := func(id string) domain.Question {
		return domain.Question{
			ID:     id,
			Prompt: "Question " + id,
			Options: []domain.Option{
				{ID: id + "-a", Text: "right", Correct: true},
				{ID: id + "-b", Text: "wrong"},
				{ID: id + "-c", Text: "also wrong"},
			},
			Explanation: "because",
			TimeLimitMs: 10000,
		}
	}
	return domain.Quiz{ID: "quiz-1", Title: "Sample", Questions: []domain.Question{q("q1"), q("q2"), q("q3")}}
}

type sessionFixture struct {
	session *Session
	events  *recorder
	sched   *fakeScheduler
	clock   *fakeClock
}

func newFixture(t *testing.T, settings domain.Settings) *sessionFixture {
	t.Helper()
	return newFixtureWithQuiz(t, testQuiz(), settings)
}

func newFixtureWithQuiz(t *testing.T, quiz domain.Quiz, settings domain.Settings) *sessionFixture {
	t.Helper()
	f := &sessionFixture{events: &recorder{}, sched: &fakeScheduler{}, clock: newFakeClock()}
	f.session = newSession(sessionConfig{
		code:     "TEST22",
		hostID:   "host",
		hostName: "Host",
		quiz:     quiz,
		settings: settings,
		now:      f.clock.Now,
		schedule: f.sched.schedule,
		notify:   f.events,
		logger:   discardLogger(),
	})
	return f
}

func (f *sessionFixture) attachHost(t *testing.T) {
	t.Helper()
	if _, err := f.session.Handle(ReconnectCommand{PlayerID: "host"}); err != nil {
		t.Fatalf("attach host: %v", err)
	}
}

func (f *sessionFixture) join(t *testing.T, id string) {
	t.Helper()
	if _, err := f.session.Handle(JoinCommand{PlayerID: id, DisplayName: "Player " + id}); err != nil {
		t.Fatalf("join %s: %v", id, err)
	}
}

func (f *sessionFixture) start(t *testing.T) {
	t.Helper()
	if _, err := f.session.Handle(StartCommand{PlayerID: "host"}); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func (f *sessionFixture) advance(t *testing.T) {
	t.Helper()
	if _, err := f.session.Handle(AdvanceCommand{PlayerID: "host"}); err != nil {
		t.Fatalf("advance: %v", err)
	}
}

func (f *sessionFixture) submit(playerID, questionID, answerID string, responseTimeMs int) (domain.AnswerResult, error) {
	reply, err := f.session.Handle(SubmitCommand{
		PlayerID:         playerID,
		QuestionID:       questionID,
		SelectedAnswerID: answerID,
		ResponseTimeMs:   responseTimeMs,
	})
	if err != nil {
		return domain.AnswerResult{}, err
	}
	return reply.(domain.AnswerResult), nil
}

func (f *sessionFixture) expectStatus(t *testing.T, status domain.Status, index int) {
	t.Helper()
	gotStatus, gotIndex := f.session.Status()
	if gotStatus != status || gotIndex != index {
		t.Fatalf("expected %s/%d, got %s/%d", status, index, gotStatus, gotIndex)
	}
}
