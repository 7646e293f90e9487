package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"quiz-session-engine/internal/domain"
	"quiz-session-engine/internal/metrics"
)

const finalizeTimeout = 30 * time.Second

// QuizService contains the live-session use cases. Handlers receive it explicitly;
// there is no package-level session state.
type QuizService struct {
	registry *SessionRegistry
	quizzes  QuizRepository
	results  *ResultsAggregator
	hub      Broadcaster
	identity IdentityResolver
	leaders  LeaderboardReader
	logger   *slog.Logger
	now      func() time.Time
	schedule Scheduler
	newID    func() string
}

// Option customizes a QuizService.
type Option func(*QuizService)

// WithIdentityResolver enables token-based identities on join.
func WithIdentityResolver(r IdentityResolver) Option {
	return func(s *QuizService) { s.identity = r }
}

// WithLeaderboardReader serves results of sessions no longer held in memory.
func WithLeaderboardReader(r LeaderboardReader) Option {
	return func(s *QuizService) { s.leaders = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *QuizService) { s.logger = logger }
}

// WithClock is for deterministic timestamps in tests.
func WithClock(now func() time.Time) Option {
	return func(s *QuizService) { s.now = now }
}

// WithScheduler replaces time.AfterFunc for phase timers.
func WithScheduler(schedule Scheduler) Option {
	return func(s *QuizService) { s.schedule = schedule }
}

// WithIDGenerator replaces the UUID player ID source.
func WithIDGenerator(fn func() string) Option {
	return func(s *QuizService) { s.newID = fn }
}

func NewQuizService(registry *SessionRegistry, quizzes QuizRepository, results *ResultsAggregator, hub Broadcaster, opts ...Option) *QuizService {
	s := &QuizService{
		registry: registry,
		quizzes:  quizzes,
		results:  results,
		hub:      hub,
		logger:   slog.Default(),
		now:      time.Now,
		schedule: realScheduler,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest describes a new session.
type CreateRequest struct {
	HostPlayerID  string          `json:"hostPlayerId"`
	HostName      string          `json:"hostName"`
	Token         string          `json:"token,omitempty"`
	QuestionSetID string          `json:"questionSetId"`
	Settings      domain.Settings `json:"settings"`
}

// CreateResult is returned to the host.
type CreateResult struct {
	GameCode string                `json:"gameCode"`
	Host     domain.Player         `json:"host"`
	Session  domain.SessionSummary `json:"session"`
}

// CreateSession loads the question snapshot and registers a new session.
// The host is registered as a disconnected player until it attaches.
func (s *QuizService) CreateSession(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if strings.TrimSpace(req.QuestionSetID) == "" {
		return CreateResult{}, fmt.Errorf("%w: questionSetId is required", domain.ErrValidation)
	}
	if err := req.Settings.Validate(); err != nil {
		return CreateResult{}, err
	}
	quiz, err := s.quizzes.GetQuiz(ctx, req.QuestionSetID)
	if err != nil {
		return CreateResult{}, err
	}
	if len(quiz.Questions) == 0 {
		return CreateResult{}, fmt.Errorf("%w: quiz %s has no questions", domain.ErrValidation, quiz.ID)
	}

	identity := s.resolve(ctx, req.Token)
	hostID := req.HostPlayerID
	if hostID == "" {
		hostID = s.newID()
	}
	hostName := req.HostName
	if hostName == "" {
		hostName = identity.DisplayName
	}
	if hostName == "" {
		hostName = "Host"
	}

	session, err := s.registry.create(func(code string) *Session {
		return newSession(sessionConfig{
			code:     code,
			hostID:   hostID,
			hostName: hostName,
			hostUser: identity.UserID,
			quiz:     quiz,
			settings: req.Settings,
			now:      s.now,
			schedule: s.schedule,
			notify:   s,
			logger:   s.logger,
		})
	})
	if err != nil {
		return CreateResult{}, err
	}
	host, _ := session.Player(hostID)
	s.logger.Info("session created", "gameCode", session.Code(), "quizId", quiz.ID, "questions", len(quiz.Questions))
	return CreateResult{GameCode: session.Code(), Host: host, Session: session.Summary()}, nil
}

// JoinRequest attaches a connection to a session. A known PlayerID reconnects.
type JoinRequest struct {
	GameCode    string `json:"gameCode"`
	DisplayName string `json:"displayName"`
	Token       string `json:"token,omitempty"`
	PlayerID    string `json:"playerId,omitempty"`
}

// JoinSession registers a player, or reattaches an existing one.
func (s *QuizService) JoinSession(ctx context.Context, req JoinRequest) (JoinResult, error) {
	plan, err := s.planJoin(ctx, req)
	if err != nil {
		return JoinResult{}, err
	}
	return s.handleJoin(plan.session, plan.cmd)
}

// Attach joins like JoinSession but subscribes the player's connection before the
// join is applied, so no event published after the join can be missed. A failed
// join cancels the subscription.
func (s *QuizService) Attach(ctx context.Context, req JoinRequest) (JoinResult, <-chan domain.Event, func(), error) {
	plan, err := s.planJoin(ctx, req)
	if err != nil {
		return JoinResult{}, nil, nil, err
	}
	code := plan.session.Code()
	updates, cancel := s.hub.Subscribe(code, plan.playerID)
	res, err := s.handleJoin(plan.session, plan.cmd)
	if err != nil {
		cancel()
		return JoinResult{}, nil, nil, err
	}
	if res.Player.ID != plan.playerID {
		// a concurrent join claimed the same user first; follow the player that won
		cancel()
		updates, cancel = s.hub.Subscribe(code, res.Player.ID)
	}
	return res, updates, cancel, nil
}

type joinPlan struct {
	session  *Session
	playerID string
	cmd      Command
}

// planJoin resolves the target session and the player ID a join will act on.
func (s *QuizService) planJoin(ctx context.Context, req JoinRequest) (joinPlan, error) {
	session, err := s.registry.Get(normalizeCode(req.GameCode))
	if err != nil {
		return joinPlan{}, err
	}
	if req.PlayerID != "" {
		if _, ok := session.Player(req.PlayerID); ok {
			return joinPlan{session: session, playerID: req.PlayerID, cmd: ReconnectCommand{PlayerID: req.PlayerID}}, nil
		}
	}
	identity := s.resolve(ctx, req.Token)
	if id, ok := session.playerIDForUser(identity.UserID); ok {
		return joinPlan{session: session, playerID: id, cmd: ReconnectCommand{PlayerID: id}}, nil
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" && identity.DisplayName == "" {
		return joinPlan{}, fmt.Errorf("%w: displayName is required", domain.ErrValidation)
	}
	id := s.newID()
	return joinPlan{session: session, playerID: id, cmd: JoinCommand{
		PlayerID:    id,
		DisplayName: name,
		Identity:    identity,
	}}, nil
}

func (s *QuizService) handleJoin(session *Session, cmd Command) (JoinResult, error) {
	reply, err := session.Handle(cmd)
	if err != nil {
		return JoinResult{}, err
	}
	return reply.(JoinResult), nil
}

// resolve downgrades any identity failure to a guest.
func (s *QuizService) resolve(ctx context.Context, token string) Identity {
	if token == "" || s.identity == nil {
		return Identity{}
	}
	identity, err := s.identity.ResolveIdentity(ctx, token)
	if err != nil {
		s.logger.Debug("identity resolution failed, joining as guest", "error", err)
		return Identity{}
	}
	return identity
}

// StartSession moves the lobby to the first question.
func (s *QuizService) StartSession(_ context.Context, gameCode, playerID string) error {
	return s.handle(gameCode, StartCommand{PlayerID: playerID})
}

// Advance performs the next host-driven transition.
func (s *QuizService) Advance(_ context.Context, gameCode, playerID string, questionIndex *int) error {
	return s.handle(gameCode, AdvanceCommand{PlayerID: playerID, QuestionIndex: questionIndex})
}

// EndSession ends the session early.
func (s *QuizService) EndSession(_ context.Context, gameCode, playerID string) error {
	return s.handle(gameCode, EndCommand{PlayerID: playerID})
}

// SubmitRequest is one answer.
type SubmitRequest struct {
	QuestionID       string `json:"questionId"`
	SelectedAnswerID string `json:"selectedAnswerId"`
	ResponseTimeMs   int    `json:"responseTimeMs"`
}

// SubmitAnswer scores one submission and returns the submitter's private feedback.
func (s *QuizService) SubmitAnswer(_ context.Context, gameCode, playerID string, req SubmitRequest) (domain.AnswerResult, error) {
	session, err := s.registry.Get(normalizeCode(gameCode))
	if err != nil {
		return domain.AnswerResult{}, err
	}
	reply, err := session.Handle(SubmitCommand{
		PlayerID:         playerID,
		QuestionID:       req.QuestionID,
		SelectedAnswerID: req.SelectedAnswerID,
		ResponseTimeMs:   req.ResponseTimeMs,
	})
	if err != nil {
		metrics.RecordSubmission(domain.Reason(err))
		return domain.AnswerResult{}, err
	}
	result := reply.(domain.AnswerResult)
	switch {
	case result.Late:
		metrics.RecordSubmission("late")
	case result.Correct:
		metrics.RecordSubmission("correct")
	default:
		metrics.RecordSubmission("incorrect")
	}
	return result, nil
}

// Disconnect marks a player inactive. The session stays alive; the reaper decides its fate.
func (s *QuizService) Disconnect(_ context.Context, gameCode, playerID string) {
	session, err := s.registry.Get(normalizeCode(gameCode))
	if err != nil {
		return
	}
	if _, err := session.Handle(DisconnectCommand{PlayerID: playerID}); err != nil && !errors.Is(err, domain.ErrSessionEnded) {
		s.logger.Debug("disconnect ignored", "gameCode", gameCode, "playerId", playerID, "error", err)
	}
}

// Subscribe returns a channel of events for one connection of playerID.
// The caller must invoke the returned cancel function to avoid leaks.
func (s *QuizService) Subscribe(_ context.Context, gameCode, playerID string) (<-chan domain.Event, func(), error) {
	code := normalizeCode(gameCode)
	if _, err := s.registry.Get(code); err != nil {
		return nil, nil, err
	}
	ch, cancel := s.hub.Subscribe(code, playerID)
	return ch, cancel, nil
}

// Session returns the live session for gameCode.
func (s *QuizService) Session(gameCode string) (*Session, error) {
	return s.registry.Get(normalizeCode(gameCode))
}

// ListActive summarizes every live session.
func (s *QuizService) ListActive() []domain.SessionSummary {
	return s.registry.ListActive()
}

// Results returns the final records of a finished session: from memory first, then the store.
func (s *QuizService) Results(ctx context.Context, gameCode string) ([]domain.ResultRecord, error) {
	code := normalizeCode(gameCode)
	if records, ok := s.results.Results(code); ok {
		return records, nil
	}
	if s.leaders != nil {
		records, err := s.leaders.ReadLeaderboard(ctx, code)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			return records, nil
		}
	}
	return nil, domain.ErrSessionNotFound
}

// Leaderboard returns live standings for an active session, or final results otherwise.
func (s *QuizService) Leaderboard(ctx context.Context, gameCode string) ([]domain.LeaderboardEntry, error) {
	if session, err := s.registry.Get(normalizeCode(gameCode)); err == nil {
		return session.Standings(), nil
	}
	records, err := s.Results(ctx, gameCode)
	if err != nil {
		return nil, err
	}
	entries := make([]domain.LeaderboardEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, domain.LeaderboardEntry{
			Rank:        r.FinalRank,
			PlayerID:    r.PlayerID,
			DisplayName: r.DisplayName,
			Score:       r.FinalScore,
			Streak:      r.LongestStreak,
		})
	}
	return entries, nil
}

func (s *QuizService) handle(gameCode string, cmd Command) error {
	session, err := s.registry.Get(normalizeCode(gameCode))
	if err != nil {
		return err
	}
	_, err = session.Handle(cmd)
	return err
}

func (s *QuizService) deliver(gameCode string, deliveries []domain.Delivery) {
	s.hub.Deliver(gameCode, deliveries...)
}

// sessionEnded finalizes results, announces them and evicts the session.
func (s *QuizService) sessionEnded(session *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	records, err := s.results.Finalize(ctx, session)
	if err != nil {
		s.logger.Warn("finalize results", "gameCode", session.Code(), "error", err)
	}
	s.hub.Deliver(session.Code(), domain.ToAll(domain.EventSessionEnded, domain.SessionEndedEvent{
		GameCode: session.Code(),
		Results:  records,
	}))
	s.hub.Close(session.Code())
	s.registry.Remove(session.Code())
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
