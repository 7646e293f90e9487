package app

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"quiz-session-engine/internal/domain"
	"quiz-session-engine/internal/metrics"
)

// Command is the closed set of inputs a session accepts. Every mutation goes
// through Session.Handle, which serializes them under the session lock.
type Command interface {
	command()
}

// JoinCommand adds a new contestant.
type JoinCommand struct {
	PlayerID    string
	DisplayName string
	Identity    Identity
}

// ReconnectCommand reattaches an existing player.
type ReconnectCommand struct {
	PlayerID string
}

// DisconnectCommand marks a player inactive without removing it.
type DisconnectCommand struct {
	PlayerID string
}

// StartCommand moves the lobby to the first question (host only).
type StartCommand struct {
	PlayerID string
}

// AdvanceCommand performs the next host-driven transition. QuestionIndex, when set,
// must equal the current question index.
type AdvanceCommand struct {
	PlayerID      string
	QuestionIndex *int
}

// EndCommand ends the session early (host only).
type EndCommand struct {
	PlayerID string
}

// SubmitCommand is one answer submission.
type SubmitCommand struct {
	PlayerID         string
	QuestionID       string
	SelectedAnswerID string
	ResponseTimeMs   int
}

// timeoutCommand is fired by a phase timer armed for (status, index).
type timeoutCommand struct {
	status domain.Status
	index  int
}

// terminateCommand ends the session regardless of who is asking (reaper, shutdown).
// With discard set, a session still in the lobby is closed without producing results.
type terminateCommand struct {
	discard bool
}

func (JoinCommand) command()       {}
func (ReconnectCommand) command()  {}
func (DisconnectCommand) command() {}
func (StartCommand) command()      {}
func (AdvanceCommand) command()    {}
func (EndCommand) command()        {}
func (SubmitCommand) command()     {}
func (timeoutCommand) command()    {}
func (terminateCommand) command()  {}

// JoinResult is returned to a joining or reconnecting player.
type JoinResult struct {
	Player          domain.Player               `json:"player"`
	Session         domain.SessionSummary       `json:"session"`
	CurrentQuestion *domain.QuestionOpenedEvent `json:"currentQuestion,omitempty"`
}

// notifier receives the side effects of a command once the session lock is released.
type notifier interface {
	deliver(gameCode string, deliveries []domain.Delivery)
	sessionEnded(s *Session)
}

type effects struct {
	deliveries []domain.Delivery
	ended      bool
}

func (fx *effects) add(d ...domain.Delivery) {
	fx.deliveries = append(fx.deliveries, d...)
}

type sessionConfig struct {
	code     string
	hostID   string
	hostName string
	hostUser string
	quiz     domain.Quiz
	settings domain.Settings
	now      func() time.Time
	schedule Scheduler
	notify   notifier
	logger   *slog.Logger
}

// Session is one live game. The quiz snapshot and settings are immutable after creation.
type Session struct {
	code      string
	hostID    string
	quiz      domain.Quiz
	settings  domain.Settings
	createdAt time.Time
	now       func() time.Time
	schedule  Scheduler
	notify    notifier
	logger    *slog.Logger

	// outMu keeps deliveries in the order their transitions were applied.
	outMu sync.Mutex

	mu            sync.Mutex
	status        domain.Status
	index         int
	startedAt     time.Time
	endedAt       time.Time
	players       *playerRegistry
	submissions   map[string][]domain.AnswerSubmission
	timer         Timer
	idleSince     time.Time
	hostAwaySince time.Time
}

func newSession(cfg sessionConfig) *Session {
	now := cfg.now()
	s := &Session{
		code:        cfg.code,
		hostID:      cfg.hostID,
		quiz:        cfg.quiz.Snapshot(),
		settings:    cfg.settings.WithDefaults(),
		createdAt:   now,
		now:         cfg.now,
		schedule:    cfg.schedule,
		notify:      cfg.notify,
		logger:      cfg.logger.With("gameCode", cfg.code),
		status:      domain.StatusWaiting,
		index:       -1,
		submissions: make(map[string][]domain.AnswerSubmission),
	}
	s.players = newPlayerRegistry(cfg.code, s.settings.Capacity)
	s.players.add(&domain.Player{
		ID:              cfg.hostID,
		UserID:          cfg.hostUser,
		DisplayName:     cfg.hostName,
		IsGuest:         cfg.hostUser == "",
		IsHost:          true,
		ConnectionState: domain.Disconnected,
		JoinedAt:        now,
	})
	// Until the host attaches the session counts as idle.
	s.idleSince = now
	return s
}

// Code returns the game code.
func (s *Session) Code() string { return s.code }

// HostID returns the host's player ID.
func (s *Session) HostID() string { return s.hostID }

// Settings returns the session settings with defaults applied.
func (s *Session) Settings() domain.Settings { return s.settings }

// Quiz returns the immutable question snapshot.
func (s *Session) Quiz() domain.Quiz { return s.quiz }

// Status returns the current state and question index.
func (s *Session) Status() (domain.Status, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.index
}

// Player returns a copy of one player.
func (s *Session) Player(id string) (domain.Player, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players.get(id)
	if !ok {
		return domain.Player{}, false
	}
	return publicCopy(p), true
}

// Players returns copies of all players, host first, in join order.
func (s *Session) Players() []domain.Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Player, 0, len(s.players.order))
	for _, id := range s.players.order {
		out = append(out, publicCopy(s.players.players[id]))
	}
	return out
}

// Submissions returns the recorded submissions of one player.
func (s *Session) Submissions(playerID string) []domain.AnswerSubmission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AnswerSubmission(nil), s.submissions[playerID]...)
}

func (s *Session) playerIDForUser(userID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players.byUserID(userID)
	if !ok {
		return "", false
	}
	return p.ID, true
}

// Standings returns the live leaderboard.
func (s *Session) Standings() []domain.LeaderboardEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.players.standings()
}

// Summary returns the listing view of the session.
func (s *Session) Summary() domain.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaryLocked()
}

func (s *Session) summaryLocked() domain.SessionSummary {
	return domain.SessionSummary{
		GameCode:             s.code,
		QuizID:               s.quiz.ID,
		HostPlayerID:         s.hostID,
		Status:               s.status,
		CurrentQuestionIndex: s.index,
		TotalQuestions:       len(s.quiz.Questions),
		Players:              s.players.count(),
		ConnectedPlayers:     s.players.connected(),
		CreatedAt:            s.createdAt,
	}
}

// Handle applies cmd under the session lock, then delivers the resulting events
// and reports a transition to Ended. Network I/O never runs under the lock.
func (s *Session) Handle(cmd Command) (any, error) {
	s.mu.Lock()
	var fx effects
	reply, err := s.apply(cmd, &fx)
	s.outMu.Lock()
	s.mu.Unlock()

	if len(fx.deliveries) > 0 && s.notify != nil {
		s.notify.deliver(s.code, fx.deliveries)
	}
	s.outMu.Unlock()

	if fx.ended && s.notify != nil {
		s.notify.sessionEnded(s)
	}
	return reply, err
}

func (s *Session) apply(cmd Command, fx *effects) (any, error) {
	switch c := cmd.(type) {
	case timeoutCommand:
		s.onTimeout(c, fx)
		return nil, nil
	case terminateCommand:
		if s.status == domain.StatusEnded {
			return false, nil
		}
		if c.discard && s.status == domain.StatusWaiting {
			s.cancelTimer()
			s.transition(domain.StatusEnded)
			s.endedAt = s.now()
			return true, nil
		}
		s.end(fx)
		return false, nil
	}

	if s.status == domain.StatusEnded {
		return nil, domain.ErrSessionEnded
	}

	switch c := cmd.(type) {
	case JoinCommand:
		return s.join(c, fx)
	case ReconnectCommand:
		return s.reconnect(c, fx)
	case DisconnectCommand:
		return nil, s.disconnect(c, fx)
	case StartCommand:
		return nil, s.start(c, fx)
	case AdvanceCommand:
		return nil, s.advance(c, fx)
	case EndCommand:
		if err := s.requireHost(c.PlayerID); err != nil {
			return nil, err
		}
		s.end(fx)
		return nil, nil
	case SubmitCommand:
		return s.submit(c, fx)
	default:
		return nil, fmt.Errorf("%w: unsupported command %T", domain.ErrValidation, cmd)
	}
}

func (s *Session) join(c JoinCommand, fx *effects) (any, error) {
	if existing, ok := s.players.byUserID(c.Identity.UserID); ok {
		return s.reconnect(ReconnectCommand{PlayerID: existing.ID}, fx)
	}
	lobbyOpen := s.status == domain.StatusWaiting || s.settings.AllowLateJoin
	p, err := s.players.join(c.PlayerID, c.DisplayName, c.Identity, lobbyOpen, s.now())
	if err != nil {
		return nil, err
	}
	s.idleSince = time.Time{}
	fx.add(domain.ToOthers(p.ID, domain.EventPlayerJoined, domain.PlayerEvent{
		Player:       publicCopy(p),
		TotalPlayers: s.players.connected(),
	}))
	s.logger.Info("player joined", "playerId", p.ID, "guest", p.IsGuest)
	return s.joinResultLocked(p), nil
}

func (s *Session) reconnect(c ReconnectCommand, fx *effects) (any, error) {
	p, err := s.players.markReconnected(c.PlayerID)
	if err != nil {
		return nil, err
	}
	s.idleSince = time.Time{}
	if p.IsHost {
		s.hostAwaySince = time.Time{}
	}
	fx.add(domain.ToOthers(p.ID, domain.EventPlayerReconnected, domain.PlayerEvent{
		Player:       publicCopy(p),
		TotalPlayers: s.players.connected(),
	}))
	return s.joinResultLocked(p), nil
}

func (s *Session) joinResultLocked(p *domain.Player) JoinResult {
	res := JoinResult{Player: publicCopy(p), Session: s.summaryLocked()}
	if s.status == domain.StatusQuestion {
		ev := s.questionOpenedLocked()
		res.CurrentQuestion = &ev
	}
	return res
}

func (s *Session) disconnect(c DisconnectCommand, fx *effects) error {
	p, ok := s.players.get(c.PlayerID)
	if !ok {
		return domain.ErrUnknownPlayer
	}
	if !p.Connected() {
		return nil
	}
	if _, err := s.players.markDisconnected(p.ID); err != nil {
		return err
	}
	now := s.now()
	if p.IsHost {
		s.hostAwaySince = now
	}
	if !s.players.anyConnected() {
		s.idleSince = now
	}
	fx.add(domain.ToOthers(p.ID, domain.EventPlayerLeft, domain.PlayerEvent{
		Player:       publicCopy(p),
		TotalPlayers: s.players.connected(),
	}))
	s.maybeLockEarly(fx)
	return nil
}

func (s *Session) requireHost(playerID string) error {
	p, ok := s.players.get(playerID)
	if !ok {
		return domain.ErrUnknownPlayer
	}
	if !p.IsHost {
		return domain.ErrUnauthorized
	}
	return nil
}

func (s *Session) start(c StartCommand, fx *effects) error {
	if err := s.requireHost(c.PlayerID); err != nil {
		return err
	}
	if s.status != domain.StatusWaiting {
		return domain.ErrStaleCommand
	}
	if s.players.connected() == 0 {
		return fmt.Errorf("%w: no connected players", domain.ErrValidation)
	}
	if len(s.quiz.Questions) == 0 {
		return fmt.Errorf("%w: quiz has no questions", domain.ErrValidation)
	}
	s.startedAt = s.now()
	fx.add(domain.ToAll(domain.EventSessionStarted, domain.SessionStartedEvent{
		GameCode:       s.code,
		TotalQuestions: len(s.quiz.Questions),
	}))
	s.logger.Info("session started", "players", s.players.count())
	s.openQuestion(0, fx)
	return nil
}

func (s *Session) advance(c AdvanceCommand, fx *effects) error {
	if err := s.requireHost(c.PlayerID); err != nil {
		return err
	}
	if !s.settings.HostDriven() && !s.untimedQuestionOpen() {
		return fmt.Errorf("%w: session advances automatically", domain.ErrValidation)
	}
	if c.QuestionIndex != nil && *c.QuestionIndex != s.index {
		return domain.ErrStaleCommand
	}
	switch s.status {
	case domain.StatusQuestion:
		s.lock(fx)
	case domain.StatusLocked:
		s.afterLock(fx)
	case domain.StatusReveal:
		s.afterReveal(fx)
	case domain.StatusLeaderboard:
		s.nextQuestion(fx)
	default:
		return domain.ErrStaleCommand
	}
	return nil
}

// onTimeout acts only if the session is still in the phase the timer was armed for.
func (s *Session) onTimeout(c timeoutCommand, fx *effects) {
	if s.status != c.status || s.index != c.index {
		return
	}
	s.timer = nil
	switch c.status {
	case domain.StatusQuestion:
		s.lock(fx)
	case domain.StatusReveal:
		s.afterReveal(fx)
	case domain.StatusLeaderboard:
		s.nextQuestion(fx)
	}
}

// untimedQuestionOpen reports an open question that no timer will close. In pure
// auto mode the host may lock it; the phases after the lock still run on timers.
func (s *Session) untimedQuestionOpen() bool {
	return s.status == domain.StatusQuestion && s.quiz.Questions[s.index].TimeLimitMs <= 0
}

func (s *Session) autoPhases() bool {
	return s.settings.AutoAdvance && !s.settings.HybridMode
}

func (s *Session) arm(d time.Duration, status domain.Status) {
	s.cancelTimer()
	cmd := timeoutCommand{status: status, index: s.index}
	s.timer = s.schedule(d, func() {
		_, _ = s.Handle(cmd)
	})
}

func (s *Session) cancelTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) transition(status domain.Status) {
	s.status = status
	metrics.RecordTransition(string(status))
}

func (s *Session) openQuestion(i int, fx *effects) {
	if i < s.index {
		// currentQuestionIndex never moves backwards.
		return
	}
	s.index = i
	s.transition(domain.StatusQuestion)
	q := s.quiz.Questions[i]
	if s.settings.TimedQuestions() && q.TimeLimitMs > 0 {
		s.arm(time.Duration(q.TimeLimitMs)*time.Millisecond, domain.StatusQuestion)
	} else {
		s.cancelTimer()
	}
	fx.add(domain.ToAll(domain.EventQuestionOpened, s.questionOpenedLocked()))
}

func (s *Session) questionOpenedLocked() domain.QuestionOpenedEvent {
	q := s.quiz.Questions[s.index]
	return domain.QuestionOpenedEvent{
		QuestionIndex:  s.index,
		TotalQuestions: len(s.quiz.Questions),
		Question:       q.Public(),
		Timed:          s.settings.TimedQuestions() && q.TimeLimitMs > 0,
	}
}

func (s *Session) lock(fx *effects) {
	s.cancelTimer()
	s.transition(domain.StatusLocked)
	q := s.quiz.Questions[s.index]
	answered, total := s.players.answeredCurrent(q.ID)
	fx.add(domain.ToAll(domain.EventQuestionLocked, domain.QuestionLockedEvent{
		QuestionIndex: s.index,
		QuestionID:    q.ID,
		Answered:      answered,
		Total:         total,
	}))
	if s.autoPhases() {
		s.afterLock(fx)
	}
}

func (s *Session) afterLock(fx *effects) {
	if s.settings.ShowExplanations {
		s.reveal(fx)
		return
	}
	s.afterReveal(fx)
}

func (s *Session) reveal(fx *effects) {
	s.transition(domain.StatusReveal)
	q := s.quiz.Questions[s.index]
	fx.add(domain.ToAll(domain.EventAnswerRevealed, domain.AnswerRevealedEvent{
		QuestionIndex:    s.index,
		QuestionID:       q.ID,
		CorrectAnswerIDs: q.CorrectOptionIDs(),
		Explanation:      q.Explanation,
	}))
	if s.autoPhases() {
		s.arm(time.Duration(s.settings.ExplanationTimeMs)*time.Millisecond, domain.StatusReveal)
	}
}

func (s *Session) afterReveal(fx *effects) {
	if s.settings.ShowLeaderboard {
		s.leaderboard(fx)
		return
	}
	s.nextQuestion(fx)
}

func (s *Session) leaderboard(fx *effects) {
	s.cancelTimer()
	s.transition(domain.StatusLeaderboard)
	fx.add(domain.ToAll(domain.EventLeaderboard, domain.LeaderboardEvent{
		QuestionIndex: s.index,
		Entries:       s.players.standings(),
	}))
	if s.autoPhases() {
		s.arm(time.Duration(s.settings.LeaderboardTimeMs)*time.Millisecond, domain.StatusLeaderboard)
	}
}

func (s *Session) nextQuestion(fx *effects) {
	if s.index+1 < len(s.quiz.Questions) {
		s.openQuestion(s.index+1, fx)
		return
	}
	s.end(fx)
}

// end is the only way into the terminal state; pending timers are cancelled.
func (s *Session) end(fx *effects) {
	s.cancelTimer()
	s.transition(domain.StatusEnded)
	s.endedAt = s.now()
	fx.ended = true
	s.logger.Info("session ended", "questionIndex", s.index)
}

// maybeLockEarly closes a timed question once every connected contestant has answered.
func (s *Session) maybeLockEarly(fx *effects) {
	if s.status != domain.StatusQuestion || !s.settings.TimedQuestions() {
		return
	}
	answered, total := s.players.answeredCurrent(s.quiz.Questions[s.index].ID)
	if total > 0 && answered == total {
		s.lock(fx)
	}
}

func (s *Session) findQuestion(id string) (domain.Question, int, bool) {
	for i, q := range s.quiz.Questions {
		if q.ID == id {
			return q, i, true
		}
	}
	return domain.Question{}, -1, false
}

func (s *Session) submit(c SubmitCommand, fx *effects) (domain.AnswerResult, error) {
	q, qi, ok := s.findQuestion(c.QuestionID)
	if !ok {
		return domain.AnswerResult{}, domain.ErrQuestionNotFound
	}
	if s.status == domain.StatusWaiting || qi != s.index {
		return domain.AnswerResult{}, domain.ErrStaleQuestion
	}
	if c.ResponseTimeMs < 0 {
		return domain.AnswerResult{}, fmt.Errorf("%w: negative response time", domain.ErrValidation)
	}
	if !q.HasOption(c.SelectedAnswerID) {
		return domain.AnswerResult{}, fmt.Errorf("%w: %q", domain.ErrOptionNotFound, c.SelectedAnswerID)
	}
	p, ok := s.players.get(c.PlayerID)
	if !ok || !p.Connected() {
		return domain.AnswerResult{}, domain.ErrUnknownPlayer
	}
	if p.IsHost {
		return domain.AnswerResult{}, fmt.Errorf("%w: host does not answer", domain.ErrValidation)
	}
	if p.HasAnswered(q.ID) {
		return domain.AnswerResult{}, domain.ErrDuplicateSubmission
	}

	sub := domain.AnswerSubmission{
		PlayerID:         p.ID,
		QuestionID:       q.ID,
		SelectedAnswerID: c.SelectedAnswerID,
		SubmittedAt:      s.now(),
		ResponseTimeMs:   c.ResponseTimeMs,
	}
	if s.status != domain.StatusQuestion {
		if !s.settings.AllowLateSubmissions {
			return domain.AnswerResult{}, domain.ErrStaleQuestion
		}
		// Late answers are acknowledged with zero credit and leave the streak alone.
		sub.Late = true
	} else {
		scored := scoreAnswer(q, s.settings, c.SelectedAnswerID, c.ResponseTimeMs, p.CurrentStreak)
		sub.IsCorrect = scored.correct
		sub.PointsAwarded = scored.points
		p.Score += scored.points
		p.CurrentStreak = scored.streak
		if p.CurrentStreak > p.LongestStreak {
			p.LongestStreak = p.CurrentStreak
		}
	}
	p.AnsweredQuestionIDs[q.ID] = struct{}{}
	s.submissions[p.ID] = append(s.submissions[p.ID], sub)

	answered, total := s.players.answeredCurrent(q.ID)
	fx.add(domain.ToAll(domain.EventAnswerCount, domain.AnswerCountEvent{
		QuestionIndex: s.index,
		Answered:      answered,
		Total:         total,
	}))
	s.maybeLockEarly(fx)

	return domain.AnswerResult{
		QuestionID:    q.ID,
		Correct:       sub.IsCorrect,
		PointsAwarded: sub.PointsAwarded,
		TotalScore:    p.Score,
		Streak:        p.CurrentStreak,
		Late:          sub.Late,
	}, nil
}

// reapReason reports why an idle session should be torn down, if at all.
func (s *Session) reapReason(now time.Time, idleGrace, hostGrace time.Duration) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == domain.StatusEnded {
		return "", false
	}
	if !s.idleSince.IsZero() && idleGrace > 0 && now.Sub(s.idleSince) >= idleGrace {
		return "idle", true
	}
	if !s.hostAwaySince.IsZero() && hostGrace > 0 && now.Sub(s.hostAwaySince) >= hostGrace {
		return "host_left", true
	}
	return "", false
}

// tally is the per-player input of the results reduction.
type tally struct {
	player      domain.Player
	submissions []domain.AnswerSubmission
}

// tallies snapshots every contestant's history for finalize.
func (s *Session) tallies() ([]tally, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	players := s.players.contestants()
	out := make([]tally, 0, len(players))
	for _, p := range players {
		out = append(out, tally{
			player:      publicCopy(p),
			submissions: append([]domain.AnswerSubmission(nil), s.submissions[p.ID]...),
		})
	}
	return out, len(s.quiz.Questions)
}
