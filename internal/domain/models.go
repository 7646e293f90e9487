package domain

import "time"

// PointCalculation selects how correct answers are scored.
type PointCalculation string

const (
	PointsFixed     PointCalculation = "fixed"
	PointsTimeBonus PointCalculation = "time-bonus"
)

// DefaultPoints is used when a question carries no point value.
const DefaultPoints = 1000

// Settings configures one live session. Zero values are replaced by Defaults.
type Settings struct {
	Capacity             int              `json:"capacity"`
	AutoAdvance          bool             `json:"autoAdvance"`
	HybridMode           bool             `json:"hybridMode"`
	ShowExplanations     bool             `json:"showExplanations"`
	ExplanationTimeMs    int              `json:"explanationTimeMs"`
	LeaderboardTimeMs    int              `json:"leaderboardTimeMs"`
	PointCalculation     PointCalculation `json:"pointCalculation"`
	StreakBonus          bool             `json:"streakBonus"`
	ShowLeaderboard      bool             `json:"showLeaderboard"`
	ShowProgress         bool             `json:"showProgress"`
	AllowLateJoin        bool             `json:"allowLateJoin"`
	AllowLateSubmissions bool             `json:"allowLateSubmissions"`
}

// WithDefaults fills unset numeric fields and the point calculation mode.
func (s Settings) WithDefaults() Settings {
	if s.Capacity <= 0 {
		s.Capacity = 100
	}
	if s.ExplanationTimeMs <= 0 {
		s.ExplanationTimeMs = 5000
	}
	if s.LeaderboardTimeMs <= 0 {
		s.LeaderboardTimeMs = 5000
	}
	if s.PointCalculation == "" {
		s.PointCalculation = PointsFixed
	}
	return s
}

// Validate rejects settings the engine cannot honor.
func (s Settings) Validate() error {
	switch s.PointCalculation {
	case "", PointsFixed, PointsTimeBonus:
	default:
		return ErrValidation
	}
	if s.Capacity < 0 || s.ExplanationTimeMs < 0 || s.LeaderboardTimeMs < 0 {
		return ErrValidation
	}
	return nil
}

// TimedQuestions reports whether questions lock on their own when the time limit elapses.
func (s Settings) TimedQuestions() bool {
	return s.AutoAdvance || s.HybridMode
}

// HostDriven reports whether the host may advance the state machine by command.
func (s Settings) HostDriven() bool {
	return !s.AutoAdvance || s.HybridMode
}

// Option represents a possible answer for a question.
type Option struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Correct bool   `json:"correct"`
}

// Question models one entry of a question set. More than one option may be correct.
type Question struct {
	ID          string   `json:"id"`
	Prompt      string   `json:"prompt"`
	Options     []Option `json:"options"`
	Explanation string   `json:"explanation,omitempty"`
	TimeLimitMs int      `json:"timeLimitMs"`
	Points      int      `json:"points"` // defaults to DefaultPoints if zero
}

// BasePoints returns the configured points or DefaultPoints.
func (q Question) BasePoints() int {
	if q.Points > 0 {
		return q.Points
	}
	return DefaultPoints
}

// IsCorrect reports whether optionID is one of the question's correct answers.
func (q Question) IsCorrect(optionID string) bool {
	for _, opt := range q.Options {
		if opt.ID == optionID {
			return opt.Correct
		}
	}
	return false
}

// HasOption reports whether optionID belongs to the question.
func (q Question) HasOption(optionID string) bool {
	for _, opt := range q.Options {
		if opt.ID == optionID {
			return true
		}
	}
	return false
}

// CorrectOptionIDs lists the IDs of the correct options.
func (q Question) CorrectOptionIDs() []string {
	ids := make([]string, 0, 1)
	for _, opt := range q.Options {
		if opt.Correct {
			ids = append(ids, opt.ID)
		}
	}
	return ids
}

// Public strips answer keys so the question can be sent to players.
func (q Question) Public() PublicQuestion {
	opts := make([]PublicOption, 0, len(q.Options))
	for _, opt := range q.Options {
		opts = append(opts, PublicOption{ID: opt.ID, Text: opt.Text})
	}
	return PublicQuestion{
		ID:          q.ID,
		Prompt:      q.Prompt,
		Options:     opts,
		TimeLimitMs: q.TimeLimitMs,
		Points:      q.BasePoints(),
	}
}

// PublicOption is an option without its correctness flag.
type PublicOption struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// PublicQuestion is the player-facing view of a question.
type PublicQuestion struct {
	ID          string         `json:"id"`
	Prompt      string         `json:"prompt"`
	Options     []PublicOption `json:"options"`
	TimeLimitMs int            `json:"timeLimitMs"`
	Points      int            `json:"points"`
}

// Quiz is an ordered question set.
type Quiz struct {
	ID        string     `json:"id"`
	Title     string     `json:"title,omitempty"`
	Questions []Question `json:"questions"`
}

// Snapshot returns a deep copy so that later edits to the source cannot reach a running session.
func (q Quiz) Snapshot() Quiz {
	out := Quiz{ID: q.ID, Title: q.Title, Questions: make([]Question, len(q.Questions))}
	for i, question := range q.Questions {
		question.Options = append([]Option(nil), question.Options...)
		out.Questions[i] = question
	}
	return out
}

// ConnectionState of a player within a session.
type ConnectionState string

const (
	Connected    ConnectionState = "connected"
	Disconnected ConnectionState = "disconnected"
)

// Player is a participant in one session. It is never deleted before the session is torn down.
type Player struct {
	ID              string          `json:"id"`
	SessionGameCode string          `json:"gameCode"`
	UserID          string          `json:"userId,omitempty"`
	DisplayName     string          `json:"displayName"`
	IsGuest         bool            `json:"isGuest"`
	IsHost          bool            `json:"isHost"`
	ConnectionState ConnectionState `json:"connectionState"`
	Score           int             `json:"score"`
	CurrentStreak   int             `json:"currentStreak"`
	LongestStreak   int             `json:"longestStreak"`
	JoinedAt        time.Time       `json:"joinedAt"`

	AnsweredQuestionIDs map[string]struct{} `json:"-"`
}

// Connected reports whether the player currently has a live connection.
func (p *Player) Connected() bool {
	return p.ConnectionState == Connected
}

// HasAnswered reports whether the player already submitted for questionID.
func (p *Player) HasAnswered(questionID string) bool {
	_, ok := p.AnsweredQuestionIDs[questionID]
	return ok
}

// AnswerSubmission is recorded at most once per (PlayerID, QuestionID).
type AnswerSubmission struct {
	PlayerID         string    `json:"playerId"`
	QuestionID       string    `json:"questionId"`
	SelectedAnswerID string    `json:"selectedAnswerId"`
	SubmittedAt      time.Time `json:"submittedAt"`
	ResponseTimeMs   int       `json:"responseTimeMs"`
	IsCorrect        bool      `json:"isCorrect"`
	PointsAwarded    int       `json:"pointsAwarded"`
	Late             bool      `json:"late,omitempty"`
}

// AnswerResult is the private feedback returned to the submitter.
type AnswerResult struct {
	QuestionID    string `json:"questionId"`
	Correct       bool   `json:"correct"`
	PointsAwarded int    `json:"pointsAwarded"`
	TotalScore    int    `json:"totalScore"`
	Streak        int    `json:"streak"`
	Late          bool   `json:"late,omitempty"`
}

// ResultRecord is the final, write-once outcome for one player.
type ResultRecord struct {
	GameCode              string  `json:"gameCode"`
	PlayerID              string  `json:"playerId"`
	DisplayName           string  `json:"displayName"`
	FinalRank             int     `json:"finalRank"`
	FinalScore            int     `json:"finalScore"`
	TotalCorrect          int     `json:"totalCorrect"`
	CompletionPercentage  float64 `json:"completionPercentage"`
	LongestStreak         int     `json:"longestStreak"`
	AverageResponseTimeMs float64 `json:"averageResponseTimeMs"`
}

// LeaderboardEntry is a snapshot-friendly view of a participant.
type LeaderboardEntry struct {
	Rank        int    `json:"rank"`
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName"`
	Score       int    `json:"score"`
	Streak      int    `json:"streak"`
}

// SessionSummary is the listing view of an active session.
type SessionSummary struct {
	GameCode             string    `json:"gameCode"`
	QuizID               string    `json:"quizId"`
	HostPlayerID         string    `json:"hostPlayerId"`
	Status               Status    `json:"status"`
	CurrentQuestionIndex int       `json:"currentQuestionIndex"`
	TotalQuestions       int       `json:"totalQuestions"`
	Players              int       `json:"players"`
	ConnectedPlayers     int       `json:"connectedPlayers"`
	CreatedAt            time.Time `json:"createdAt"`
}
