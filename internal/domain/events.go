package domain

// Status is the state-machine position of a session.
type Status string

const (
	StatusWaiting     Status = "waiting"
	StatusQuestion    Status = "question"
	StatusLocked      Status = "locked"
	StatusReveal      Status = "reveal"
	StatusLeaderboard Status = "leaderboard"
	StatusEnded       Status = "ended"
)

// EventType names an outbound event.
type EventType string

const (
	EventSessionCreated     EventType = "sessionCreated"
	EventSessionJoined      EventType = "sessionJoined"
	EventRejected           EventType = "rejected"
	EventPlayerJoined       EventType = "playerJoined"
	EventPlayerLeft         EventType = "playerLeft"
	EventPlayerReconnected  EventType = "playerReconnected"
	EventSessionStarted     EventType = "sessionStarted"
	EventQuestionOpened     EventType = "questionOpened"
	EventQuestionLocked     EventType = "questionLocked"
	EventAnswerRevealed     EventType = "answerRevealed"
	EventLeaderboard        EventType = "leaderboard"
	EventAnswerAcknowledged EventType = "answerAcknowledged"
	EventAnswerCount        EventType = "answerCount"
	EventSessionEnded       EventType = "sessionEnded"
)

// Event is one outbound message: a type tag plus its payload.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// PlayerEvent is the payload of playerJoined / playerLeft / playerReconnected.
type PlayerEvent struct {
	Player       Player `json:"player"`
	TotalPlayers int    `json:"totalPlayers"`
}

// SessionStartedEvent announces the end of the lobby.
type SessionStartedEvent struct {
	GameCode       string `json:"gameCode"`
	TotalQuestions int    `json:"totalQuestions"`
}

// QuestionOpenedEvent carries the player-facing question.
type QuestionOpenedEvent struct {
	QuestionIndex  int            `json:"questionIndex"`
	TotalQuestions int            `json:"totalQuestions"`
	Question       PublicQuestion `json:"question"`
	Timed          bool           `json:"timed"`
}

// QuestionLockedEvent announces that answers are closed.
type QuestionLockedEvent struct {
	QuestionIndex int    `json:"questionIndex"`
	QuestionID    string `json:"questionId"`
	Answered      int    `json:"answered"`
	Total         int    `json:"total"`
}

// AnswerRevealedEvent shows the correct answers and the explanation.
type AnswerRevealedEvent struct {
	QuestionIndex    int      `json:"questionIndex"`
	QuestionID       string   `json:"questionId"`
	CorrectAnswerIDs []string `json:"correctAnswerIds"`
	Explanation      string   `json:"explanation,omitempty"`
}

// LeaderboardEvent is the standings after a question.
type LeaderboardEvent struct {
	QuestionIndex int                `json:"questionIndex"`
	Entries       []LeaderboardEntry `json:"entries"`
}

// AnswerCountEvent is the public aggregate after an accepted submission.
type AnswerCountEvent struct {
	QuestionIndex int `json:"questionIndex"`
	Answered      int `json:"answered"`
	Total         int `json:"total"`
}

// SessionEndedEvent carries the final results.
type SessionEndedEvent struct {
	GameCode string         `json:"gameCode"`
	Results  []ResultRecord `json:"results"`
}

// RejectedEvent is delivered only to the connection whose command failed.
type RejectedEvent struct {
	Command string `json:"command,omitempty"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Delivery routes an event. An empty To means every subscriber of the session except Except.
type Delivery struct {
	To     string
	Except string
	Event  Event
}

// ToAll addresses every subscriber of the session.
func ToAll(t EventType, payload any) Delivery {
	return Delivery{Event: Event{Type: t, Payload: payload}}
}

// ToPlayer addresses one player only.
func ToPlayer(playerID string, t EventType, payload any) Delivery {
	return Delivery{To: playerID, Event: Event{Type: t, Payload: payload}}
}

// ToOthers addresses every subscriber except playerID.
func ToOthers(playerID string, t EventType, payload any) Delivery {
	return Delivery{Except: playerID, Event: Event{Type: t, Payload: payload}}
}
