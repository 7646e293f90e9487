package domain

import "errors"

var (
	// ErrValidation marks a malformed command payload.
	ErrValidation = errors.New("invalid payload")
	// ErrSessionNotFound is returned when no active session has the given game code.
	ErrSessionNotFound = errors.New("quiz session not found")
	// ErrQuizNotFound indicates the question set could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrQuestionNotFound indicates a submitted question ID is not part of the session snapshot.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrOptionNotFound indicates a submitted answer ID is not an option of the question.
	ErrOptionNotFound = errors.New("option not found")
	// ErrUnauthorized is returned when a non-host issues a host-only command.
	ErrUnauthorized = errors.New("only the host may issue this command")
	// ErrCapacityExceeded rejects a join past the session's player cap.
	ErrCapacityExceeded = errors.New("session is full")
	// ErrGameAlreadyStarted rejects a join once the session has left the lobby.
	ErrGameAlreadyStarted = errors.New("game already started")
	// ErrStaleCommand rejects a host command that references a question index that is no longer current.
	ErrStaleCommand = errors.New("stale command")
	// ErrStaleQuestion rejects a submission for a question that is not open.
	ErrStaleQuestion = errors.New("question is not open")
	// ErrUnknownPlayer is returned when a player tries to act before joining or while disconnected.
	ErrUnknownPlayer = errors.New("participant not found in quiz")
	// ErrDuplicateSubmission is an idempotent reject for a question the player already answered.
	ErrDuplicateSubmission = errors.New("already answered")
	// ErrCodeGenerationExhausted means no free game code was found; callers should retry with backoff.
	ErrCodeGenerationExhausted = errors.New("could not allocate a game code")
	// ErrPersistenceFailure wraps a result store failure during finalize.
	ErrPersistenceFailure = errors.New("persisting results failed")
	// ErrSessionEnded rejects commands against a session that already reached Ended.
	ErrSessionEnded = errors.New("session has ended")
)

// Rejection reasons sent to clients.
const (
	ReasonValidation       = "validation"
	ReasonNotFound         = "not_found"
	ReasonUnauthorized     = "unauthorized"
	ReasonCapacityExceeded = "capacity_exceeded"
	ReasonAlreadyStarted   = "game_already_started"
	ReasonStaleCommand     = "stale_command"
	ReasonStaleQuestion    = "stale_question"
	ReasonDuplicate        = "duplicate_submission"
	ReasonUnknownPlayer    = "unknown_player"
	ReasonCodeExhausted    = "code_generation_exhausted"
	ReasonPersistence      = "persistence_failure"
	ReasonSessionEnded     = "session_ended"
	ReasonInternal         = "internal"
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrValidation, ReasonValidation},
	{ErrOptionNotFound, ReasonValidation},
	{ErrSessionNotFound, ReasonNotFound},
	{ErrQuizNotFound, ReasonNotFound},
	{ErrQuestionNotFound, ReasonNotFound},
	{ErrUnauthorized, ReasonUnauthorized},
	{ErrCapacityExceeded, ReasonCapacityExceeded},
	{ErrGameAlreadyStarted, ReasonAlreadyStarted},
	{ErrStaleCommand, ReasonStaleCommand},
	{ErrStaleQuestion, ReasonStaleQuestion},
	{ErrUnknownPlayer, ReasonUnknownPlayer},
	{ErrDuplicateSubmission, ReasonDuplicate},
	{ErrCodeGenerationExhausted, ReasonCodeExhausted},
	{ErrPersistenceFailure, ReasonPersistence},
	{ErrSessionEnded, ReasonSessionEnded},
}

// Reason maps an engine error to the stable rejection code delivered to clients.
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ReasonInternal
}

// IsBenign reports whether err is an expected client race that should not be logged as an error.
func IsBenign(err error) bool {
	return errors.Is(err, ErrStaleCommand) ||
		errors.Is(err, ErrStaleQuestion) ||
		errors.Is(err, ErrDuplicateSubmission)
}
