package app

import (
	"math"

	"quiz-session-engine/internal/domain"
)

const (
	// minTimeBonusFraction is the floor of the time-bonus factor for a correct answer.
	minTimeBonusFraction = 0.5
	// streakStep is the extra multiplier per consecutive correct answer after the first.
	streakStep = 0.1
	// maxStreakSteps caps the streak multiplier at 1 + maxStreakSteps*streakStep.
	maxStreakSteps = 5
)

type scoredAnswer struct {
	correct bool
	points  int
	streak  int
}

// scoreAnswer grades one submission. streak is the player's streak before this answer.
// Streaks are always tracked so results can report them; the multiplier only applies
// when the session enables streakBonus.
func scoreAnswer(q domain.Question, settings domain.Settings, selectedID string, responseTimeMs, streak int) scoredAnswer {
	if !q.IsCorrect(selectedID) {
		return scoredAnswer{correct: false, points: 0, streak: 0}
	}
	streak++

	factor := 1.0
	if settings.PointCalculation == domain.PointsTimeBonus {
		factor = timeBonusFactor(responseTimeMs, q.TimeLimitMs)
	}
	if settings.StreakBonus {
		factor *= streakMultiplier(streak)
	}
	return scoredAnswer{
		correct: true,
		points:  int(math.Round(float64(q.BasePoints()) * factor)),
		streak:  streak,
	}
}

// timeBonusFactor scales linearly from 1 at 0ms down to the floor at the time limit.
func timeBonusFactor(responseTimeMs, timeLimitMs int) float64 {
	if timeLimitMs <= 0 {
		return 1
	}
	if responseTimeMs < 0 {
		responseTimeMs = 0
	}
	f := 1 - float64(responseTimeMs)/float64(timeLimitMs)
	return math.Max(minTimeBonusFraction, f)
}

func streakMultiplier(streak int) float64 {
	steps := streak - 1
	if steps < 0 {
		steps = 0
	}
	if steps > maxStreakSteps {
		steps = maxStreakSteps
	}
	return 1 + float64(steps)*streakStep
}
