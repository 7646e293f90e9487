package app

import (
	"sort"
	"time"

	"quiz-session-engine/internal/domain"
)

// playerRegistry tracks the players of one session. It is guarded by the session lock.
type playerRegistry struct {
	gameCode string
	capacity int
	players  map[string]*domain.Player
	order    []string
	byUser   map[string]string
}

func newPlayerRegistry(gameCode string, capacity int) *playerRegistry {
	return &playerRegistry{
		gameCode: gameCode,
		capacity: capacity,
		players:  make(map[string]*domain.Player),
		byUser:   make(map[string]string),
	}
}

func (r *playerRegistry) add(p *domain.Player) {
	p.SessionGameCode = r.gameCode
	if p.AnsweredQuestionIDs == nil {
		p.AnsweredQuestionIDs = make(map[string]struct{})
	}
	r.players[p.ID] = p
	r.order = append(r.order, p.ID)
	if p.UserID != "" {
		r.byUser[p.UserID] = p.ID
	}
}

// join registers a new non-host player. The cap is only enforced here, never retroactively.
func (r *playerRegistry) join(id, displayName string, identity Identity, lobbyOpen bool, now time.Time) (*domain.Player, error) {
	if !lobbyOpen {
		return nil, domain.ErrGameAlreadyStarted
	}
	if r.count() >= r.capacity {
		return nil, domain.ErrCapacityExceeded
	}
	name := displayName
	if name == "" {
		name = identity.DisplayName
	}
	p := &domain.Player{
		ID:              id,
		UserID:          identity.UserID,
		DisplayName:     name,
		IsGuest:         identity.UserID == "",
		ConnectionState: domain.Connected,
		JoinedAt:        now,
	}
	r.add(p)
	return p, nil
}

func (r *playerRegistry) get(id string) (*domain.Player, bool) {
	p, ok := r.players[id]
	return p, ok
}

func (r *playerRegistry) byUserID(userID string) (*domain.Player, bool) {
	if userID == "" {
		return nil, false
	}
	id, ok := r.byUser[userID]
	if !ok {
		return nil, false
	}
	return r.get(id)
}

// markDisconnected flips the connection state; score and history stay attributable.
func (r *playerRegistry) markDisconnected(id string) (*domain.Player, error) {
	p, ok := r.players[id]
	if !ok {
		return nil, domain.ErrUnknownPlayer
	}
	p.ConnectionState = domain.Disconnected
	return p, nil
}

func (r *playerRegistry) markReconnected(id string) (*domain.Player, error) {
	p, ok := r.players[id]
	if !ok {
		return nil, domain.ErrUnknownPlayer
	}
	p.ConnectionState = domain.Connected
	return p, nil
}

// count returns the number of non-host players, connected or not.
func (r *playerRegistry) count() int {
	n := 0
	for _, p := range r.players {
		if !p.IsHost {
			n++
		}
	}
	return n
}

// connected returns the number of connected non-host players.
func (r *playerRegistry) connected() int {
	n := 0
	for _, p := range r.players {
		if !p.IsHost && p.Connected() {
			n++
		}
	}
	return n
}

// anyConnected reports whether anybody, host included, is still attached.
func (r *playerRegistry) anyConnected() bool {
	for _, p := range r.players {
		if p.Connected() {
			return true
		}
	}
	return false
}

// contestants returns non-host players in join order.
func (r *playerRegistry) contestants() []*domain.Player {
	out := make([]*domain.Player, 0, len(r.order))
	for _, id := range r.order {
		if p := r.players[id]; !p.IsHost {
			out = append(out, p)
		}
	}
	return out
}

// answeredCurrent counts connected contestants that answered questionID.
func (r *playerRegistry) answeredCurrent(questionID string) (answered, total int) {
	for _, p := range r.players {
		if p.IsHost || !p.Connected() {
			continue
		}
		total++
		if p.HasAnswered(questionID) {
			answered++
		}
	}
	return answered, total
}

// standings is the live leaderboard: score desc, then join order.
func (r *playerRegistry) standings() []domain.LeaderboardEntry {
	players := r.contestants()
	sort.SliceStable(players, func(i, j int) bool {
		return players[i].Score > players[j].Score
	})
	entries := make([]domain.LeaderboardEntry, 0, len(players))
	for i, p := range players {
		rank := i + 1
		if i > 0 && players[i-1].Score == p.Score {
			rank = entries[i-1].Rank
		}
		entries = append(entries, domain.LeaderboardEntry{
			Rank:        rank,
			PlayerID:    p.ID,
			DisplayName: p.DisplayName,
			Score:       p.Score,
			Streak:      p.CurrentStreak,
		})
	}
	return entries
}

// publicCopy returns a value copy safe to hand outside the session lock.
func publicCopy(p *domain.Player) domain.Player {
	cp := *p
	cp.AnsweredQuestionIDs = nil
	return cp
}
