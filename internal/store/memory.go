package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drawparty/syncclient/internal/game"
)

// Memory is the no-Postgres variant of the store, for the dev harness and
// tests. Same validation rules as Store, no change-feed notifications:
// harness clients running against it reconcile over pub/sub and fetches
// only.
type Memory struct {
	mu    sync.Mutex
	games map[string]*game.Snapshot
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{games: make(map[string]*game.Snapshot), now: time.Now}
}

func (m *Memory) GetGame(_ context.Context, id string) (*game.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.games[id]
	if !ok {
		return nil, game.ErrNotFound
	}
	return cloneSnapshot(snap), nil
}

func (m *Memory) CreateGame(_ context.Context, prompt string, maxPlayers, roundDuration, votingDuration int, players []game.Participant) (*game.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := &game.Snapshot{
		ID:             uuid.NewString(),
		Status:         game.StatusWaiting,
		Prompt:         prompt,
		MaxPlayers:     maxPlayers,
		CurrentPlayers: len(players),
		RoundDuration:  roundDuration,
		VotingDuration: votingDuration,
		Participants:   append([]game.Participant(nil), players...),
		UpdatedAt:      m.now().UTC(),
	}
	m.games[snap.ID] = snap
	return cloneSnapshot(snap), nil
}

func (m *Memory) RequestTransition(_ context.Context, gameID string, from, to game.Status) (*game.Snapshot, error) {
	if !game.Known(to) {
		return nil, fmt.Errorf("%w: %q", game.ErrUnknownStatus, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.games[gameID]
	if !ok {
		return nil, game.ErrNotFound
	}
	if snap.Status != from {
		return nil, fmt.Errorf("%w: row is %q, caller expected %q",
			game.ErrIllegalTransition, snap.Status, from)
	}
	if !game.CanTransition(snap.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", game.ErrIllegalTransition, snap.Status, to)
	}

	now := m.now().UTC()
	duration := phaseDuration(to, snap.RoundDuration, snap.VotingDuration)
	snap.Status = to
	snap.PhaseStartedAt = now
	snap.PhaseDuration = duration
	if duration > 0 {
		snap.PhaseExpiresAt = now.Add(time.Duration(duration) * time.Second)
	} else {
		snap.PhaseExpiresAt = time.Time{}
	}
	snap.UpdatedAt = now
	return cloneSnapshot(snap), nil
}

func (m *Memory) AddParticipant(_ context.Context, gameID string, p game.Participant) (*game.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.games[gameID]
	if !ok {
		return nil, game.ErrNotFound
	}
	if snap.Status != game.StatusWaiting {
		return nil, fmt.Errorf("%w: cannot join a %s game", game.ErrIllegalTransition, snap.Status)
	}
	if snap.CurrentPlayers >= snap.MaxPlayers {
		return nil, ErrGameFull
	}
	if _, joined := snap.Participant(p.UserID); !joined {
		snap.Participants = append(snap.Participants, p)
		snap.CurrentPlayers++
	}
	snap.UpdatedAt = m.now().UTC()
	return cloneSnapshot(snap), nil
}

func cloneSnapshot(s *game.Snapshot) *game.Snapshot {
	out := *s
	out.Participants = append([]game.Participant(nil), s.Participants...)
	out.Submissions = append([]game.Submission(nil), s.Submissions...)
	return &out
}
