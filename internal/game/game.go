package game

import (
	"errors"
	"time"
)

var ErrIllegalTransition = errors.New("illegal status transition")
var ErrUnknownStatus = errors.New("unknown game status")
var ErrNotFound = errors.New("game not found")

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusBriefing  Status = "briefing"
	StatusDrawing   Status = "drawing"
	StatusVoting    Status = "voting"
	StatusResults   Status = "results"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// transitions is the directed graph the server enforces. The client never
// initiates a transition, it only decides whether an inbound one is legal.
var transitions = map[Status][]Status{
	StatusWaiting:   {StatusBriefing, StatusCancelled},
	StatusBriefing:  {StatusDrawing, StatusCancelled},
	StatusDrawing:   {StatusVoting, StatusCancelled},
	StatusVoting:    {StatusResults, StatusCancelled},
	StatusResults:   {StatusCompleted, StatusCancelled},
	StatusCompleted: {},
	StatusCancelled: {},
}

func Known(s Status) bool {
	_, ok := transitions[s]
	return ok
}

func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusCancelled
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Participant struct {
	UserID              string `json:"user_id"`
	Username            string `json:"username"`
	AvatarURL           string `json:"avatar_url,omitempty"`
	IsReady             bool   `json:"is_ready"`
	SelectedBoosterPack string `json:"selected_booster_pack,omitempty"`
}

type Submission struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	DrawingRef string `json:"drawing_ref"`
	VoteCount  int    `json:"vote_count"`
}

// Snapshot is the canonical client-side view of one game session. All timer
// anchors are server-authoritative; the client only derives countdowns.
type Snapshot struct {
	ID             string        `json:"id"`
	Status         Status        `json:"status"`
	Prompt         string        `json:"prompt,omitempty"`
	PhaseStartedAt time.Time     `json:"phase_started_at"`
	PhaseExpiresAt time.Time     `json:"phase_expires_at"`
	PhaseDuration  int           `json:"current_phase_duration"`
	MaxPlayers     int           `json:"max_players"`
	CurrentPlayers int           `json:"current_players"`
	RoundDuration  int           `json:"round_duration"`
	VotingDuration int           `json:"voting_duration"`
	Participants   []Participant `json:"participants"`
	Submissions    []Submission  `json:"submissions"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// NewerThan reports whether s carries fresher server state than other.
// UpdatedAt is the monotonic guard against late-arriving stale snapshots;
// equal timestamps are treated as newer so idempotent re-applies still win.
func (s *Snapshot) NewerThan(other *Snapshot) bool {
	if other == nil {
		return true
	}
	if s.UpdatedAt.IsZero() || other.UpdatedAt.IsZero() {
		return true
	}
	return !s.UpdatedAt.Before(other.UpdatedAt)
}

// PhaseRemaining derives the countdown for display. Never negative.
func (s *Snapshot) PhaseRemaining(now time.Time) time.Duration {
	if s.PhaseExpiresAt.IsZero() {
		return 0
	}
	d := s.PhaseExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Participant returns the participant with the given user id, if present.
func (s *Snapshot) Participant(userID string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}
