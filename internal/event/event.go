package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/drawparty/syncclient/internal/game"
)

var ErrUnknownType = errors.New("unknown event type")
var ErrBadPayload = errors.New("malformed event payload")

type Type string

const (
	TypePlayerJoined     Type = "player_joined"
	TypePlayerLeft       Type = "player_left"
	TypePlayerReady      Type = "player_ready"
	TypePhaseChanged     Type = "phase_changed"
	TypeDrawingSubmitted Type = "drawing_submitted"
	TypeVoteCast         Type = "vote_cast"
	TypeTimerExpired     Type = "timer_expired"
	TypeMatchFound       Type = "match_found"
)

// Envelope is the wire format shared by every application-level event.
// MessageID is assigned by the publisher and is the dedup key on the
// consumer side; timestamps alone are too coarse to distinguish events.
type Envelope struct {
	MessageID string          `json:"messageId"`
	Type      Type            `json:"type"`
	GameID    string          `json:"gameId"`
	UserID    string          `json:"userId"`
	Timestamp time.Time       `json:"timestamp"`
	Version   int             `json:"version"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Payload is the decoded, kind-specific half of an event.
type Payload interface{ Kind() Type }

type PlayerJoined struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type PlayerLeft struct {
	UserID string `json:"user_id"`
}

type PlayerReady struct {
	UserID              string `json:"user_id"`
	IsReady             bool   `json:"is_ready"`
	SelectedBoosterPack string `json:"selected_booster_pack,omitempty"`
}

// PhaseChanged may carry the full row the server wrote, letting consumers
// skip the follow-up fetch.
type PhaseChanged struct {
	PreviousPhase game.Status    `json:"previous_phase"`
	NewPhase      game.Status    `json:"new_phase"`
	Game          *game.Snapshot `json:"game,omitempty"`
}

type DrawingSubmitted struct {
	SubmissionID string `json:"submission_id"`
	UserID       string `json:"user_id"`
	DrawingRef   string `json:"drawing_ref"`
}

type VoteCast struct {
	SubmissionID string `json:"submission_id"`
	VoterID      string `json:"voter_id"`
}

type TimerExpired struct {
	Phase game.Status `json:"phase"`
}

// MatchFound is delivered on the per-user topic, outside any game session.
type MatchFound struct {
	GameID string `json:"game_id"`
}

func (PlayerJoined) Kind() Type     { return TypePlayerJoined }
func (PlayerLeft) Kind() Type       { return TypePlayerLeft }
func (PlayerReady) Kind() Type      { return TypePlayerReady }
func (PhaseChanged) Kind() Type     { return TypePhaseChanged }
func (DrawingSubmitted) Kind() Type { return TypeDrawingSubmitted }
func (VoteCast) Kind() Type         { return TypeVoteCast }
func (TimerExpired) Kind() Type     { return TypeTimerExpired }
func (MatchFound) Kind() Type       { return TypeMatchFound }

// New builds an envelope around a payload, stamping it with a fresh message
// id and the current time.
func New(gameID, userID string, p Payload) (Envelope, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode payload: %w", err)
	}
	return Envelope{
		MessageID: uuid.NewString(),
		Type:      p.Kind(),
		GameID:    gameID,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Version:   1,
		Data:      data,
	}, nil
}

// Parse decodes a raw wire message into an envelope. Payload decoding is
// deferred to Decode so a bad payload on one kind cannot poison routing.
func Parse(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return env, nil
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode returns the typed payload for the envelope's kind. The switch is
// exhaustive over Type; a kind added without a case here fails loudly.
func (e Envelope) Decode() (Payload, error) {
	var p Payload
	switch e.Type {
	case TypePlayerJoined:
		p = &PlayerJoined{}
	case TypePlayerLeft:
		p = &PlayerLeft{}
	case TypePlayerReady:
		p = &PlayerReady{}
	case TypePhaseChanged:
		p = &PhaseChanged{}
	case TypeDrawingSubmitted:
		p = &DrawingSubmitted{}
	case TypeVoteCast:
		p = &VoteCast{}
	case TypeTimerExpired:
		p = &TimerExpired{}
	case TypeMatchFound:
		p = &MatchFound{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBadPayload, e.Type, err)
		}
	}
	return deref(p), nil
}

// deref returns the value form so consumers can type-switch on concrete
// structs instead of pointers.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *PlayerJoined:
		return *v
	case *PlayerLeft:
		return *v
	case *PlayerReady:
		return *v
	case *PhaseChanged:
		return *v
	case *DrawingSubmitted:
		return *v
	case *VoteCast:
		return *v
	case *TimerExpired:
		return *v
	case *MatchFound:
		return *v
	}
	return p
}

// GameTopic derives the per-game channel name.
func GameTopic(gameID string) string { return "game-" + gameID }

// UserTopic derives the per-user notification channel name.
func UserTopic(userID string) string { return "user-" + userID }
