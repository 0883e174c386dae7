package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drawparty/syncclient/internal/game"
)

// Validation codes. The server rejects with these; the client treats any of
// them as non-retryable.
type Code string

const (
	CodeMissingField      Code = "missing_field"
	CodeUnknownType       Code = "unknown_type"
	CodeStaleTimestamp    Code = "stale_timestamp"
	CodeFutureTimestamp   Code = "future_timestamp"
	CodeGameNotFound      Code = "game_not_found"
	CodeWrongPhase        Code = "wrong_phase"
	CodeNotParticipant    Code = "not_participant"
	CodeStatusMismatch    Code = "status_mismatch"
	CodeIllegalTransition Code = "illegal_transition"
)

const (
	maxEventAge    = 5 * time.Minute
	maxClockAhead  = 1 * time.Minute
)

// ValidationError carries the rejection code so callers can distinguish a
// status race from a malformed event.
type ValidationError struct {
	Code   Code
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event rejected (%s): %s", e.Code, e.Detail)
}

func reject(code Code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// RejectionCode extracts the validation code from an error chain, if any.
func RejectionCode(err error) (Code, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code, true
	}
	return "", false
}

// GameReader is the authoritative lookup the validator checks events against.
type GameReader interface {
	GetGame(ctx context.Context, id string) (*game.Snapshot, error)
}

// Validator checks an inbound event against current authoritative state
// before it is trusted. Structural checks always run first; kind-specific
// precondition checks follow.
type Validator struct {
	games GameReader
	now   func() time.Time
}

func NewValidator(games GameReader) *Validator {
	return &Validator{games: games, now: time.Now}
}

func (v *Validator) Validate(ctx context.Context, env Envelope) error {
	if err := v.structural(env); err != nil {
		return err
	}

	payload, err := env.Decode()
	if err != nil {
		if errors.Is(err, ErrUnknownType) {
			return reject(CodeUnknownType, "%v", err)
		}
		return reject(CodeMissingField, "%v", err)
	}

	// match_found precedes game visibility, nothing to check against.
	if _, ok := payload.(MatchFound); ok {
		return nil
	}

	g, err := v.games.GetGame(ctx, env.GameID)
	if err != nil {
		if errors.Is(err, game.ErrNotFound) {
			return reject(CodeGameNotFound, "game %s", env.GameID)
		}
		return fmt.Errorf("lookup game %s: %w", env.GameID, err)
	}

	switch p := payload.(type) {
	case PlayerJoined:
		if g.Status != game.StatusWaiting {
			return reject(CodeWrongPhase, "join while %s", g.Status)
		}
	case PlayerLeft:
		if _, ok := g.Participant(p.UserID); !ok {
			return reject(CodeNotParticipant, "user %s", p.UserID)
		}
	case PlayerReady:
		if g.Status != game.StatusWaiting && g.Status != game.StatusBriefing {
			return reject(CodeWrongPhase, "ready while %s", g.Status)
		}
		if _, ok := g.Participant(p.UserID); !ok {
			return reject(CodeNotParticipant, "user %s", p.UserID)
		}
	case PhaseChanged:
		// The stated previous phase must match the row's actual status.
		// This is the defense against two clients racing to trigger the
		// same transition: the loser's event no longer matches.
		if p.PreviousPhase != g.Status {
			return reject(CodeStatusMismatch, "event says %s, game is %s", p.PreviousPhase, g.Status)
		}
		if !game.CanTransition(p.PreviousPhase, p.NewPhase) {
			return reject(CodeIllegalTransition, "%s -> %s", p.PreviousPhase, p.NewPhase)
		}
	case DrawingSubmitted:
		if g.Status != game.StatusDrawing {
			return reject(CodeWrongPhase, "submission while %s", g.Status)
		}
		if _, ok := g.Participant(p.UserID); !ok {
			return reject(CodeNotParticipant, "user %s", p.UserID)
		}
	case VoteCast:
		if g.Status != game.StatusVoting {
			return reject(CodeWrongPhase, "vote while %s", g.Status)
		}
		if _, ok := g.Participant(p.VoterID); !ok {
			return reject(CodeNotParticipant, "user %s", p.VoterID)
		}
	case TimerExpired:
		if game.IsTerminal(g.Status) {
			return reject(CodeWrongPhase, "timer on terminal game")
		}
	}
	return nil
}

func (v *Validator) structural(env Envelope) error {
	if env.Type == "" {
		return reject(CodeMissingField, "type")
	}
	if env.GameID == "" && env.Type != TypeMatchFound {
		return reject(CodeMissingField, "gameId")
	}
	if env.Timestamp.IsZero() {
		return reject(CodeMissingField, "timestamp")
	}
	now := v.now()
	if now.Sub(env.Timestamp) > maxEventAge {
		return reject(CodeStaleTimestamp, "event is %s old", now.Sub(env.Timestamp))
	}
	if env.Timestamp.Sub(now) > maxClockAhead {
		return reject(CodeFutureTimestamp, "event is %s ahead", env.Timestamp.Sub(now))
	}
	return nil
}
