// Package store is the authoritative Postgres backend: game rows,
// participants, submissions and the server-validated status transition.
// Clients never write status directly; they go through RequestTransition,
// which also emits the NOTIFY the change feed listens for.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/drawparty/syncclient/internal/changefeed"
	"github.com/drawparty/syncclient/internal/game"
)

type GameRow struct {
	ID             string    `gorm:"primaryKey"`
	Status         string    `gorm:"not null;default:'waiting'"`
	Prompt         string
	PhaseStartedAt time.Time
	PhaseExpiresAt time.Time
	PhaseDuration  int
	MaxPlayers     int `gorm:"not null"`
	CurrentPlayers int `gorm:"not null;default:0"`
	RoundDuration  int
	VotingDuration int
	UpdatedAt      time.Time

	Participants []ParticipantRow `gorm:"foreignKey:GameID"`
	Submissions  []SubmissionRow  `gorm:"foreignKey:GameID"`
}

func (GameRow) TableName() string { return "games" }

type ParticipantRow struct {
	GameID              string `gorm:"primaryKey"`
	UserID              string `gorm:"primaryKey"`
	Username            string `gorm:"not null"`
	AvatarURL           string
	IsReady             bool
	SelectedBoosterPack string
}

func (ParticipantRow) TableName() string { return "game_participants" }

type SubmissionRow struct {
	ID         string `gorm:"primaryKey"`
	GameID     string `gorm:"index;not null"`
	UserID     string `gorm:"not null"`
	DrawingRef string
	VoteCount  int
}

func (SubmissionRow) TableName() string { return "game_submissions" }

type Store struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

// Open connects to Postgres and returns a store over it.
func Open(dsn string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return New(db, log), nil
}

func New(db *gorm.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log, now: time.Now}
}

// Migrate creates the schema. Dev-harness convenience; production runs
// real migrations.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&GameRow{}, &ParticipantRow{}, &SubmissionRow{})
}

// GetGame loads the full row with participants and submissions.
func (s *Store) GetGame(ctx context.Context, id string) (*game.Snapshot, error) {
	var row GameRow
	err := s.db.WithContext(ctx).
		Preload("Participants").
		Preload("Submissions").
		First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, game.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch game %s: %w", id, err)
	}
	return toSnapshot(&row), nil
}

// CreateGame inserts a new waiting game with its initial participants.
func (s *Store) CreateGame(ctx context.Context, prompt string, maxPlayers, roundDuration, votingDuration int, players []game.Participant) (*game.Snapshot, error) {
	now := s.now().UTC()
	row := GameRow{
		ID:             uuid.NewString(),
		Status:         string(game.StatusWaiting),
		Prompt:         prompt,
		MaxPlayers:     maxPlayers,
		CurrentPlayers: len(players),
		RoundDuration:  roundDuration,
		VotingDuration: votingDuration,
		UpdatedAt:      now,
	}
	for _, p := range players {
		row.Participants = append(row.Participants, ParticipantRow{
			GameID:    row.ID,
			UserID:    p.UserID,
			Username:  p.Username,
			AvatarURL: p.AvatarURL,
		})
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("create game: %w", err)
	}
	return toSnapshot(&row), nil
}

// RequestTransition is the only status write path. It locks the row,
// re-validates the requested edge against both the stored status and the
// transition graph, applies it with fresh phase timers, and notifies the
// row's change-feed channel with both images inside the same transaction.
func (s *Store) RequestTransition(ctx context.Context, gameID string, from, to game.Status) (*game.Snapshot, error) {
	if !game.Known(to) {
		return nil, fmt.Errorf("%w: %q", game.ErrUnknownStatus, to)
	}

	var after *game.Snapshot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row GameRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Preload("Participants").
			Preload("Submissions").
			First(&row, "id = ?", gameID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return game.ErrNotFound
		}
		if err != nil {
			return err
		}

		current := game.Status(row.Status)
		if current != from {
			return fmt.Errorf("%w: row is %q, caller expected %q",
				game.ErrIllegalTransition, current, from)
		}
		if !game.CanTransition(current, to) {
			return fmt.Errorf("%w: %s -> %s", game.ErrIllegalTransition, current, to)
		}

		before := toSnapshot(&row)
		now := s.now().UTC()
		duration := phaseDuration(to, row.RoundDuration, row.VotingDuration)
		row.Status = string(to)
		row.PhaseStartedAt = now
		row.PhaseDuration = duration
		if duration > 0 {
			row.PhaseExpiresAt = now.Add(time.Duration(duration) * time.Second)
		} else {
			row.PhaseExpiresAt = time.Time{}
		}
		row.UpdatedAt = now

		if err := tx.Omit("Participants", "Submissions").Save(&row).Error; err != nil {
			return fmt.Errorf("write transition: %w", err)
		}

		after = toSnapshot(&row)
		return notifyRow(tx, gameID, before, after)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("status transition applied",
		zap.String("game", gameID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return after, nil
}

// AddParticipant joins a user to a waiting game, bumping the player count
// and notifying listeners with the updated row.
func (s *Store) AddParticipant(ctx context.Context, gameID string, p game.Participant) (*game.Snapshot, error) {
	var after *game.Snapshot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row GameRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Preload("Participants").
			Preload("Submissions").
			First(&row, "id = ?", gameID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return game.ErrNotFound
		}
		if err != nil {
			return err
		}
		if game.Status(row.Status) != game.StatusWaiting {
			return fmt.Errorf("%w: cannot join a %s game", game.ErrIllegalTransition, row.Status)
		}
		if row.CurrentPlayers >= row.MaxPlayers {
			return ErrGameFull
		}

		before := toSnapshot(&row)
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ParticipantRow{
			GameID:    gameID,
			UserID:    p.UserID,
			Username:  p.Username,
			AvatarURL: p.AvatarURL,
		}).Error; err != nil {
			return fmt.Errorf("add participant: %w", err)
		}

		now := s.now().UTC()
		row.CurrentPlayers++
		row.UpdatedAt = now
		row.Participants = append(row.Participants, ParticipantRow{
			GameID:   gameID,
			UserID:   p.UserID,
			Username: p.Username,
		})
		if err := tx.Omit("Participants", "Submissions").Save(&row).Error; err != nil {
			return fmt.Errorf("bump player count: %w", err)
		}

		after = toSnapshot(&row)
		return notifyRow(tx, gameID, before, after)
	})
	if err != nil {
		return nil, err
	}
	return after, nil
}

var ErrGameFull = errors.New("game is full")

func phaseDuration(to game.Status, roundSeconds, votingSeconds int) int {
	switch to {
	case game.StatusBriefing:
		return briefingSeconds
	case game.StatusDrawing:
		return roundSeconds
	case game.StatusVoting:
		return votingSeconds
	case game.StatusResults:
		return resultsSeconds
	default:
		return 0
	}
}

const (
	briefingSeconds = 15
	resultsSeconds  = 30
)

// notifyRow emits the change-feed notification inside the caller's
// transaction so listeners never observe a notify without the commit.
func notifyRow(tx *gorm.DB, gameID string, old, new *game.Snapshot) error {
	payload, err := changefeed.NotifyPayload(old, new)
	if err != nil {
		return fmt.Errorf("encode notify payload: %w", err)
	}
	if err := tx.Exec("select pg_notify(?, ?)", changefeed.NotifyChannel(gameID), payload).Error; err != nil {
		return fmt.Errorf("notify %s: %w", changefeed.NotifyChannel(gameID), err)
	}
	return nil
}

func toSnapshot(row *GameRow) *game.Snapshot {
	snap := &game.Snapshot{
		ID:             row.ID,
		Status:         game.Status(row.Status),
		Prompt:         row.Prompt,
		PhaseStartedAt: row.PhaseStartedAt,
		PhaseExpiresAt: row.PhaseExpiresAt,
		PhaseDuration:  row.PhaseDuration,
		MaxPlayers:     row.MaxPlayers,
		CurrentPlayers: row.CurrentPlayers,
		RoundDuration:  row.RoundDuration,
		VotingDuration: row.VotingDuration,
		UpdatedAt:      row.UpdatedAt,
	}
	for _, p := range row.Participants {
		snap.Participants = append(snap.Participants, game.Participant{
			UserID:              p.UserID,
			Username:            p.Username,
			AvatarURL:           p.AvatarURL,
			IsReady:             p.IsReady,
			SelectedBoosterPack: p.SelectedBoosterPack,
		})
	}
	for _, sub := range row.Submissions {
		snap.Submissions = append(snap.Submissions, game.Submission{
			ID:         sub.ID,
			UserID:     sub.UserID,
			DrawingRef: sub.DrawingRef,
			VoteCount:  sub.VoteCount,
		})
	}
	return snap
}
