package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drawparty/syncclient/internal/game"
	"github.com/drawparty/syncclient/internal/matchq"
	"github.com/drawparty/syncclient/internal/store"
)

// GameStore is the slice of the backend the HTTP surface needs. Both the
// Postgres store and the in-memory harness store satisfy it.
type GameStore interface {
	GetGame(ctx context.Context, id string) (*game.Snapshot, error)
	RequestTransition(ctx context.Context, gameID string, from, to game.Status) (*game.Snapshot, error)
	AddParticipant(ctx context.Context, gameID string, p game.Participant) (*game.Snapshot, error)
}

type API struct {
	store GameStore
	queue *matchq.Queue
	log   *zap.Logger
}

func NewAPI(store GameStore, queue *matchq.Queue, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{store: store, queue: queue, log: log}
}

func (a *API) getGame(w http.ResponseWriter, r *http.Request) {
	snap, err := a.store.GetGame(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type transitionRequest struct {
	From game.Status `json:"from"`
	To   game.Status `json:"to"`
}

func (a *API) transition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	snap, err := a.store.RequestTransition(r.Context(), chi.URLParam(r, "id"), req.From, req.To)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type joinRequest struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

func (a *API) joinGame(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	snap, err := a.store.AddParticipant(r.Context(), chi.URLParam(r, "id"), game.Participant{
		UserID:   req.UserID,
		Username: req.Username,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) enqueue(w http.ResponseWriter, r *http.Request) {
	if a.queue == nil {
		http.Error(w, "matchmaking disabled", http.StatusServiceUnavailable)
		return
	}
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	err := a.queue.Enqueue(r.Context(), game.Participant{UserID: req.UserID, Username: req.Username})
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) dequeue(w http.ResponseWriter, r *http.Request) {
	if a.queue == nil {
		http.Error(w, "matchmaking disabled", http.StatusServiceUnavailable)
		return
	}
	if err := a.queue.Dequeue(r.Context(), chi.URLParam(r, "userID")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, game.ErrNotFound), errors.Is(err, matchq.ErrNotQueued):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, game.ErrIllegalTransition), errors.Is(err, store.ErrGameFull),
		errors.Is(err, matchq.ErrAlreadyQueued):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, game.ErrUnknownStatus):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		a.log.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
