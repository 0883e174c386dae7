// devserver runs the harness backend the sync client talks to: the game
// API, the websocket channel endpoint and matchmaking, backed by Postgres
// when DATABASE_URL is set and by the in-memory store otherwise. Without
// Postgres there is no change feed; clients fall back to pub/sub and
// fetches, which is exactly the degraded mode worth exercising.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drawparty/syncclient/internal/config"
	"github.com/drawparty/syncclient/internal/event"
	"github.com/drawparty/syncclient/internal/game"
	"github.com/drawparty/syncclient/internal/hub"
	"github.com/drawparty/syncclient/internal/httpapi"
	"github.com/drawparty/syncclient/internal/matchq"
	"github.com/drawparty/syncclient/internal/store"
	"github.com/drawparty/syncclient/internal/ws"
)

// backend is what the composition needs from either store flavor.
type backend interface {
	httpapi.GameStore
	matchq.GameCreator
	event.GameReader
}

func main() {
	cfg := config.Load()
	log, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db backend
	if cfg.DatabaseURL != "" {
		st, err := store.Open(cfg.DatabaseURL, log.Named("store"))
		if err != nil {
			log.Fatal("postgres connection failed", zap.Error(err))
		}
		if err := st.Migrate(); err != nil {
			log.Fatal("migration failed", zap.Error(err))
		}
		db = st
	} else {
		log.Warn("no DATABASE_URL set, using the in-memory store (no change feed)")
		db = store.NewMemory()
	}

	h := hub.NewHub(ctx, log.Named("hub"))
	defer func() { h.Inbox() <- hub.ShutdownHub{} }()

	pub := hubPublisher{hub: h}
	queue := matchq.New(ctx, matchq.Config{
		PlayersPerGame: cfg.PlayersPerGame,
		RoundSeconds:   cfg.RoundDuration,
		VotingSeconds:  cfg.VotingDuration,
	}, db, pub, log.Named("matchq"))
	defer queue.Close()

	api := httpapi.NewAPI(&broadcastingStore{backend: db, pub: pub, log: log}, queue, log.Named("api"))
	handler := httpapi.SetupRoutes(api, ws.Handler(h, event.NewValidator(db), log.Named("ws")))

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: handler}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("devserver listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown(context.Background())
	})
	if err := g.Wait(); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

// hubPublisher fans events out through the in-process hub, the same path a
// websocket publish takes after validation.
type hubPublisher struct {
	hub *hub.Hub
}

func (p hubPublisher) Publish(_ context.Context, env event.Envelope) error {
	topic := event.GameTopic(env.GameID)
	if env.Type == event.TypeMatchFound {
		topic = event.UserTopic(env.UserID)
	}
	tp := p.hub.Ensure(topic)
	if tp == nil {
		return errors.New("hub is shut down")
	}
	tp.Inbox() <- hub.Publish{Env: env}
	return nil
}

// broadcastingStore mirrors the production backend's behavior of pairing
// every successful write with an event broadcast. The broadcast is
// best-effort; the write is what counts.
type broadcastingStore struct {
	backend
	pub hubPublisher
	log *zap.Logger
}

func (b *broadcastingStore) RequestTransition(ctx context.Context, gameID string, from, to game.Status) (*game.Snapshot, error) {
	snap, err := b.backend.RequestTransition(ctx, gameID, from, to)
	if err != nil {
		return nil, err
	}
	env, err := event.New(gameID, "", event.PhaseChanged{
		PreviousPhase: from,
		NewPhase:      to,
		Game:          snap,
	})
	if err == nil {
		err = b.pub.Publish(ctx, env)
	}
	if err != nil {
		b.log.Warn("phase_changed broadcast failed", zap.Error(err))
	}
	return snap, nil
}

func (b *broadcastingStore) AddParticipant(ctx context.Context, gameID string, p game.Participant) (*game.Snapshot, error) {
	snap, err := b.backend.AddParticipant(ctx, gameID, p)
	if err != nil {
		return nil, err
	}
	env, err := event.New(gameID, p.UserID, event.PlayerJoined{UserID: p.UserID, Username: p.Username})
	if err == nil {
		err = b.pub.Publish(ctx, env)
	}
	if err != nil {
		b.log.Warn("player_joined broadcast failed", zap.Error(err))
	}
	return snap, nil
}
