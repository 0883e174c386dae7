// syncprobe is the client-side composition root: it wires the channel
// transport, the change feed and the reconciling session together against
// a running backend, and logs every state application and navigation
// decision. Point it at a game with GAME_ID, or leave GAME_ID empty to
// queue for a match and follow the match_found notification.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drawparty/syncclient/internal/changefeed"
	"github.com/drawparty/syncclient/internal/config"
	"github.com/drawparty/syncclient/internal/event"
	"github.com/drawparty/syncclient/internal/game"
	"github.com/drawparty/syncclient/internal/httpapi"
	"github.com/drawparty/syncclient/internal/mux"
	"github.com/drawparty/syncclient/internal/pubsub"
	"github.com/drawparty/syncclient/internal/session"
)

func main() {
	cfg := config.Load()
	log, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if cfg.UserID == "" {
		log.Fatal("USER_ID is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := pubsub.NewClient(pubsub.Config{URL: cfg.ChannelURL}, nil, log.Named("pubsub"))
	client.OnStatusChange(func(s pubsub.Status) {
		log.Info("channel status", zap.String("status", string(s)))
	})
	if err := client.Initialize(ctx, cfg.UserID); err != nil {
		log.Fatal("channel connection failed", zap.Error(err))
	}
	defer client.Close()

	events := mux.New(client.Opener(), log.Named("mux"))
	api := httpapi.NewClient(cfg.APIURL)

	gameID := cfg.GameID
	if gameID == "" {
		gameID, err = queueForMatch(ctx, cfg, api, events, log)
		if err != nil {
			log.Fatal("matchmaking failed", zap.Error(err))
		}
	}

	var feed session.ChangeFeed = noFeed{}
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("postgres pool failed", zap.Error(err))
		}
		defer pool.Close()
		f := changefeed.NewFeed(changefeed.Config{},
			&changefeed.PGListenerFactory{Pool: pool, Log: log.Named("pglisten")},
			api, log.Named("changefeed"))
		defer f.Close()
		feed = f
	} else {
		log.Warn("no DATABASE_URL set, running without the change feed")
	}

	s := session.New(gameID, session.Config{AutoNavigate: true}, api, events, feed,
		logNavigator{log: log}, log.Named("session"))
	s.Start()
	defer s.Close()

	log.Info("probe attached", zap.String("game", gameID), zap.String("user", cfg.UserID))
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-s.Updates():
			fields := []zap.Field{zap.String("state", string(v.State))}
			if v.Snapshot != nil {
				fields = append(fields,
					zap.String("status", string(v.Snapshot.Status)),
					zap.Int("players", v.Snapshot.CurrentPlayers))
			}
			if v.Err != nil {
				fields = append(fields, zap.Error(v.Err))
			}
			log.Info("session update", fields...)
			if v.Snapshot != nil && game.IsTerminal(v.Snapshot.Status) {
				log.Info("game over", zap.String("status", string(v.Snapshot.Status)))
				return
			}
		}
	}
}

// queueForMatch enqueues the user and blocks on the per-user topic until a
// match_found arrives.
func queueForMatch(ctx context.Context, cfg config.Config, api *httpapi.Client, events *mux.Mux[event.Envelope], log *zap.Logger) (string, error) {
	found := make(chan string, 1)
	topic := event.UserTopic(cfg.UserID)
	err := events.Subscribe(topic, "probe", func(env event.Envelope) {
		if env.Type != event.TypeMatchFound {
			return
		}
		payload, err := env.Decode()
		if err != nil {
			return
		}
		if m, ok := payload.(event.MatchFound); ok {
			select {
			case found <- m.GameID:
			default:
			}
		}
	})
	if err != nil {
		return "", err
	}
	defer events.Unsubscribe(topic, "probe")

	if err := api.Enqueue(ctx, game.Participant{UserID: cfg.UserID, Username: cfg.UserID}); err != nil {
		return "", err
	}
	log.Info("queued for a match", zap.String("user", cfg.UserID))

	select {
	case gameID := <-found:
		log.Info("match found", zap.String("game", gameID))
		return gameID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// logNavigator stands in for the UI router: it records where a real
// client would navigate.
type logNavigator struct {
	log *zap.Logger
}

func (n logNavigator) Navigate(route game.Route, gameID string) {
	n.log.Info("navigate", zap.String("route", string(route)), zap.String("game", gameID))
}

// noFeed is the change-feed stand-in when no database is reachable.
type noFeed struct{}

func (noFeed) Subscribe(string, string, func(old, new *game.Snapshot)) {}
func (noFeed) Unsubscribe(string, string)                             {}
