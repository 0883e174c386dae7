package changefeed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drawparty/syncclient/internal/game"
)

// NotifyChannel derives the Postgres NOTIFY channel name for one game row.
// The store side sends on the same name after every status write.
func NotifyChannel(gameID string) string {
	return "game_row_" + gameID
}

// rowPayload is the NOTIFY payload: both row images of the UPDATE.
type rowPayload struct {
	Old *game.Snapshot `json:"old"`
	New *game.Snapshot `json:"new"`
}

// NotifyPayload encodes both row images for pg_notify. The store calls
// this so the writer and listener agree on the payload shape.
func NotifyPayload(old, new *game.Snapshot) (string, error) {
	raw, err := json.Marshal(rowPayload{Old: old, New: new})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// PGListenerFactory opens LISTEN subscriptions on dedicated pool
// connections, one per game id.
type PGListenerFactory struct {
	Pool *pgxpool.Pool
	Log  *zap.Logger
}

func (f *PGListenerFactory) logger() *zap.Logger {
	if f.Log == nil {
		return zap.NewNop()
	}
	return f.Log
}

func (f *PGListenerFactory) Listen(ctx context.Context, gameID string, deliver func(RowChange), onError func(error)) (Listener, error) {
	conn, err := f.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen conn: %w", err)
	}

	channel := pgx.Identifier{NotifyChannel(gameID)}.Sanitize()
	if _, err := conn.Exec(ctx, "listen "+channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	listenCtx, cancel := context.WithCancel(ctx)
	l := &pgListener{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(l.done)
		defer conn.Release()
		log := f.logger()
		for {
			n, err := conn.Conn().WaitForNotification(listenCtx)
			if err != nil {
				if listenCtx.Err() != nil {
					return
				}
				onError(err)
				return
			}
			var p rowPayload
			if err := json.Unmarshal([]byte(n.Payload), &p); err != nil {
				log.Warn("dropping malformed row notification",
					zap.String("game", gameID), zap.Error(err))
				continue
			}
			if p.New == nil || p.New.ID != gameID {
				continue
			}
			deliver(RowChange{Old: p.Old, New: p.New})
		}
	}()

	return l, nil
}

type pgListener struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *pgListener) Close() error {
	l.cancel()
	<-l.done
	return nil
}
