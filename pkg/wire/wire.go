// Package wire defines the websocket frame format shared by the sync
// client and the channel server.
package wire

import "github.com/drawparty/syncclient/internal/event"

// Frame ops. Clients send identify/join/leave/publish/presence; the server
// answers with event/presence/error.
const (
	OpIdentify = "identify"
	OpJoin     = "join"
	OpLeave    = "leave"
	OpPublish  = "publish"
	OpPresence = "presence"
	OpEvent    = "event"
	OpError    = "error"
)

type Frame struct {
	Op        string          `json:"op"`
	Topic     string          `json:"topic,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Members   []string        `json:"members,omitempty"`
	Event     *event.Envelope `json:"event,omitempty"`
	Error     string          `json:"error,omitempty"`
}
