package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/drawparty/syncclient/internal/game"
)

// Client consumes the game API over HTTP. It is the authoritative fetch
// path on the client side of the sync stack.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		base: baseURL,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) GetGame(ctx context.Context, id string) (*game.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/games/"+id, nil)
	if err != nil {
		return nil, err
	}
	return c.doSnapshot(req)
}

func (c *Client) RequestTransition(ctx context.Context, gameID string, from, to game.Status) (*game.Snapshot, error) {
	body, err := json.Marshal(transitionRequest{From: from, To: to})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/games/"+gameID+"/transition", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doSnapshot(req)
}

func (c *Client) JoinGame(ctx context.Context, gameID string, p game.Participant) (*game.Snapshot, error) {
	body, err := json.Marshal(joinRequest{UserID: p.UserID, Username: p.Username})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/games/"+gameID+"/join", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doSnapshot(req)
}

func (c *Client) Enqueue(ctx context.Context, p game.Participant) error {
	body, err := json.Marshal(joinRequest{UserID: p.UserID, Username: p.Username})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/queue", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return statusError(resp)
	}
	return nil
}

func (c *Client) doSnapshot(req *http.Request) (*game.Snapshot, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var snap game.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// statusError maps API status codes back onto the domain sentinels so
// callers can errors.Is across the wire.
func statusError(resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", game.ErrNotFound, bytes.TrimSpace(detail))
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", game.ErrIllegalTransition, bytes.TrimSpace(detail))
	default:
		return fmt.Errorf("api status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
}
