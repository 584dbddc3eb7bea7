package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/marcus/tally/internal/models"
)

// maxMessageBytes bounds one realtime message; a full snapshot of a large
// collection arrives as a single message.
const maxMessageBytes = 32 << 20

// Message types sent on a subscription.
const (
	MessageSnapshot = "snapshot"
	MessageChange   = "change"
)

// ChangeMessage is one realtime frame from the server.
type ChangeMessage struct {
	Type       string             `json:"type"`
	Collection string             `json:"collection"`
	Entities   []models.Entity    `json:"entities,omitempty"`
	Deleted    []models.Tombstone `json:"deleted,omitempty"`
}

// Subscribe opens a realtime feed for one collection. The first delivery is a
// full snapshot; later ones are deltas, including echoes of this device's own
// pushes. onChange runs on the reader goroutine.
//
// The returned channel yields exactly one value when the feed ends: nil if ctx
// was cancelled, otherwise the transport error. Cancelling ctx unsubscribes.
func (c *Client) Subscribe(ctx context.Context, collection string, onChange func(models.Change)) (<-chan error, error) {
	u, err := c.subscribeURL(collection)
	if err != nil {
		return nil, &TransportError{Op: "subscribe", Err: err}
	}

	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPHeader: c.header()})
	if err != nil {
		te := &TransportError{Op: "subscribe", Err: err}
		if resp != nil {
			te.Status = resp.StatusCode
		}
		return nil, te
	}
	conn.SetReadLimit(maxMessageBytes)

	done := make(chan error, 1)
	go func() {
		done <- c.readLoop(ctx, conn, collection, onChange)
		close(done)
	}()
	return done, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, collection string, onChange func(models.Change)) error {
	defer conn.Close(websocket.StatusNormalClosure, "")
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &TransportError{Op: "subscribe", Err: err}
		}

		var msg ChangeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return &TransportError{Op: "subscribe", Err: fmt.Errorf("decode message: %w", err)}
		}
		if msg.Collection != "" && msg.Collection != collection {
			continue
		}
		onChange(models.Change{
			Collection: collection,
			Full:       msg.Type == MessageSnapshot,
			Entities:   msg.Entities,
			Deleted:    msg.Deleted,
		})
	}
}

func (c *Client) subscribeURL(collection string) (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("unsupported scheme " + u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/tenants/" + c.Tenant + "/collections/" + collection + "/subscribe"
	return u.String(), nil
}
