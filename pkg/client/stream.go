// Package client provides the consumer side of the delivery fabric: typed
// websocket streams for messages, presence, notifications and call signals,
// a generic reconnecting consumer, and duplicate suppression for the dual
// delivery path.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Parley-Chat/parley/pkg/wire"
)

// Stream is a typed sequence of server-pushed events. Recv blocks until the
// next event arrives, the stream ends, or the underlying connection fails.
type Stream[T any] interface {
	Recv() (T, error)
	Close() error
}

// wsStream decodes each websocket text frame into T.
type wsStream[T any] struct {
	conn *websocket.Conn
}

func (s *wsStream[T]) Recv() (T, error) {
	var v T
	_, payload, err := s.conn.ReadMessage()
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("decode stream event: %w", err)
	}
	return v, nil
}

func (s *wsStream[T]) Close() error {
	return s.conn.Close()
}

// Connector opens authenticated streams against one server.
type Connector struct {
	// BaseURL is the server's websocket origin, e.g. "ws://localhost:8080".
	BaseURL string
	// Token is the bearer token presented on every handshake.
	Token string
	// Dialer overrides websocket.DefaultDialer when set.
	Dialer *websocket.Dialer
	// HandshakeTimeout bounds each dial attempt. Zero means 10 seconds.
	HandshakeTimeout time.Duration
}

func (c *Connector) dialer() *websocket.Dialer {
	if c.Dialer != nil {
		return c.Dialer
	}
	return websocket.DefaultDialer
}

func (c *Connector) dial(ctx context.Context, path string, query url.Values) (*websocket.Conn, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	u.Path = path
	u.RawQuery = query.Encode()

	timeout := c.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	header := http.Header{}
	if c.Token != "" {
		header.Set("Authorization", "Bearer "+c.Token)
	}
	conn, resp, err := c.dialer().DialContext(dialCtx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", path, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return conn, nil
}

// Messages returns a stream factory for a chat's message stream, suitable
// for Manager construction.
func (c *Connector) Messages(chatID string) Factory[wire.Message] {
	return func(ctx context.Context) (Stream[wire.Message], error) {
		conn, err := c.dial(ctx, "/messages/stream", url.Values{"chat_id": {chatID}})
		if err != nil {
			return nil, err
		}
		return &wsStream[wire.Message]{conn: conn}, nil
	}
}

// Presence returns a stream factory for a chat's typing/online stream.
func (c *Connector) Presence(chatID string) Factory[wire.Presence] {
	return func(ctx context.Context) (Stream[wire.Presence], error) {
		conn, err := c.dial(ctx, "/presence/stream", url.Values{"chat_id": {chatID}})
		if err != nil {
			return nil, err
		}
		return &wsStream[wire.Presence]{conn: conn}, nil
	}
}

// Notifications returns a stream factory for the caller's notification stream.
func (c *Connector) Notifications() Factory[wire.Notification] {
	return func(ctx context.Context) (Stream[wire.Notification], error) {
		conn, err := c.dial(ctx, "/notifications/stream", nil)
		if err != nil {
			return nil, err
		}
		return &wsStream[wire.Notification]{conn: conn}, nil
	}
}

// CallSignals returns a stream factory for the caller's call-signal relay.
func (c *Connector) CallSignals() Factory[wire.CallSignal] {
	return func(ctx context.Context) (Stream[wire.CallSignal], error) {
		conn, err := c.dial(ctx, "/calls/stream", nil)
		if err != nil {
			return nil, err
		}
		return &wsStream[wire.CallSignal]{conn: conn}, nil
	}
}
