package signaling

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// handshakeTimeout bounds a single dial; the retry policy handles the rest.
const handshakeTimeout = 10 * time.Second

// newDialer returns the dialer used for every connection attempt.
func newDialer() *websocket.Dialer {
	return &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
}

// connect dials the given WebSocket URL and returns the connection (private).
func connect(ctx context.Context, dialer *websocket.Dialer, url string) (*websocket.Conn, error) {
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling server %s: %w", url, err)
	}
	return conn, nil
}
