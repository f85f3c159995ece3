package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds a single frame write.
const writeWait = 10 * time.Second

// sender serializes outgoing signaling frames to the WebSocket (private).
// gorilla/websocket allows one concurrent writer only.
type sender struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// send writes a text frame, guarded by a mutex.
func (s *sender) send(raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, []byte(raw))
}

// sendClose writes a close frame, best-effort.
func (s *sender) sendClose() {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}
