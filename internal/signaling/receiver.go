package signaling

import (
	"github.com/gorilla/websocket"
)

// receiver reads frames from one connection and hands them to the listener
// (private). It lives exactly as long as the connection.
type receiver struct {
	conn     *websocket.Conn
	listener Listener
}

// watch blocks reading text frames until the connection fails or is closed,
// then returns the terminating error.
func (r *receiver) watch() error {
	for {
		typ, data, err := r.conn.ReadMessage()
		if err != nil {
			return err
		}

		// Binary frames are not part of the signaling protocol.
		if typ != websocket.TextMessage {
			continue
		}

		r.listener.OnMessage(string(data))
	}
}
