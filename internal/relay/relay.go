// Package relay is a small signaling relay speaking the same text protocol as
// the client. Peers register with "HELLO <id>", one side opens a session with
// "SESSION <peer>", and from then on every frame is forwarded verbatim to the
// partner. It serves local runs and end-to-end tests.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/1ureka/peercall/internal/protocol"
	"github.com/1ureka/peercall/internal/util"
)

// Control strings understood by the relay in addition to the client protocol.
const (
	TokenSession   = "SESSION"
	TokenSessionOK = "SESSION_OK"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server relays signaling frames between registered peers.
type Server struct {
	mu    sync.Mutex
	peers map[string]*client

	listener net.Listener
	http     *http.Server
}

// client is one registered connection.
type client struct {
	id   string
	conn *websocket.Conn
	wmu  sync.Mutex

	partner *client // guarded by Server.mu
}

// NewServer creates an empty relay.
func NewServer() *Server {
	return &Server{peers: make(map[string]*client)}
}

// Handler returns the relay's routes: the websocket endpoint at "/".
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleWS)
	r.Handle("/metrics", util.MetricsHandler())
	return r
}

// Start listens on addr and serves in the background. It returns the bound
// address, useful when addr uses port 0.
func (s *Server) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to start relay: %w", err)
	}
	s.listener = listener
	s.http = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: writeWait}

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("relay stopped: %v", err)
		}
	}()

	util.LogInfo("signaling relay listening on %s", listener.Addr())
	return listener.Addr().String(), nil
}

// Close stops accepting connections and drops every registered peer.
func (s *Server) Close() error {
	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err = s.http.Shutdown(ctx)
	}

	s.mu.Lock()
	peers := make([]*client, 0, len(s.peers))
	for _, c := range s.peers {
		peers = append(peers, c)
	}
	s.mu.Unlock()

	for _, c := range peers {
		c.conn.Close()
	}
	return err
}

// Peers returns the number of registered peers.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	c, err := s.register(conn)
	if err != nil {
		util.LogWarning("relay: rejected %s: %v", conn.RemoteAddr(), err)
		_ = writeText(conn, nil, protocol.TokenError+" "+err.Error())
		return
	}
	defer s.unregister(c)

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		s.handleFrame(c, string(data))
	}
}

// register reads the HELLO frame and records the peer.
func (s *Server) register(conn *websocket.Conn) (*client, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	id, ok := strings.CutPrefix(string(data), protocol.TokenHello+" ")
	if !ok || id == "" || strings.ContainsAny(id, " \t\r\n") {
		return nil, errors.New("invalid peer uid")
	}

	c := &client{id: id, conn: conn}

	s.mu.Lock()
	if _, taken := s.peers[id]; taken {
		s.mu.Unlock()
		return nil, fmt.Errorf("peer uid %q already in use", id)
	}
	s.peers[id] = c
	s.mu.Unlock()

	if err := writeText(conn, &c.wmu, protocol.TokenHello); err != nil {
		s.mu.Lock()
		if s.peers[id] == c {
			delete(s.peers, id)
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("acknowledge peer %s: %w", id, err)
	}

	util.LogInfo("relay: registered peer %s from %s", id, conn.RemoteAddr())
	return c, nil
}

// unregister removes the peer and disconnects its partner, if any.
func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.peers, c.id)
	partner := c.partner
	if partner != nil {
		partner.partner = nil
		c.partner = nil
	}
	s.mu.Unlock()

	util.LogInfo("relay: peer %s disconnected", c.id)
	if partner != nil {
		partner.conn.Close()
	}
}

func (s *Server) handleFrame(c *client, raw string) {
	s.mu.Lock()
	partner := c.partner
	s.mu.Unlock()

	if partner != nil {
		if err := writeText(partner.conn, &partner.wmu, raw); err != nil {
			util.LogDebug("relay: forward %s → %s: %v", c.id, partner.id, err)
		}
		return
	}

	target, ok := strings.CutPrefix(raw, TokenSession+" ")
	if !ok {
		_ = writeText(c.conn, &c.wmu, protocol.TokenError+" parser error: unknown command")
		return
	}
	if err := s.pair(c, target); err != nil {
		_ = writeText(c.conn, &c.wmu, protocol.TokenError+" "+err.Error())
		return
	}
	util.LogInfo("relay: session %s ↔ %s", c.id, target)
	_ = writeText(c.conn, &c.wmu, TokenSessionOK)
}

// pair links c with the peer registered as target.
func (s *Server) pair(c *client, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	other, ok := s.peers[target]
	switch {
	case !ok || other == c:
		return fmt.Errorf("peer '%s' not found", target)
	case other.partner != nil:
		return fmt.Errorf("peer '%s' busy", target)
	}
	c.partner = other
	other.partner = c
	return nil
}

// writeText writes one text frame, serialized by mu when given.
func writeText(conn *websocket.Conn, mu *sync.Mutex, raw string) error {
	if mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, []byte(raw))
}
