// Package signaling maintains the duplex websocket channel to the signaling
// relay: connection attempts, registration, frame delivery and reconnection
// scheduling.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/peercall/internal/protocol"
	"github.com/1ureka/peercall/internal/util"
)

var (
	// ErrTooManyAttempts is the terminal transport failure: the attempt
	// ceiling was reached and no further connection is scheduled.
	ErrTooManyAttempts = errors.New("too many connection attempts, aborting")

	// ErrNotConnected is returned by Send when no connection is open.
	ErrNotConnected = errors.New("signaling channel is not connected")
)

// Reconnection paths, also used as metric labels.
const (
	pathClose = "close"
	pathError = "error"
)

// Listener receives the transport's lifecycle events and inbound frames.
// Callbacks run on transport goroutines and must not block for long.
type Listener interface {
	OnOpen()
	OnMessage(raw string)
	OnError(err error)
	OnClose(err error)
	OnGiveUp(err error)

	// TearingDown reports whether an intentional shutdown is in progress,
	// in which case no reconnection is scheduled.
	TearingDown() bool
}

// Options configures a Transport.
type Options struct {
	URL             string
	PeerID          string // sent in the HELLO registration frame
	MaxAttempts     int
	CloseRetryDelay time.Duration
	ErrorRetryDelay time.Duration
	Dialer          *websocket.Dialer // nil means a default dialer
}

// Transport owns the single signaling connection. It counts consecutive
// connection attempts and schedules reconnections, but the decision that a
// registration succeeded (and the counter may be reset) belongs to its
// listener.
type Transport struct {
	opts     Options
	listener Listener
	dialer   *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	sender   *sender
	attempts int
	timer    *time.Timer
	stopped  bool
}

// NewTransport creates an idle transport. Nothing is dialed until Connect.
func NewTransport(opts Options, listener Listener) *Transport {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = newDialer()
	}
	return &Transport{
		opts:     opts,
		listener: listener,
		dialer:   dialer,
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Connect starts one connection attempt in the background. Each call counts
// as an attempt; once the count exceeds the ceiling, Connect reports
// ErrTooManyAttempts through OnGiveUp without touching the network.
func (t *Transport) Connect(ctx context.Context) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.attempts++
	n := t.attempts
	t.mu.Unlock()

	util.MetricsConnectAttempt()

	if n > t.opts.MaxAttempts {
		t.listener.OnGiveUp(fmt.Errorf("%w (%d attempts)", ErrTooManyAttempts, n-1))
		return
	}

	util.LogInfo("connecting to signaling server %s (attempt %d/%d)", t.opts.URL, n, t.opts.MaxAttempts)
	go t.run(ctx)
}

// run dials, registers and reads until the connection ends.
func (t *Transport) run(ctx context.Context) {
	conn, err := connect(ctx, t.dialer, t.opts.URL)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		t.listener.OnError(err)
		t.scheduleRetry(ctx, t.opts.ErrorRetryDelay, pathError)
		return
	}

	s := &sender{conn: conn}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.sender = s
	t.mu.Unlock()

	// Register immediately; a failed write surfaces as a read error below.
	if err := s.send(protocol.TokenHello + " " + t.opts.PeerID); err != nil {
		util.LogWarning("failed to send registration: %v", err)
	}
	t.listener.OnOpen()

	r := &receiver{conn: conn, listener: t.listener}
	err = r.watch()

	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
		t.sender = nil
	}
	t.mu.Unlock()
	conn.Close()

	t.listener.OnClose(err)
	if ctx.Err() != nil {
		return
	}
	t.scheduleRetry(ctx, t.opts.CloseRetryDelay, pathClose)
}

// scheduleRetry arms exactly one reconnection after delay, unless the
// listener is tearing down or the attempt ceiling has been reached, in which
// case the terminal failure is surfaced instead.
func (t *Transport) scheduleRetry(ctx context.Context, delay time.Duration, path string) {
	if t.listener.TearingDown() {
		return
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.attempts >= t.opts.MaxAttempts {
		n := t.attempts
		t.mu.Unlock()
		t.listener.OnGiveUp(fmt.Errorf("%w (%d attempts)", ErrTooManyAttempts, n))
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(delay, func() { t.Connect(ctx) })
	t.mu.Unlock()

	util.MetricsReconnect(path)
	util.LogDebug("reconnecting in %s (%s path)", delay, path)
}

// Close forces the current connection closed. The read loop observes it and
// takes the regular close path, including the reconnection schedule.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn, s := t.conn, t.sender
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	s.sendClose()
	return conn.Close()
}

// Stop cancels any pending reconnection and closes the connection for good.
func (t *Transport) Stop() error {
	t.mu.Lock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	conn, s := t.conn, t.sender
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	s.sendClose()
	return conn.Close()
}

// ---------------------------------------------------------------------------
// Attempt counter
// ---------------------------------------------------------------------------

// Attempts returns the number of consecutive connection attempts.
func (t *Transport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// ResetAttempts zeroes the attempt counter after a successful registration.
func (t *Transport) ResetAttempts() {
	t.mu.Lock()
	t.attempts = 0
	t.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

// Send encodes and writes a message on the open connection.
func (t *Transport) Send(msg protocol.Message) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	s := t.sender
	t.mu.Unlock()

	if s == nil {
		return ErrNotConnected
	}
	if err := s.send(raw); err != nil {
		return fmt.Errorf("send %s: %w", msg.Kind, err)
	}
	return nil
}

// Ready reports whether a connection is open for writing.
func (t *Transport) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sender != nil
}
