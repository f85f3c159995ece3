// Package negotiation drives one call: it registers over the signaling
// transport, creates the peer session when the remote side asks for an offer
// or sends one, relays descriptions and candidates, and decides how each
// failure is recovered.
//
// All state is owned by a single goroutine (Run). Transport, peer connection
// and media callbacks only post closures onto its event queue.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gammazero/deque"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/peer"
	"github.com/1ureka/peercall/internal/protocol"
	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/util"
)

// ErrOutOfOrder is surfaced when a description arrives that the current
// negotiation cannot use, e.g. an answer with no local offer outstanding.
// The frame is otherwise ignored.
var ErrOutOfOrder = errors.New("out-of-order negotiation")

const eventQueueSize = 128

// Signaler is the signaling transport as seen by the coordinator.
type Signaler interface {
	Connect(ctx context.Context)
	Send(msg protocol.Message) error
	Close() error
	Stop() error
	ResetAttempts()
}

// Session is one negotiation attempt's peer connection.
type Session interface {
	ID() string
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	ApplyLocalDescription(desc webrtc.SessionDescription) error
	ApplyRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	AddRemoteCandidate(c webrtc.ICECandidateInit) error
	AttachLocalStream(stream media.Stream) error
	MarkSignalReady() []webrtc.ICECandidateInit
	Send(data []byte) error
	Close() error
}

// SessionFactory creates a session wired to the given handlers.
type SessionFactory func(ctx context.Context, h peer.Handlers) (Session, error)

// CallRequester asks the media endpoint to call this client.
type CallRequester interface {
	StartCall(ctx context.Context, peerID string) error
}

// PeerSessions returns a factory producing pion-backed sessions.
func PeerSessions(cfg peer.Config) SessionFactory {
	return func(ctx context.Context, h peer.Handlers) (Session, error) {
		s, err := peer.New(ctx, cfg, h)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Options configures a Coordinator.
type Options struct {
	ID CallIdentity

	// Transport builds the signaling transport around the coordinator,
	// which acts as its listener.
	Transport func(l signaling.Listener) Signaler

	Sessions    SessionFactory
	Media       media.Provider // nil means data-only
	Constraints media.Constraints
	Calls       CallRequester // nil disables call requests

	// Optional hooks. OnStateChange, OnError and OnDataMessage run on the
	// coordinator goroutine; OnRemoteTrack runs on a pion goroutine.
	OnStateChange func(prev, next State)
	OnError       func(err error)
	OnDataMessage func(label string, data []byte, reply func([]byte) error)
	OnRemoteTrack func(*webrtc.TrackRemote)
}

// Coordinator is the negotiation state machine for one call.
type Coordinator struct {
	opts     Options
	signaler Signaler

	events      chan func()
	done        chan struct{}
	tearingDown atomic.Bool
	current     atomic.Int32

	// Owned by the Run goroutine.
	ctx           context.Context
	state         State
	failure       error
	session       Session
	mediaPending  bool
	mediaDone     bool
	deferred      deque.Deque[protocol.Message]
	pendingRemote deque.Deque[webrtc.ICECandidateInit]
}

var _ signaling.Listener = (*Coordinator)(nil)

// New creates an idle coordinator and its transport.
func New(opts Options) (*Coordinator, error) {
	if opts.ID == "" {
		opts.ID = NewCallIdentity()
	}
	if opts.Transport == nil {
		return nil, errors.New("negotiation: no signaling transport")
	}
	if opts.Sessions == nil {
		return nil, errors.New("negotiation: no session factory")
	}

	c := &Coordinator{
		opts:   opts,
		events: make(chan func(), eventQueueSize),
		done:   make(chan struct{}),
	}
	c.signaler = opts.Transport(c)
	return c, nil
}

// ID returns the identity this coordinator registers with.
func (c *Coordinator) ID() CallIdentity { return c.opts.ID }

// State returns the current state. Safe from any goroutine.
func (c *Coordinator) State() State { return State(c.current.Load()) }

// Run connects and processes events until ctx ends or the call fails for
// good. It returns nil on cancellation and the terminal failure otherwise.
func (c *Coordinator) Run(ctx context.Context) error {
	c.ctx = ctx
	defer c.shutdown()

	util.LogInfo("call identity %s", c.opts.ID)
	c.setState(StateConnecting)
	c.signaler.Connect(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.events:
			fn()
			if c.state == StateFailed {
				return c.failure
			}
		}
	}
}

// shutdown discards the session and stops the transport for good.
func (c *Coordinator) shutdown() {
	c.tearingDown.Store(true)
	close(c.done)
	c.discardSession()
	if err := c.signaler.Stop(); err != nil {
		util.LogDebug("signaling stop: %v", err)
	}
}

// post queues fn for the Run goroutine. It is dropped once Run has exited.
func (c *Coordinator) post(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

func (c *Coordinator) setState(next State) {
	prev := c.state
	if prev == next {
		return
	}
	c.state = next
	c.current.Store(int32(next))

	util.MetricsSetState(prev.String(), next.String())
	util.LogDebug("state %s → %s", prev, next)
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(prev, next)
	}
}

// surface reports an error to the log and the error hook.
func (c *Coordinator) surface(err error) {
	util.LogError("%v", err)
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}

func (c *Coordinator) fail(err error) {
	c.failure = err
	c.surface(err)
	c.setState(StateFailed)
}

// ---------------------------------------------------------------------------
// signaling.Listener
// ---------------------------------------------------------------------------

func (c *Coordinator) OnOpen()              { c.post(c.handleOpen) }
func (c *Coordinator) OnMessage(raw string) { c.post(func() { c.handleFrame(raw) }) }
func (c *Coordinator) OnError(err error)    { c.post(func() { c.handleTransportError(err) }) }
func (c *Coordinator) OnClose(err error)    { c.post(func() { c.handleTransportClose(err) }) }
func (c *Coordinator) OnGiveUp(err error)   { c.post(func() { c.fail(err) }) }
func (c *Coordinator) TearingDown() bool    { return c.tearingDown.Load() }

// ---------------------------------------------------------------------------
// Transport events
// ---------------------------------------------------------------------------

func (c *Coordinator) handleOpen() {
	util.LogInfo("connected to signaling server, registering as %s", c.opts.ID)
	if c.state == StateIdle {
		c.setState(StateConnecting)
	}
}

func (c *Coordinator) handleTransportError(err error) {
	util.LogWarning("signaling connection error: %v", err)
	if c.state == StateIdle {
		c.setState(StateConnecting)
	}
}

// handleTransportClose discards the session. A close we forced after a
// protocol fault completes the Closing → Idle transition; any other close
// goes back to Connecting while the transport schedules its retry.
func (c *Coordinator) handleTransportClose(err error) {
	if err != nil {
		util.LogWarning("signaling connection closed: %v", err)
	} else {
		util.LogWarning("signaling connection closed")
	}

	c.discardSession()
	c.pendingRemote.Clear()
	if c.state == StateClosing {
		c.setState(StateIdle)
		return
	}
	c.setState(StateConnecting)
}

// protocolFault discards the session and forces the transport closed, which
// re-enters the transport's close-path retry.
func (c *Coordinator) protocolFault(err error) {
	c.surface(err)
	c.setState(StateClosing)
	c.discardSession()
	c.pendingRemote.Clear()
	if err := c.signaler.Close(); err != nil {
		util.LogDebug("signaling close: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Inbound frames
// ---------------------------------------------------------------------------

func (c *Coordinator) handleFrame(raw string) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrUnknownShape):
			util.MetricsProtocolError("unknown")
		default:
			util.MetricsProtocolError("malformed")
		}
		c.protocolFault(fmt.Errorf("%w: %q", err, raw))
		return
	}

	switch msg.Kind {
	case protocol.KindHelloAck:
		c.handleRegistered()

	case protocol.KindError:
		util.MetricsProtocolError("remote")
		c.protocolFault(fmt.Errorf("%w: %s", protocol.ErrRemote, msg.Text))

	case protocol.KindOfferRequest:
		c.handleOfferRequest()

	case protocol.KindDescription, protocol.KindCandidate:
		if c.mediaPending {
			c.deferred.PushBack(msg)
			return
		}
		c.handleStructured(msg)

	default:
		util.LogWarning("ignoring unexpected %s frame", msg.Kind)
	}
}

// handleRegistered completes registration: the attempt counter is reset and
// the media endpoint is asked to call us.
func (c *Coordinator) handleRegistered() {
	if c.state != StateConnecting && c.state != StateIdle {
		util.LogDebug("ignoring registration ack in state %s", c.state)
		return
	}

	c.signaler.ResetAttempts()
	c.setState(StateRegistered)
	util.LogSuccess("registered with signaling server as %s", c.opts.ID)

	if c.opts.Calls != nil {
		ctx, id := c.ctx, string(c.opts.ID)
		go func() {
			if err := c.opts.Calls.StartCall(ctx, id); err != nil {
				util.LogWarning("call request failed: %v", err)
			}
		}()
	}
	c.setState(StateAwaitingOffer)
}

// handleOfferRequest starts a caller-side negotiation with a fresh session.
func (c *Coordinator) handleOfferRequest() {
	if !c.newSession() {
		return
	}
	c.awaitMedia(webrtc.SDPTypeOffer)
}

func (c *Coordinator) handleStructured(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindDescription:
		c.handleDescription(*msg.Description)
	case protocol.KindCandidate:
		c.handleRemoteCandidate(*msg.Candidate)
	}
}

func (c *Coordinator) handleDescription(desc webrtc.SessionDescription) {
	if c.session == nil {
		if desc.Type != webrtc.SDPTypeOffer {
			c.surface(fmt.Errorf("%w: %s without a session", ErrOutOfOrder, desc.Type))
			return
		}
		if !c.newSession() {
			return
		}
	}

	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if err := c.session.ApplyRemoteDescription(desc); err != nil {
			c.surface(err)
			return
		}
		if c.mediaDone {
			c.completeLocal(webrtc.SDPTypeAnswer)
			return
		}
		c.awaitMedia(webrtc.SDPTypeAnswer)

	case webrtc.SDPTypeAnswer:
		local := c.session.LocalDescription()
		if local == nil || local.Type != webrtc.SDPTypeOffer {
			c.surface(fmt.Errorf("%w: answer without a local offer", ErrOutOfOrder))
			return
		}
		if err := c.session.ApplyRemoteDescription(desc); err != nil {
			c.surface(err)
			return
		}
		c.setState(StateActive)
	}
}

func (c *Coordinator) handleRemoteCandidate(cand webrtc.ICECandidateInit) {
	if c.session == nil {
		util.LogDebug("buffering remote candidate until a session exists")
		c.pendingRemote.PushBack(cand)
		return
	}
	if err := c.session.AddRemoteCandidate(cand); err != nil {
		util.LogWarning("%v", err)
	}
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

// newSession replaces any live session with a fresh one and hands it the
// remote candidates that arrived before it.
func (c *Coordinator) newSession() bool {
	c.discardSession()

	// sid is written before any posted closure can run on this goroutine.
	var sid string
	stale := func() bool {
		return c.session == nil || c.session.ID() != sid
	}

	s, err := c.opts.Sessions(c.ctx, peer.Handlers{
		OnLocalCandidate: func(cand webrtc.ICECandidateInit) {
			c.post(func() {
				if !stale() {
					c.sendCandidate(cand)
				}
			})
		},
		OnConnectionState: func(state webrtc.PeerConnectionState) {
			c.post(func() {
				if !stale() {
					c.handleConnectionState(state)
				}
			})
		},
		OnDataChannelMessage: func(label string, data []byte) {
			c.post(func() {
				if !stale() {
					c.handleDataMessage(label, data)
				}
			})
		},
		OnRemoteTrack: c.opts.OnRemoteTrack,
	})
	if err != nil {
		c.fail(fmt.Errorf("failed to create peer session: %w", err))
		return false
	}

	sid = s.ID()
	c.session = s
	c.setState(StateNegotiating)

	for c.pendingRemote.Len() > 0 {
		if err := s.AddRemoteCandidate(c.pendingRemote.PopFront()); err != nil {
			util.LogWarning("%v", err)
		}
	}
	return true
}

// discardSession closes the live session. A pending media request for it
// becomes stale and its stream is released when it resolves.
func (c *Coordinator) discardSession() {
	c.mediaPending = false
	c.mediaDone = false
	c.deferred.Clear()

	if c.session == nil {
		return
	}
	if err := c.session.Close(); err != nil {
		util.LogDebug("session close: %v", err)
	}
	c.session = nil
}

// awaitMedia suspends the negotiation until local media resolves, then
// produces a local description of the given type. Structured frames that
// arrive meanwhile are deferred.
func (c *Coordinator) awaitMedia(next webrtc.SDPType) {
	if c.opts.Media == nil {
		c.mediaDone = true
		c.completeLocal(next)
		return
	}

	c.mediaPending = true
	sid := c.session.ID()
	provider, constraints, ctx := c.opts.Media, c.opts.Constraints, c.ctx

	go func() {
		stream, err := provider.GetLocalStream(ctx, constraints)
		c.post(func() { c.handleMedia(sid, next, stream, err) })
	}()
}

func (c *Coordinator) handleMedia(sid string, next webrtc.SDPType, stream media.Stream, err error) {
	if c.session == nil || c.session.ID() != sid || !c.mediaPending {
		util.LogDebug("ignoring media result for stale session %s", sid)
		if stream != nil {
			stream.Close()
		}
		return
	}

	c.mediaPending = false
	c.mediaDone = true

	switch {
	case err != nil:
		util.LogWarning("local media unavailable, continuing data-only: %v", err)
		if c.opts.OnError != nil {
			c.opts.OnError(err)
		}
	default:
		if err := c.session.AttachLocalStream(stream); err != nil {
			util.LogWarning("failed to attach local media, continuing data-only: %v", err)
			stream.Close()
		}
	}

	c.completeLocal(next)

	for !c.mediaPending && c.session != nil && c.deferred.Len() > 0 {
		c.handleStructured(c.deferred.PopFront())
	}
}

// completeLocal creates the local description of the given type, applies it,
// sends it, and then releases the session's queued local candidates.
func (c *Coordinator) completeLocal(typ webrtc.SDPType) {
	var (
		desc webrtc.SessionDescription
		err  error
	)
	if typ == webrtc.SDPTypeOffer {
		desc, err = c.session.CreateOffer()
	} else {
		desc, err = c.session.CreateAnswer()
	}
	if err != nil {
		c.surface(fmt.Errorf("failed to create %s: %w", typ, err))
		return
	}

	if err := c.session.ApplyLocalDescription(desc); err != nil {
		c.surface(err)
		return
	}
	if err := c.signaler.Send(protocol.Description(desc)); err != nil {
		util.LogWarning("failed to send %s: %v", typ, err)
		return
	}
	util.LogInfo("sent local %s", typ)

	for _, cand := range c.session.MarkSignalReady() {
		c.sendCandidate(cand)
	}
}

func (c *Coordinator) sendCandidate(cand webrtc.ICECandidateInit) {
	if err := c.signaler.Send(protocol.Candidate(cand)); err != nil {
		util.LogWarning("failed to send candidate: %v", err)
	}
}

func (c *Coordinator) handleConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		util.LogSuccess("peer connection established")
		c.setState(StateActive)
	case webrtc.PeerConnectionStateFailed:
		util.LogWarning("peer connection failed")
	}
}

func (c *Coordinator) handleDataMessage(label string, data []byte) {
	util.LogDebug("data channel %q: %q", label, data)
	if c.opts.OnDataMessage == nil {
		return
	}
	s := c.session
	c.opts.OnDataMessage(label, data, s.Send)
}
