// Package peer wraps one PeerConnection and its data channel for the duration
// of a single negotiation: descriptions, candidate queues in both directions,
// local media attachment and data channel messaging.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/util"
)

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("peer session closed")

	// ErrNoRemoteOffer is returned by CreateAnswer when no remote offer has
	// been applied to the session.
	ErrNoRemoteOffer = errors.New("cannot answer without a remote offer")
)

// Handlers are the session's outbound events. Any of them may be nil.
// They run on pion goroutines and must not block.
type Handlers struct {
	// OnLocalCandidate receives local candidates once the session is
	// signal-ready. Earlier candidates are returned by MarkSignalReady.
	OnLocalCandidate func(webrtc.ICECandidateInit)

	// OnRemoteTrack receives remote media. With no handler the track is
	// drained and discarded.
	OnRemoteTrack func(*webrtc.TrackRemote)

	OnDataChannelOpen    func(label string)
	OnDataChannelMessage func(label string, data []byte)
	OnConnectionState    func(webrtc.PeerConnectionState)
}

// Session is one PeerConnection with an eagerly created data channel. It
// owns the local candidate FIFO (held until the first local description has
// been signaled) and the remote candidate FIFO (held until a remote
// description is applied).
type Session struct {
	id       string
	pc       *webrtc.PeerConnection
	dc       *webrtc.DataChannel
	handlers Handlers

	sender     *sender
	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	localQueue    deque.Deque[webrtc.ICECandidateInit]
	signalReady   bool
	gatheringDone bool
	remoteQueue   deque.Deque[webrtc.ICECandidateInit]
	remoteReady   bool
	remoteStream  string
	localStream   media.Stream
	closeOnce     sync.Once
}

// New creates a session with a fresh PeerConnection and the eager data
// channel. Remotely created channels are wired to the same handlers.
func New(ctx context.Context, cfg Config, h Handlers) (*Session, error) {
	pc, err := newPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}

	sCtx, sCancel := context.WithCancel(ctx)

	s := &Session{
		id:         uuid.NewString(),
		pc:         pc,
		dc:         dc,
		handlers:   h,
		openSignal: make(chan struct{}),
		ctx:        sCtx,
		cancel:     sCancel,
	}

	var openOnce sync.Once
	s.wireChannel(dc, func() {
		openOnce.Do(func() { close(s.openSignal) })
	})

	pc.OnDataChannel(func(remote *webrtc.DataChannel) {
		util.LogDebug("[%s] remote data channel %q offered", s.short(), remote.Label())
		s.wireChannel(remote, nil)
	})

	pc.OnICECandidate(s.handleLocalCandidate)

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.mu.Lock()
		if s.remoteStream == "" {
			s.remoteStream = track.StreamID()
		}
		s.mu.Unlock()

		util.LogInfo("[%s] remote %s track %s (%s)", s.short(), track.Kind(), track.ID(), track.Codec().MimeType)
		if s.handlers.OnRemoteTrack != nil {
			s.handlers.OnRemoteTrack(track)
			return
		}
		go drain(track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("[%s] PeerConnection state: %s", s.short(), state)
		if s.handlers.OnConnectionState != nil {
			s.handlers.OnConnectionState(state)
		}
	})

	s.sender = newSender(sCtx, dc, s.openSignal)

	util.Stats.AddSession()
	util.MetricsSessionCreated()

	return s, nil
}

// wireChannel installs the open/message/close/error handlers on a channel.
// pion keeps one handler per event, so onOpen (optional) runs inside the
// single open handler.
func (s *Session) wireChannel(dc *webrtc.DataChannel, onOpen func()) {
	label := dc.Label()

	dc.OnOpen(func() {
		if onOpen != nil {
			onOpen()
		}
		util.LogInfo("[%s] data channel %q open", s.short(), label)
		if s.handlers.OnDataChannelOpen != nil {
			s.handlers.OnDataChannelOpen(label)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		util.Stats.AddRecv(len(msg.Data))
		if s.handlers.OnDataChannelMessage != nil {
			s.handlers.OnDataChannelMessage(label, msg.Data)
		}
	})
	dc.OnClose(func() {
		util.LogDebug("[%s] data channel %q closed", s.short(), label)
	})
	dc.OnError(func(err error) {
		util.LogWarning("[%s] data channel %q error: %v", s.short(), label, err)
	})
}

// drain reads and discards a remote track until it ends.
func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// ID returns the session's unique identity.
func (s *Session) ID() string { return s.id }

func (s *Session) short() string { return s.id[:8] }

// Ready returns a channel that is closed once the eager data channel opens.
func (s *Session) Ready() <-chan struct{} { return s.openSignal }

// Done returns a channel that is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// ConnectionState returns the current PeerConnection state.
func (s *Session) ConnectionState() webrtc.PeerConnectionState {
	return s.pc.ConnectionState()
}

// RemoteStreamID returns the stream of the first remote track, if any.
func (s *Session) RemoteStreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteStream
}

// Close shuts down the data channel and PeerConnection and releases any
// attached local stream.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		local := s.localStream
		s.localStream = nil
		s.mu.Unlock()

		errs := []error{s.dc.Close(), s.pc.Close()}
		if local != nil {
			errs = append(errs, local.Close())
		}
		err = errors.Join(errs...)
	})
	return err
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

// AttachLocalStream adds every track of stream to the connection. The
// session takes ownership of the stream and releases it on Close.
func (s *Session) AttachLocalStream(stream media.Stream) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}

	for _, track := range stream.Tracks() {
		rtpSender, err := s.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := rtpSender.Read(buf); err != nil {
					return
				}
			}
		}()
	}

	s.mu.Lock()
	s.localStream = stream
	s.mu.Unlock()

	util.LogInfo("[%s] attached local stream %s (%d tracks)", s.short(), stream.ID(), len(stream.Tracks()))
	return nil
}

// ---------------------------------------------------------------------------
// Descriptions
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (s *Session) CreateOffer() (webrtc.SessionDescription, error) {
	return s.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer. It fails unless the current remote
// description is an offer.
func (s *Session) CreateAnswer() (webrtc.SessionDescription, error) {
	remote := s.pc.RemoteDescription()
	if remote == nil || remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, ErrNoRemoteOffer
	}
	return s.pc.CreateAnswer(nil)
}

// ApplyLocalDescription applies the local SDP.
func (s *Session) ApplyLocalDescription(desc webrtc.SessionDescription) error {
	if err := s.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("failed to set local %s: %w", desc.Type, err)
	}
	return nil
}

// ApplyRemoteDescription applies the remote SDP, then adds any remote
// candidates that arrived before it, in arrival order.
func (s *Session) ApplyRemoteDescription(desc webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote %s: %w", desc.Type, err)
	}

	if sum, err := Summarize(desc); err == nil {
		util.LogInfo("[%s] remote %s", s.short(), sum)
	}

	s.mu.Lock()
	s.remoteReady = true
	pending := make([]webrtc.ICECandidateInit, 0, s.remoteQueue.Len())
	for s.remoteQueue.Len() > 0 {
		pending = append(pending, s.remoteQueue.PopFront())
	}
	s.mu.Unlock()

	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			util.LogWarning("[%s] failed to add buffered remote candidate: %v", s.short(), err)
		}
	}
	return nil
}

// LocalDescription returns the applied local description, or nil.
func (s *Session) LocalDescription() *webrtc.SessionDescription {
	return s.pc.LocalDescription()
}

// ---------------------------------------------------------------------------
// Candidates
// ---------------------------------------------------------------------------

// AddRemoteCandidate adds a remote candidate, holding it until a remote
// description has been applied.
func (s *Session) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if !s.remoteReady {
		s.remoteQueue.PushBack(c)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("failed to add remote candidate: %w", err)
	}
	return nil
}

// handleLocalCandidate queues or forwards a gathered candidate. A nil
// candidate ends gathering; it is recorded and never forwarded.
func (s *Session) handleLocalCandidate(c *webrtc.ICECandidate) {
	s.mu.Lock()
	if c == nil {
		s.gatheringDone = true
		s.mu.Unlock()
		util.LogDebug("[%s] ICE gathering complete", s.short())
		return
	}
	if s.gatheringDone {
		s.mu.Unlock()
		util.LogDebug("[%s] dropping candidate gathered after end-of-candidates", s.short())
		return
	}
	cand := c.ToJSON()
	if !s.signalReady {
		s.localQueue.PushBack(cand)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if s.handlers.OnLocalCandidate != nil {
		s.handlers.OnLocalCandidate(cand)
	}
}

// MarkSignalReady switches the session to forwarding local candidates
// directly and returns the ones queued so far, in gathering order. Later
// calls return nil.
func (s *Session) MarkSignalReady() []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.signalReady {
		return nil
	}
	s.signalReady = true

	out := make([]webrtc.ICECandidateInit, 0, s.localQueue.Len())
	for s.localQueue.Len() > 0 {
		out = append(out, s.localQueue.PopFront())
	}
	return out
}

// PendingLocalCandidates returns the number of queued local candidates.
func (s *Session) PendingLocalCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localQueue.Len()
}

// GatheringDone reports whether the end-of-candidates signal was seen.
func (s *Session) GatheringDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gatheringDone
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send enqueues a payload on the eager data channel. Payloads written before
// the channel opens are held until it does.
func (s *Session) Send(data []byte) error {
	if !s.sender.send(s.ctx, data) {
		return ErrClosed
	}
	return nil
}
