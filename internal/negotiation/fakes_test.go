package negotiation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/peer"
	"github.com/1ureka/peercall/internal/protocol"
	"github.com/1ureka/peercall/internal/signaling"
)

// fakeSignaler records what the coordinator asks of the transport. Tests
// drive the coordinator through the captured listener.
type fakeSignaler struct {
	listener signaling.Listener
	sent     chan protocol.Message

	mu       sync.Mutex
	connects int
	closes   int
	resets   int
	stopped  bool
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{sent: make(chan protocol.Message, 256)}
}

func (f *fakeSignaler) Connect(context.Context) {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
}

func (f *fakeSignaler) Send(msg protocol.Message) error {
	f.sent <- msg
	return nil
}

func (f *fakeSignaler) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaler) Stop() error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaler) ResetAttempts() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

func (f *fakeSignaler) counts() (connects, closes, resets int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.closes, f.resets
}

// next returns the next sent message of the given kind, skipping others.
func (f *fakeSignaler) next(t *testing.T, kind protocol.Kind) protocol.Message {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case msg := <-f.sent:
			if msg.Kind == kind {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %s message sent", kind)
		}
	}
}

// fakeSession is an in-memory Session.
type fakeSession struct {
	id      string
	h       peer.Handlers
	factory *fakeFactory

	mu         sync.Mutex
	remote     *webrtc.SessionDescription
	local      *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	queued     []webrtc.ICECandidateInit
	stream     media.Stream
	sentData   [][]byte
	closed     bool
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + s.id}, nil
}

func (s *fakeSession) CreateAnswer() (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil || s.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, peer.ErrNoRemoteOffer
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + s.id}, nil
}

func (s *fakeSession) ApplyLocalDescription(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local = &desc
	return nil
}

func (s *fakeSession) ApplyRemoteDescription(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = &desc
	return nil
}

func (s *fakeSession) LocalDescription() *webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *fakeSession) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, c)
	return nil
}

func (s *fakeSession) AttachLocalStream(stream media.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream = stream
	return nil
}

func (s *fakeSession) MarkSignalReady() []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queued
	s.queued = nil
	return out
}

func (s *fakeSession) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentData = append(s.sentData, data)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.factory.closed(s)
	return nil
}

func (s *fakeSession) remoteCandidates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.candidates))
	for _, c := range s.candidates {
		out = append(out, c.Candidate)
	}
	return out
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeFactory creates fakeSessions and tracks how many are alive.
type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	live     int
	maxLive  int
	queued   []webrtc.ICECandidateInit // handed to each new session
}

func (f *fakeFactory) create(_ context.Context, h peer.Handlers) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := &fakeSession{id: uuid.NewString(), h: h, factory: f, queued: f.queued}
	f.sessions = append(f.sessions, s)
	f.live++
	if f.live > f.maxLive {
		f.maxLive = f.live
	}
	return s, nil
}

func (f *fakeFactory) closed(*fakeSession) {
	f.mu.Lock()
	f.live--
	f.mu.Unlock()
}

func (f *fakeFactory) last(t *testing.T) *fakeSession {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sessions)
	return f.sessions[len(f.sessions)-1]
}

func (f *fakeFactory) stats() (created, live, maxLive int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions), f.live, f.maxLive
}

// gatedProvider blocks every request until the test releases it.
type gatedProvider struct {
	release chan error
	streams chan media.Stream
}

func newGatedProvider() *gatedProvider {
	return &gatedProvider{release: make(chan error, 8), streams: make(chan media.Stream, 8)}
}

func (p *gatedProvider) GetLocalStream(ctx context.Context, _ media.Constraints) (media.Stream, error) {
	select {
	case err := <-p.release:
		if err != nil {
			return nil, err
		}
		s := &trackedStream{id: uuid.NewString()}
		p.streams <- s
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type trackedStream struct {
	id string

	mu     sync.Mutex
	closed bool
}

func (s *trackedStream) ID() string                  { return s.id }
func (s *trackedStream) Tracks() []webrtc.TrackLocal { return nil }
func (s *trackedStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *trackedStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// harness runs a coordinator over fakes.
type harness struct {
	c       *Coordinator
	sig     *fakeSignaler
	factory *fakeFactory
	errs    chan error
	states  chan State
	done    chan error
	cancel  context.CancelFunc
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()

	h := &harness{
		sig:     newFakeSignaler(),
		factory: &fakeFactory{},
		errs:    make(chan error, 1024),
		states:  make(chan State, 1024),
		done:    make(chan error, 1),
	}
	opts := Options{
		ID:        "42",
		Transport: func(l signaling.Listener) Signaler { h.sig.listener = l; return h.sig },
		Sessions:  h.factory.create,
		OnError: func(err error) {
			select {
			case h.errs <- err:
			default:
			}
		},
		OnStateChange: func(_, next State) {
			select {
			case h.states <- next:
			default:
			}
		},
	}
	if configure != nil {
		configure(&opts)
	}

	c, err := New(opts)
	require.NoError(t, err)
	h.c = c

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})

	h.waitState(t, StateConnecting)
	return h
}

// frame delivers an inbound frame and waits until it has been processed.
func (h *harness) frame(t *testing.T, raw string) {
	t.Helper()
	h.sig.listener.OnMessage(raw)
	h.sync(t)
}

// sync waits until every event posted so far has been handled.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	h.c.post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not drain its queue")
	}
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case s := <-h.states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("state %s not reached (now %s)", want, h.c.State())
		}
	}
}

// register walks the coordinator through HELLO → AwaitingOffer.
func (h *harness) register(t *testing.T) {
	t.Helper()
	h.sig.listener.OnOpen()
	h.frame(t, "HELLO")
	require.Equal(t, StateAwaitingOffer, h.c.State())
}

func offerFrame(sdp string) string {
	return fmt.Sprintf(`{"sdp":{"type":"offer","sdp":%q}}`, sdp)
}

func answerFrame(sdp string) string {
	return fmt.Sprintf(`{"sdp":{"type":"answer","sdp":%q}}`, sdp)
}

func iceFrame(candidate string) string {
	return fmt.Sprintf(`{"ice":{"candidate":%q,"sdpMid":"0","sdpMLineIndex":0}}`, candidate)
}
