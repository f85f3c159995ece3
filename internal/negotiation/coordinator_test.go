package negotiation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/protocol"
	"github.com/1ureka/peercall/internal/signaling"
)

type callRecorder chan string

func (c callRecorder) StartCall(_ context.Context, peerID string) error {
	c <- peerID
	return nil
}

func TestNewCallIdentityRange(t *testing.T) {
	for range 1000 {
		id := NewCallIdentity()
		n := 0
		for _, r := range id {
			require.True(t, r >= '0' && r <= '9', id)
			n = n*10 + int(r-'0')
		}
		require.GreaterOrEqual(t, n, minCallID)
		require.Less(t, n, maxCallID)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	_, err = New(Options{Transport: func(signaling.Listener) Signaler { return newFakeSignaler() }})
	require.Error(t, err)
}

// TestRegistration verifies that the HELLO ack resets the attempt counter,
// requests the call and moves to AwaitingOffer.
func TestRegistration(t *testing.T) {
	calls := make(callRecorder, 1)
	h := newHarness(t, func(o *Options) { o.Calls = calls })

	h.register(t)

	connects, _, resets := h.sig.counts()
	require.Equal(t, 1, connects)
	require.Equal(t, 1, resets)
	require.Equal(t, "42", <-calls)

	// A second ack is not a new registration.
	h.frame(t, "HELLO")
	_, _, resets = h.sig.counts()
	require.Equal(t, 1, resets)
}

// TestOfferRequest covers the caller path: OFFER_REQUEST creates a session
// and sends an offer, followed by the candidates queued meanwhile in order.
func TestOfferRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.factory.queued = []webrtc.ICECandidateInit{{Candidate: "c1"}, {Candidate: "c2"}}
	h.register(t)

	h.frame(t, "OFFER_REQUEST")
	require.Equal(t, StateNegotiating, h.c.State())

	msg := h.sig.next(t, protocol.KindDescription)
	require.Equal(t, webrtc.SDPTypeOffer, msg.Description.Type)

	require.Equal(t, "c1", h.sig.next(t, protocol.KindCandidate).Candidate.Candidate)
	require.Equal(t, "c2", h.sig.next(t, protocol.KindCandidate).Candidate.Candidate)

	// Candidates gathered later are forwarded directly.
	s := h.factory.last(t)
	s.h.OnLocalCandidate(webrtc.ICECandidateInit{Candidate: "c3"})
	require.Equal(t, "c3", h.sig.next(t, protocol.KindCandidate).Candidate.Candidate)

	h.frame(t, answerFrame("remote-answer"))
	require.Equal(t, StateActive, h.c.State())
	require.Equal(t, "remote-answer", s.remote.SDP)
}

// TestOfferWithoutSession covers the responder path: an offer with no live
// session seeds a new one and is answered.
func TestOfferWithoutSession(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t)

	h.frame(t, offerFrame("remote-offer"))
	require.Equal(t, StateNegotiating, h.c.State())

	s := h.factory.last(t)
	require.Equal(t, webrtc.SDPTypeOffer, s.remote.Type)

	msg := h.sig.next(t, protocol.KindDescription)
	require.Equal(t, webrtc.SDPTypeAnswer, msg.Description.Type)
	require.Equal(t, "answer-"+s.ID(), msg.Description.SDP)

	s.h.OnConnectionState(webrtc.PeerConnectionStateConnected)
	h.waitState(t, StateActive)
}

// TestCandidatesBeforeSession verifies that remote candidates arriving ahead
// of any session are buffered and handed to the session the next offer
// creates, in arrival order.
func TestCandidatesBeforeSession(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t)

	h.frame(t, iceFrame("candidate:1"))
	h.frame(t, iceFrame("candidate:2"))
	created, _, _ := h.factory.stats()
	require.Zero(t, created)

	h.frame(t, offerFrame("remote-offer"))
	require.Equal(t, []string{"candidate:1", "candidate:2"}, h.factory.last(t).remoteCandidates())
	require.Empty(t, h.errs)

	h.frame(t, iceFrame("candidate:3"))
	require.Equal(t, []string{"candidate:1", "candidate:2", "candidate:3"}, h.factory.last(t).remoteCandidates())
}

// TestRemoteErrorFrame verifies that an ERROR frame discards the session and
// forces the transport closed; the resulting close returns to Idle.
func TestRemoteErrorFrame(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t)
	h.frame(t, "OFFER_REQUEST")
	s := h.factory.last(t)

	h.frame(t, "ERROR: bad peer")
	require.ErrorIs(t, <-h.errs, protocol.ErrRemote)
	require.True(t, s.isClosed())
	require.Equal(t, StateClosing, h.c.State())
	_, closes, _ := h.sig.counts()
	require.Equal(t, 1, closes)

	h.sig.listener.OnClose(nil)
	h.sync(t)
	require.Equal(t, StateIdle, h.c.State())

	// The transport reconnects on its own; the coordinator registers again.
	h.sig.listener.OnOpen()
	h.sync(t)
	require.Equal(t, StateConnecting, h.c.State())
	h.frame(t, "HELLO")
	require.Equal(t, StateAwaitingOffer, h.c.State())
}

func TestProtocolFaults(t *testing.T) {
	testCases := []struct {
		name  string
		frame string
		want  error
	}{
		{"invalid json", "{not json", protocol.ErrMalformedFrame},
		{"plain text", "GOODBYE", protocol.ErrMalformedFrame},
		{"unknown shape", `{"bye":true}`, protocol.ErrUnknownShape},
		{"error with json body", `ERROR {"sdp":{"type":"offer","sdp":"x"}}`, protocol.ErrRemote},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.register(t)
			h.frame(t, offerFrame("remote-offer"))
			s := h.factory.last(t)

			h.frame(t, tc.frame)
			require.ErrorIs(t, <-h.errs, tc.want)
			require.True(t, s.isClosed())
			require.Equal(t, StateClosing, h.c.State())
			_, closes, _ := h.sig.counts()
			require.Equal(t, 1, closes)
		})
	}
}

// TestStrayAnswer verifies that answers the negotiation cannot use are
// surfaced as out-of-order and otherwise ignored.
func TestStrayAnswer(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t)

	h.frame(t, answerFrame("stray"))
	require.ErrorIs(t, <-h.errs, ErrOutOfOrder)
	created, _, _ := h.factory.stats()
	require.Zero(t, created)
	require.Equal(t, StateAwaitingOffer, h.c.State())

	// After answering a remote offer there is no local offer to match.
	h.frame(t, offerFrame("remote-offer"))
	h.sig.next(t, protocol.KindDescription)
	h.frame(t, answerFrame("stray"))
	require.ErrorIs(t, <-h.errs, ErrOutOfOrder)
	require.Equal(t, webrtc.SDPTypeOffer, h.factory.last(t).remote.Type)
}

// TestSingleSession injects out-of-order offer/answer/ice sequences and
// checks that no two sessions are ever alive together.
func TestSingleSession(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t)

	frames := []string{
		iceFrame("candidate:1"),
		answerFrame("a0"),
		"OFFER_REQUEST",
		offerFrame("o1"),
		"OFFER_REQUEST",
		iceFrame("candidate:2"),
		answerFrame("a1"),
		offerFrame("o2"),
		"OFFER_REQUEST",
		answerFrame("a2"),
		answerFrame("a3"),
		iceFrame("candidate:3"),
		"OFFER_REQUEST",
	}
	for _, f := range frames {
		h.frame(t, f)
		_, live, _ := h.factory.stats()
		require.LessOrEqual(t, live, 1, f)
	}

	created, live, maxLive := h.factory.stats()
	require.Equal(t, 4, created)
	require.Equal(t, 1, live)
	require.Equal(t, 1, maxLive)
}

// TestTransportCloseDiscardsSession verifies that losing the signaling
// connection mid-negotiation discards the session and waits for the
// transport's reconnection.
func TestTransportCloseDiscardsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t)
	h.frame(t, offerFrame("remote-offer"))
	s := h.factory.last(t)

	h.sig.listener.OnClose(errors.New("connection reset"))
	h.sync(t)
	require.True(t, s.isClosed())
	require.Equal(t, StateConnecting, h.c.State())

	// Events from the discarded session are ignored.
	s.h.OnLocalCandidate(webrtc.ICECandidateInit{Candidate: "late"})
	s.h.OnConnectionState(webrtc.PeerConnectionStateConnected)
	h.sync(t)
	require.Equal(t, StateConnecting, h.c.State())
	for len(h.sig.sent) > 0 {
		require.NotEqual(t, protocol.KindCandidate, (<-h.sig.sent).Kind)
	}
}

func TestGiveUpFails(t *testing.T) {
	h := newHarness(t, nil)

	h.sig.listener.OnGiveUp(signaling.ErrTooManyAttempts)
	select {
	case err := <-h.done:
		require.ErrorIs(t, err, signaling.ErrTooManyAttempts)
		h.done <- err // for cleanup
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	require.Equal(t, StateFailed, h.c.State())
	require.True(t, h.c.TearingDown())
}

func TestShutdownStopsTransport(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t)
	h.frame(t, "OFFER_REQUEST")
	s := h.factory.last(t)

	h.cancel()
	require.NoError(t, <-h.done)
	h.done <- nil // for cleanup

	require.True(t, s.isClosed())
	require.True(t, h.c.TearingDown())
	h.sig.mu.Lock()
	require.True(t, h.sig.stopped)
	h.sig.mu.Unlock()
}

// TestFramesDeferredWhileAwaitingMedia verifies that structured frames that
// arrive while local media is pending are replayed in order afterwards.
func TestFramesDeferredWhileAwaitingMedia(t *testing.T) {
	provider := newGatedProvider()
	h := newHarness(t, func(o *Options) {
		o.Media = provider
		o.Constraints = media.Constraints{Video: true}
	})
	h.register(t)

	h.frame(t, "OFFER_REQUEST")
	h.frame(t, iceFrame("candidate:1"))
	h.frame(t, iceFrame("candidate:2"))

	s := h.factory.last(t)
	require.Empty(t, s.remoteCandidates())
	require.Nil(t, s.LocalDescription())

	provider.release <- nil
	msg := h.sig.next(t, protocol.KindDescription)
	require.Equal(t, webrtc.SDPTypeOffer, msg.Description.Type)

	h.sync(t)
	require.Equal(t, []string{"candidate:1", "candidate:2"}, s.remoteCandidates())
	require.NotNil(t, s.stream)
}

// TestMediaFailureIsNotFatal verifies that a missing capture device leaves a
// data-only negotiation.
func TestMediaFailureIsNotFatal(t *testing.T) {
	provider := newGatedProvider()
	h := newHarness(t, func(o *Options) {
		o.Media = provider
		o.Constraints = media.Constraints{Video: true}
	})
	h.register(t)

	h.frame(t, offerFrame("remote-offer"))
	provider.release <- media.ErrNoCaptureDevice

	msg := h.sig.next(t, protocol.KindDescription)
	require.Equal(t, webrtc.SDPTypeAnswer, msg.Description.Type)
	require.ErrorIs(t, <-h.errs, media.ErrNoCaptureDevice)
	require.Equal(t, StateNegotiating, h.c.State())
}

// TestStaleMediaReleased verifies that media resolving after its session was
// discarded is released and not attached.
func TestStaleMediaReleased(t *testing.T) {
	provider := newGatedProvider()
	h := newHarness(t, func(o *Options) {
		o.Media = provider
		o.Constraints = media.Constraints{Video: true}
	})
	h.register(t)

	h.frame(t, "OFFER_REQUEST")
	first := h.factory.last(t)
	h.frame(t, "ERROR: peer left")
	require.True(t, first.isClosed())

	provider.release <- nil
	stream := (<-provider.streams).(*trackedStream)
	require.Eventually(t, stream.isClosed, 5*time.Second, 10*time.Millisecond)

	h.sync(t)
	require.Nil(t, first.stream)
	require.Empty(t, h.sig.sent)
}

func TestDataMessageReply(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.OnDataMessage = func(label string, data []byte, reply func([]byte) error) {
			_ = reply([]byte("Hi! (from browser)"))
		}
	})
	h.register(t)
	h.frame(t, offerFrame("remote-offer"))
	s := h.factory.last(t)

	s.h.OnDataChannelMessage("label", []byte("Hi!"))
	h.sync(t)

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Equal(t, [][]byte{[]byte("Hi! (from browser)")}, s.sentData)
}
