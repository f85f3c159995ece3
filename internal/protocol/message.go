// Package protocol defines the signaling frames exchanged with the relay and
// the remote media endpoint.
package protocol

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// Kind identifies the variant carried by a Message.
type Kind uint8

// Message kinds.
const (
	KindHello        Kind = iota + 1 // client → server registration: "HELLO <id>"
	KindHelloAck                     // server → client: "HELLO"
	KindOfferRequest                 // server → client: "OFFER_REQUEST"
	KindDescription                  // JSON {"sdp": {...}}
	KindCandidate                    // JSON {"ice": {...}}
	KindError                        // any frame starting with "ERROR"
)

// Control strings of the plain-text part of the wire protocol.
const (
	TokenHello        = "HELLO"
	TokenError        = "ERROR"
	TokenOfferRequest = "OFFER_REQUEST"
)

var (
	// ErrMalformedFrame is returned for a frame that is neither a known control
	// string nor valid JSON.
	ErrMalformedFrame = errors.New("malformed signaling frame")

	// ErrUnknownShape is returned for a frame that is valid JSON but carries
	// neither "sdp" nor "ice".
	ErrUnknownShape = errors.New("unknown signaling frame shape")

	// ErrRemote wraps an ERROR frame sent by the relay or the remote peer.
	ErrRemote = errors.New("remote signaling error")
)

// Message is a single signaling frame. Exactly one of the variant fields is
// meaningful, selected by Kind.
type Message struct {
	Kind        Kind
	PeerID      string                     // KindHello
	Description *webrtc.SessionDescription // KindDescription
	Candidate   *webrtc.ICECandidateInit   // KindCandidate
	Text        string                     // KindError, full frame text
}

// Hello builds the registration frame for the given call identity.
func Hello(peerID string) Message {
	return Message{Kind: KindHello, PeerID: peerID}
}

// Description builds a session description frame.
func Description(desc webrtc.SessionDescription) Message {
	return Message{Kind: KindDescription, Description: &desc}
}

// Candidate builds an ICE candidate frame.
func Candidate(init webrtc.ICECandidateInit) Message {
	return Message{Kind: KindCandidate, Candidate: &init}
}

// ErrorFrame builds an ERROR frame with the given detail.
func ErrorFrame(detail string) Message {
	return Message{Kind: KindError, Text: TokenError + " " + detail}
}

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindHelloAck:
		return "hello-ack"
	case KindOfferRequest:
		return "offer-request"
	case KindDescription:
		return "sdp"
	case KindCandidate:
		return "ice"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}
