package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// wireDescription mirrors the browser's RTCSessionDescriptionInit.
type wireDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// wireCandidate mirrors the browser's RTCIceCandidateInit. Unset optional
// members are omitted instead of being sent as null.
type wireCandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func toWireCandidate(c webrtc.ICECandidateInit) *wireCandidate {
	return &wireCandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func (w *wireCandidate) init() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        w.Candidate,
		SDPMid:           w.SDPMid,
		SDPMLineIndex:    w.SDPMLineIndex,
		UsernameFragment: w.UsernameFragment,
	}
}

// envelope is the JSON shape of structured frames. Pointers distinguish an
// absent or null member from an empty one.
type envelope struct {
	SDP *wireDescription `json:"sdp,omitempty"`
	ICE *wireCandidate   `json:"ice,omitempty"`
}

// Encode serializes a Message into a text frame.
func Encode(msg Message) (string, error) {
	switch msg.Kind {
	case KindHello:
		return TokenHello + " " + msg.PeerID, nil

	case KindHelloAck:
		return TokenHello, nil

	case KindOfferRequest:
		return TokenOfferRequest, nil

	case KindError:
		if !strings.HasPrefix(msg.Text, TokenError) {
			return TokenError + " " + msg.Text, nil
		}
		return msg.Text, nil

	case KindDescription:
		if msg.Description == nil {
			return "", fmt.Errorf("encode %s: missing description", msg.Kind)
		}
		data, err := json.Marshal(envelope{SDP: &wireDescription{
			Type: msg.Description.Type.String(),
			SDP:  msg.Description.SDP,
		}})
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", msg.Kind, err)
		}
		return string(data), nil

	case KindCandidate:
		if msg.Candidate == nil {
			return "", fmt.Errorf("encode %s: missing candidate", msg.Kind)
		}
		data, err := json.Marshal(envelope{ICE: toWireCandidate(*msg.Candidate)})
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", msg.Kind, err)
		}
		return string(data), nil

	default:
		return "", fmt.Errorf("encode: unknown message kind %d", msg.Kind)
	}
}

// Decode classifies an inbound text frame. Plain-text control strings are
// tested first, in priority order: exact "HELLO", prefix "ERROR", prefix
// "OFFER_REQUEST". Only then is the frame parsed as JSON.
//
// A frame that is not JSON at all yields ErrMalformedFrame; valid JSON with
// neither "sdp" nor "ice" yields ErrUnknownShape. An ERROR frame is not a
// decoding failure: it decodes to a KindError message.
func Decode(raw string) (Message, error) {
	switch {
	case raw == TokenHello:
		return Message{Kind: KindHelloAck}, nil
	case strings.HasPrefix(raw, TokenError):
		return Message{Kind: KindError, Text: raw}, nil
	case strings.HasPrefix(raw, TokenOfferRequest):
		return Message{Kind: KindOfferRequest}, nil
	}

	if !json.Valid([]byte(raw)) {
		return Message{}, fmt.Errorf("%w: error parsing incoming JSON: %s", ErrMalformedFrame, raw)
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// Valid JSON that does not fit the envelope: not an object, or a known
		// member with the wrong type.
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownShape, raw)
	}

	switch {
	case env.SDP != nil:
		typ := webrtc.NewSDPType(env.SDP.Type)
		if typ != webrtc.SDPTypeOffer && typ != webrtc.SDPTypeAnswer {
			return Message{}, fmt.Errorf("%w: unsupported description type %q", ErrMalformedFrame, env.SDP.Type)
		}
		return Description(webrtc.SessionDescription{Type: typ, SDP: env.SDP.SDP}), nil

	case env.ICE != nil:
		return Candidate(env.ICE.init()), nil

	default:
		return Message{}, fmt.Errorf("%w: unknown incoming JSON: %s", ErrUnknownShape, raw)
	}
}
