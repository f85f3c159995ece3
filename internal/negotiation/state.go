package negotiation

import (
	"math/rand/v2"
	"strconv"
)

// State is the coordinator's negotiation state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateRegistered
	StateAwaitingOffer
	StateNegotiating
	StateActive
	StateClosing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateAwaitingOffer:
		return "awaiting-offer"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// CallIdentity is the identifier this client registers with.
type CallIdentity string

// Random identities are drawn from [minCallID, maxCallID).
const (
	minCallID = 10
	maxCallID = 9000
)

// NewCallIdentity returns a random identity in [10, 9000).
func NewCallIdentity() CallIdentity {
	return CallIdentity(strconv.Itoa(minCallID + rand.IntN(maxCallID-minCallID)))
}
