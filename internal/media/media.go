// Package media acquires local capture streams that a peer session can
// attach before it produces an offer or answer.
package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrNoCaptureDevice is returned when a requested media kind has no
	// capture device behind it. Sessions continue without local media.
	ErrNoCaptureDevice = errors.New("no capture device available")

	// ErrNothingRequested is returned when the constraints ask for neither
	// video nor audio.
	ErrNothingRequested = errors.New("no media kind requested")
)

// Constraints selects the media kinds to capture.
type Constraints struct {
	Video    bool
	Audio    bool
	DeviceID string // optional video device
}

// Stream is a set of local tracks acquired together.
type Stream interface {
	ID() string
	Tracks() []webrtc.TrackLocal

	// Close releases the underlying devices. It is safe to call more than once.
	Close() error
}

// Provider acquires local media. GetLocalStream may block until the devices
// are ready and must honour ctx cancellation.
type Provider interface {
	GetLocalStream(ctx context.Context, c Constraints) (Stream, error)
}
