package media

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Static is a Provider that serves prebuilt tracks, e.g. synthetic sources
// written by the caller. A non-nil Err is returned instead of a stream.
type Static struct {
	Tracks []webrtc.TrackLocal
	Err    error
}

var _ Provider = (*Static)(nil)

// GetLocalStream returns a stream over the configured tracks.
func (s *Static) GetLocalStream(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}
	if !c.Video && !c.Audio {
		return nil, ErrNothingRequested
	}

	var tracks []webrtc.TrackLocal
	for _, t := range s.Tracks {
		switch t.Kind() {
		case webrtc.RTPCodecTypeVideo:
			if c.Video {
				tracks = append(tracks, t)
			}
		case webrtc.RTPCodecTypeAudio:
			if c.Audio {
				tracks = append(tracks, t)
			}
		}
	}
	if len(tracks) == 0 {
		return nil, ErrNoCaptureDevice
	}
	return &staticStream{id: uuid.NewString(), tracks: tracks}, nil
}

type staticStream struct {
	id     string
	tracks []webrtc.TrackLocal

	closed atomic.Bool
}

func (s *staticStream) ID() string                  { return s.id }
func (s *staticStream) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *staticStream) Close() error {
	s.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (s *staticStream) Closed() bool { return s.closed.Load() }
