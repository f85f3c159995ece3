package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/util"
)

// Default capture properties for video devices.
const (
	defaultWidth     = 640
	defaultHeight    = 480
	defaultFrameRate = 30
)

// Devices is a Provider backed by the capture drivers registered with
// pion/mediadevices. Drivers are registered by blank imports in the binary;
// with none registered every request fails with ErrNoCaptureDevice.
type Devices struct {
	codecs *mediadevices.CodecSelector

	// Overridable for tests.
	enumerate    func() []mediadevices.MediaDeviceInfo
	getUserMedia func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
}

var _ Provider = (*Devices)(nil)

// NewDevices creates a provider that encodes captured tracks with the given
// codec selector. A nil selector means no encoders are available.
func NewDevices(codecs *mediadevices.CodecSelector) *Devices {
	if codecs == nil {
		codecs = mediadevices.NewCodecSelector()
	}
	return &Devices{
		codecs:       codecs,
		enumerate:    mediadevices.EnumerateDevices,
		getUserMedia: mediadevices.GetUserMedia,
	}
}

// Probe reports whether a capture device exists for every requested kind.
func (d *Devices) Probe(c Constraints) error {
	if !c.Video && !c.Audio {
		return ErrNothingRequested
	}

	var haveVideo, haveAudio bool
	for _, info := range d.enumerate() {
		switch info.Kind {
		case mediadevices.VideoInput:
			if c.DeviceID == "" || info.DeviceID == c.DeviceID {
				haveVideo = true
			}
		case mediadevices.AudioInput:
			haveAudio = true
		}
	}

	var errs []error
	if c.Video && !haveVideo {
		errs = append(errs, fmt.Errorf("%w: video", ErrNoCaptureDevice))
	}
	if c.Audio && !haveAudio {
		errs = append(errs, fmt.Errorf("%w: audio", ErrNoCaptureDevice))
	}
	return errors.Join(errs...)
}

// GetLocalStream probes the devices and opens them. The open runs in the
// background; if ctx ends first the late stream is released.
func (d *Devices) GetLocalStream(ctx context.Context, c Constraints) (Stream, error) {
	if err := d.Probe(c); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: d.codecs}
	if c.Video {
		constraints.Video = func(tc *mediadevices.MediaTrackConstraints) {
			if c.DeviceID != "" {
				tc.DeviceID = prop.String(c.DeviceID)
			}
			tc.Width = prop.Int(defaultWidth)
			tc.Height = prop.Int(defaultHeight)
			tc.FrameRate = prop.Float(defaultFrameRate)
		}
	}
	if c.Audio {
		constraints.Audio = func(tc *mediadevices.MediaTrackConstraints) {}
	}

	type result struct {
		ms  mediadevices.MediaStream
		err error
	}
	done := make(chan result, 1)
	go func() {
		ms, err := d.getUserMedia(constraints)
		done <- result{ms, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to open capture devices: %w", r.err)
		}
		return newDeviceStream(r.ms), nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				newDeviceStream(r.ms).Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// deviceStream adapts a mediadevices stream.
type deviceStream struct {
	ms     mediadevices.MediaStream
	tracks []mediadevices.Track
	once   sync.Once
}

func newDeviceStream(ms mediadevices.MediaStream) *deviceStream {
	return &deviceStream{ms: ms, tracks: ms.GetTracks()}
}

func (s *deviceStream) ID() string {
	if len(s.tracks) == 0 {
		return ""
	}
	return s.tracks[0].StreamID()
}

func (s *deviceStream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *deviceStream) Close() error {
	var errs []error
	s.once.Do(func() {
		for _, t := range s.tracks {
			if err := t.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		util.LogDebug("released capture stream (%d tracks)", len(s.tracks))
	})
	return errors.Join(errs...)
}
