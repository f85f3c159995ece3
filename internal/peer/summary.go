package peer

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// Summary is a short description of a session description's media sections.
type Summary struct {
	Type  webrtc.SDPType
	Media []string // "video/sendrecv", "application", ...
}

func (s Summary) String() string {
	if len(s.Media) == 0 {
		return fmt.Sprintf("%s (no media)", s.Type)
	}
	return fmt.Sprintf("%s [%s]", s.Type, strings.Join(s.Media, ", "))
}

// Summarize parses desc and lists its media sections with their direction.
func Summarize(desc webrtc.SessionDescription) (Summary, error) {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return Summary{Type: desc.Type}, fmt.Errorf("failed to parse %s: %w", desc.Type, err)
	}

	out := Summary{Type: desc.Type}
	for _, md := range parsed.MediaDescriptions {
		entry := md.MediaName.Media
		for _, dir := range []string{"sendrecv", "sendonly", "recvonly", "inactive"} {
			if _, ok := md.Attribute(dir); ok {
				entry += "/" + dir
				break
			}
		}
		out.Media = append(out.Media, entry)
	}
	return out, nil
}
