package signaling

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// LoopbackHost is the signaling host used when the client is not loaded from
// an HTTP origin (e.g. local file access).
const LoopbackHost = "127.0.0.1"

// ErrUnknownOrigin is a configuration error: the origin scheme gives no way
// to locate the signaling server. It is never retried.
var ErrUnknownOrigin = errors.New("don't know how to connect to the signaling server")

// ResolveEndpoint derives the signaling websocket URL from the client's
// origin. file origins map to LoopbackHost, http and https origins to their
// own hostname. A non-empty host overrides the derived host, but only after
// the origin has been classified: an unknown scheme is fatal either way.
func ResolveEndpoint(origin, host string, port int) (string, error) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return "", fmt.Errorf("%w: origin %q: %v", ErrUnknownOrigin, origin, err)
	}

	scheme := strings.ToLower(u.Scheme)

	var derived string
	switch {
	case strings.HasPrefix(scheme, "file"):
		derived = LoopbackHost
	case strings.HasPrefix(scheme, "http"):
		derived = u.Hostname()
	default:
		return "", fmt.Errorf("%w with uri %q", ErrUnknownOrigin, origin)
	}

	if host != "" {
		derived = host
	}
	if derived == "" {
		return "", fmt.Errorf("%w: origin %q has no hostname", ErrUnknownOrigin, origin)
	}
	if port < 1 || port > 65535 {
		return "", fmt.Errorf("invalid signaling port %d", port)
	}

	ws := url.URL{Scheme: "ws", Host: net.JoinHostPort(derived, strconv.Itoa(port))}
	return ws.String(), nil
}
