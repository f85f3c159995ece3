package peer

import (
	"fmt"

	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/util"
)

// DataChannelLabel is the label of the channel every session opens eagerly.
const DataChannelLabel = "label"

// Config carries the per-process peer connection settings.
type Config struct {
	ICEServers         []string
	MDNS               bool // gather and resolve .local candidates
	LoopbackCandidates bool // include 127.0.0.1 host candidates (same-host runs)
}

// newAPI builds a webrtc API with the default codecs and interceptors, pion
// logs routed through the shared logger, and the ICE options from cfg.
func newAPI(cfg Config) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: util.PionLoggerFactory{}}
	if cfg.MDNS {
		se.SetICEMulticastDNSMode(ice.MulticastDNSModeQueryAndGather)
	} else {
		se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	}
	se.SetIncludeLoopbackCandidate(cfg.LoopbackCandidates)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	), nil
}

// newPeerConnection creates a PeerConnection using the configured STUN servers.
func newPeerConnection(cfg Config) (*webrtc.PeerConnection, error) {
	api, err := newAPI(cfg)
	if err != nil {
		return nil, err
	}

	config := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	return api.NewPeerConnection(config)
}

// newDataChannel creates the session's ordered, in-band negotiated channel.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	return pc.CreateDataChannel(DataChannelLabel, nil)
}
