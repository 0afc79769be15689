package transport

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// newPeerConnection creates a PeerConnection configured with the given STUN
// servers and a media engine populated by the acquirer that supplies the
// local tracks. No TURN — calls are designed for direct P2P connectivity.
func newPeerConnection(stunServers []string, populate func(*webrtc.MediaEngine) error) (*webrtc.PeerConnection, error) {
	engine := &webrtc.MediaEngine{}
	if populate != nil {
		if err := populate(engine); err != nil {
			return nil, fmt.Errorf("populate media engine: %w", err)
		}
	} else if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(engine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(engine),
		webrtc.WithInterceptorRegistry(registry),
	)

	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	})
}
