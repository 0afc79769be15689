// Package negotiate drives the offer/answer handshake and candidate
// exchange for one call attempt through the shared signaling store.
package negotiate

import (
	"github.com/pion/webrtc/v4"

	"github.com/fightdeck/peercall/internal/media"
	"github.com/fightdeck/peercall/internal/transport"
)

// Peer is the surface the engine needs from the connection session. It is
// satisfied by *transport.Session; tests substitute an in-process pair.
type Peer interface {
	// AttachLocal adds the local tracks and transfers stream ownership to
	// the peer: closing the peer releases the stream.
	AttachLocal(stream *media.Stream) error

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sdp webrtc.SessionDescription) error
	SetRemoteDescription(sdp webrtc.SessionDescription) error

	// OnICECandidate registers the local candidate observer. A nil candidate
	// signals the end of gathering.
	OnICECandidate(fn func(*webrtc.ICECandidate))
	// AddICECandidate feeds a remote candidate, tolerating delivery before
	// the remote description is applied.
	AddICECandidate(init webrtc.ICECandidateInit) error

	OnRemoteStream(fn func(*transport.RemoteStream))
	OnStateChange(fn func(webrtc.PeerConnectionState))

	Close() error
}

var _ Peer = (*transport.Session)(nil)
