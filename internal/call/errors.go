package call

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Sentinel failures of a call attempt. All of them are local to the one
// attempt; none corrupts anything beyond its own session descriptor.
var (
	// ErrMissingOffer means the callee started answering before the caller's
	// offer reached the descriptor. Transient — re-accepting may succeed.
	ErrMissingOffer = errors.New("call: descriptor has no offer yet")

	// ErrDeclined means the descriptor disappeared before an answer arrived:
	// the other side declined or hung up during ringing.
	ErrDeclined = errors.New("call: declined by remote party")

	// ErrNegotiateTimeout means the configured negotiation deadline passed
	// without the transport connecting.
	ErrNegotiateTimeout = errors.New("call: negotiation timed out")
)

// MediaError reports that the local camera/microphone could not be acquired.
// User-correctable; the attempt aborts without touching the remote side.
type MediaError struct {
	Kind MediaKind
	Err  error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("call: acquire %s media: %v", e.Kind, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }

// SignalingError reports a failed read or write against the signaling store.
// The engine never retries; recovery is a fresh attempt.
type SignalingError struct {
	Op  string // the operation that failed, e.g. "write offer"
	Key string // the document key or collection prefix involved
	Err error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("call: signaling %s (%s): %v", e.Op, e.Key, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }

// TransportError reports that the peer transport reached a state it does not
// recover from. No automatic reconnection is attempted.
type TransportError struct {
	State webrtc.PeerConnectionState
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("call: transport %s", e.State)
}
