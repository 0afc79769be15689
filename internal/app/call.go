package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/fightdeck/peercall/internal/call"
	"github.com/fightdeck/peercall/internal/media"
	"github.com/fightdeck/peercall/internal/negotiate"
	"github.com/fightdeck/peercall/internal/store"
	"github.com/fightdeck/peercall/internal/transport"
	"github.com/fightdeck/peercall/internal/util"
)

// State is the user-visible lifecycle of one call attempt.
type State int

const (
	StateIdle State = iota
	StateRequestingMedia
	StateNegotiating
	StateConnected
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestingMedia:
		return "requesting-media"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// terminal reports whether no further transition may leave s.
func (s State) terminal() bool { return s == StateEnded || s == StateFailed }

// Call is the handle for one call attempt. All three event sources (transport
// callbacks, store change feeds, user actions) funnel into guarded state
// transitions here, so duplicate or out-of-order events degrade to no-ops
// instead of corrupting the call.
type Call struct {
	rec     *call.Record
	st      store.Store
	created bool // this side wrote the descriptor

	mu          sync.Mutex
	state       State
	reason      error
	torn        bool
	transportUp bool
	muted       bool
	videoOff    bool
	local       *media.Stream
	remote      *transport.RemoteStream
	onState     []func(State)
	onLocal     []func(*media.Stream)
	onRemote    []func(*transport.RemoteStream)

	peer   negotiate.Peer
	engine *negotiate.Engine
	cancel context.CancelFunc
	timer  *time.Timer

	delOnce sync.Once
}

func newCall(rec *call.Record, st store.Store, created bool) *Call {
	return &Call{rec: rec, st: st, created: created, state: StateIdle}
}

// Record returns the session descriptor this call was built from.
func (c *Call) Record() *call.Record { return c.rec }

// State returns the current lifecycle state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reason returns the terminal failure cause, nil unless State is failed.
func (c *Call) Reason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// StatusText returns the human-readable status driven off the state machine,
// distinguishing a device problem from a connection problem on failure.
func (c *Call) StatusText() string {
	c.mu.Lock()
	state, reason := c.state, c.reason
	c.mu.Unlock()

	switch state {
	case StateIdle:
		return "Starting…"
	case StateRequestingMedia:
		return "Requesting camera/microphone…"
	case StateNegotiating:
		return "Connecting…"
	case StateConnected:
		return "Connected"
	case StateEnded:
		return "Call ended"
	}

	var mediaErr *call.MediaError
	switch {
	case errors.As(reason, &mediaErr):
		return "Could not access camera/microphone"
	case errors.Is(reason, call.ErrDeclined):
		return "Call declined"
	case errors.Is(reason, call.ErrMissingOffer):
		return "Call is not ready yet — try accepting again"
	case errors.Is(reason, call.ErrNegotiateTimeout):
		return "Connection timed out"
	default:
		return "Connection failed. Please try again."
	}
}

// OnState registers fn for state transitions and fires it with the current
// state right away.
func (c *Call) OnState(fn func(State)) {
	c.mu.Lock()
	c.onState = append(c.onState, fn)
	state := c.state
	c.mu.Unlock()
	fn(state)
}

// OnLocalStream registers fn for the local stream, firing immediately if the
// stream is already available.
func (c *Call) OnLocalStream(fn func(*media.Stream)) {
	c.mu.Lock()
	c.onLocal = append(c.onLocal, fn)
	local := c.local
	c.mu.Unlock()
	if local != nil {
		fn(local)
	}
}

// OnRemoteStream registers fn for the remote stream, firing immediately if
// the stream already arrived.
func (c *Call) OnRemoteStream(fn func(*transport.RemoteStream)) {
	c.mu.Lock()
	c.onRemote = append(c.onRemote, fn)
	remote := c.remote
	c.mu.Unlock()
	if remote != nil {
		fn(remote)
	}
}

// trackToggler is implemented by transports that can pause a local track
// without renegotiation.
type trackToggler interface {
	SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error
}

// ToggleMute flips the local audio track and reports the new muted state
// (true = muted).
func (c *Call) ToggleMute() bool {
	return c.toggleTrack(webrtc.RTPCodecTypeAudio, &c.muted)
}

// ToggleCamera flips the local video track and reports the new disabled
// state (true = disabled).
func (c *Call) ToggleCamera() bool {
	return c.toggleTrack(webrtc.RTPCodecTypeVideo, &c.videoOff)
}

func (c *Call) toggleTrack(kind webrtc.RTPCodecType, off *bool) bool {
	c.mu.Lock()
	*off = !*off
	disabled := *off
	peer := c.peer
	c.mu.Unlock()

	if toggler, ok := peer.(trackToggler); ok {
		if err := toggler.SetTrackEnabled(kind, !disabled); err != nil {
			util.LogWarning("call %s: toggle %s: %v", c.rec.CallID, kind, err)
		}
	}
	util.LogDebug("call %s: %s disabled=%v", c.rec.CallID, kind, disabled)
	return disabled
}

// End hangs up: stops local media, closes the transport, deletes the session
// descriptor. Safe to invoke from any state, including mid-negotiation, and
// idempotent — a second End finds the torn-down flag set and returns.
func (c *Call) End() {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	c.torn = true
	c.mu.Unlock()

	c.setState(StateEnded)
	c.teardown(true)
}

// ---------------------------------------------------------------------------
// Internal transitions
// ---------------------------------------------------------------------------

// setState performs a guarded transition: once a terminal state is reached,
// every further transition is a no-op.
func (c *Call) setState(to State) {
	c.mu.Lock()
	if c.state.terminal() || c.state == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	handlers := make([]func(State), len(c.onState))
	copy(handlers, c.onState)
	c.mu.Unlock()

	util.LogDebug("call %s: state %s", c.rec.CallID, to)
	for _, fn := range handlers {
		fn(to)
	}
}

// fail moves the call to the absorbing failed state and tears resources
// down. The descriptor is deleted only if this side created it, so a callee
// hitting a transient failure can re-accept the still-ringing call.
func (c *Call) fail(reason error) {
	c.mu.Lock()
	if c.state.terminal() {
		c.mu.Unlock()
		return
	}
	c.state = StateFailed
	c.reason = reason
	handlers := make([]func(State), len(c.onState))
	copy(handlers, c.onState)
	c.mu.Unlock()

	util.LogWarning("call %s: failed: %v", c.rec.CallID, reason)
	util.Stats.AddFailed()
	for _, fn := range handlers {
		fn(StateFailed)
	}
	c.teardown(c.created)
}

// teardown walks the acquired resources in reverse order: timer, store
// subscriptions, transport (which releases the local stream), then — when
// deleteDoc — the descriptor. Every step is individually once-guarded, so
// overlapping fail/End sequences cannot double-release anything.
func (c *Call) teardown(deleteDoc bool) {
	c.mu.Lock()
	timer, engine, peer, cancel := c.timer, c.engine, c.peer, c.cancel
	c.timer, c.engine, c.peer, c.cancel = nil, nil, nil, nil
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if engine != nil {
		engine.Close()
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			util.LogDebug("call %s: close transport: %v", c.rec.CallID, err)
		}
	}
	if cancel != nil {
		cancel()
	}

	if deleteDoc {
		c.delOnce.Do(func() {
			// Best-effort: the call already ended from the user's point of
			// view, so a failed delete is logged, not retried or surfaced.
			if err := c.st.Delete(context.Background(), call.DocKey(c.rec.CallID)); err != nil {
				util.LogWarning("call %s: delete descriptor: %v", c.rec.CallID, err)
			}
		})
	}
}

// bindLocal records the acquired local stream; media is in hand, so the
// attempt moves on to negotiation.
func (c *Call) bindLocal(s *media.Stream) {
	c.mu.Lock()
	c.local = s
	handlers := make([]func(*media.Stream), len(c.onLocal))
	copy(handlers, c.onLocal)
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(s)
	}
	c.setState(StateNegotiating)
}

// bindRemote records the remote stream. The transport fires this exactly
// once per session.
func (c *Call) bindRemote(rs *transport.RemoteStream) {
	c.mu.Lock()
	c.remote = rs
	handlers := make([]func(*transport.RemoteStream), len(c.onRemote))
	copy(handlers, c.onRemote)
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(rs)
	}
	c.maybeConnected()
}

// handleTransportState reacts to transport transitions: connected feeds the
// connected gate, non-recovering states fail the call. Observational only —
// no renegotiation, no reconnection.
func (c *Call) handleTransportState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.mu.Lock()
		c.transportUp = true
		c.mu.Unlock()
		c.maybeConnected()

	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed:
		c.fail(&call.TransportError{State: state})

	case webrtc.PeerConnectionStateClosed:
		c.mu.Lock()
		torn := c.torn
		c.mu.Unlock()
		if !torn {
			c.fail(&call.TransportError{State: state})
		}
	}
}

// maybeConnected completes NEGOTIATING → CONNECTED once both gates are open:
// the transport reports connected and the remote media is bound.
func (c *Call) maybeConnected() {
	c.mu.Lock()
	ready := c.state == StateNegotiating && c.transportUp && c.remote != nil
	c.mu.Unlock()
	if ready {
		util.Stats.AddConnected()
		c.setState(StateConnected)
	}
}

// handleRemoteGone reacts to the descriptor disappearing: before the call is
// up that means declined; on a live call it is a remote hang-up.
func (c *Call) handleRemoteGone() {
	c.mu.Lock()
	connected := c.state == StateConnected
	c.mu.Unlock()

	if connected {
		c.End()
		return
	}
	c.fail(call.ErrDeclined)
}
