package negotiate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/fightdeck/peercall/internal/call"
	"github.com/fightdeck/peercall/internal/media"
	"github.com/fightdeck/peercall/internal/store"
	"github.com/fightdeck/peercall/internal/transport"
	"github.com/fightdeck/peercall/internal/util"
)

// Events are the engine's notifications to its owner. Any field may be nil.
// RemoteGone fires when the session descriptor disappears from the store —
// the other side declined or hung up.
type Events struct {
	LocalStream  func(*media.Stream)
	RemoteStream func(*transport.RemoteStream)
	State        func(webrtc.PeerConnectionState)
	RemoteGone   func()
}

// Engine executes the handshake protocol of one call attempt for one side.
// The role is fixed at construction by comparing the local identity with the
// descriptor's caller; a new attempt needs a new engine.
type Engine struct {
	peer Peer
	st   store.Store
	acq  media.Acquirer
	rec  *call.Record
	role Role
	ev   Events

	out *call.CandidateWriter
	in  *call.CandidateFeed

	outbox chan webrtc.ICECandidateInit

	mu       sync.Mutex
	answered bool
	cancels  []func()
}

// New builds an engine for the given descriptor and local identity.
func New(peer Peer, st store.Store, acq media.Acquirer, rec *call.Record, localID string, ev Events) (*Engine, error) {
	role, err := RoleFor(localID, rec)
	if err != nil {
		return nil, err
	}
	return &Engine{
		peer:   peer,
		st:     st,
		acq:    acq,
		rec:    rec,
		role:   role,
		ev:     ev,
		out:    call.NewCandidateWriter(st, role.Outbound(rec)),
		in:     call.NewCandidateFeed(st, role.Inbound(rec)),
		outbox: make(chan webrtc.ICECandidateInit, 64),
	}, nil
}

// Role returns the side this engine plays.
func (e *Engine) Role() Role { return e.role }

// Begin runs the setup sequence: observers first (so no transport event can
// be missed), then local media, then the role-specific description exchange,
// then the candidate subscriptions. It returns once the local side's
// signaling writes are done; connection establishment continues through the
// registered observers.
//
// On error the caller owns cleanup: close the peer (which releases any
// attached stream) and call Close to drop the subscriptions.
func (e *Engine) Begin(ctx context.Context) error {
	// 1. Observers, before any network or device activity.
	e.peer.OnRemoteStream(func(rs *transport.RemoteStream) {
		if e.ev.RemoteStream != nil {
			e.ev.RemoteStream(rs)
		}
	})
	e.peer.OnStateChange(func(state webrtc.PeerConnectionState) {
		if e.ev.State != nil {
			e.ev.State(state)
		}
	})
	e.peer.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		select {
		case e.outbox <- c.ToJSON():
		default:
			util.LogWarning("negotiate: outbound candidate queue full, dropping")
		}
	})
	go e.pumpCandidates(ctx)

	// 2. Local media, attached before negotiation so the descriptions cover
	// the tracks.
	stream, err := e.acq.Acquire(e.rec.Kind)
	if err != nil {
		return &call.MediaError{Kind: e.rec.Kind, Err: err}
	}
	if err := e.peer.AttachLocal(stream); err != nil {
		stream.Close()
		return fmt.Errorf("negotiate: attach local tracks: %w", err)
	}
	if e.ev.LocalStream != nil {
		e.ev.LocalStream(stream)
	}

	// 3. Role-specific description exchange.
	if err := e.role.begin(ctx, e); err != nil {
		return err
	}

	// 4. Descriptor watch + inbound candidate feed. The description write
	// above always precedes these subscriptions.
	key := call.DocKey(e.rec.CallID)
	cancelDoc, err := e.st.SubscribeDocument(key, e.handleDescriptor)
	if err != nil {
		return &call.SignalingError{Op: "subscribe descriptor", Key: key, Err: err}
	}
	e.addCancel(cancelDoc)

	cancelFeed, err := e.in.Subscribe(e.handleRemoteCandidate)
	if err != nil {
		return err
	}
	e.addCancel(cancelFeed)

	return nil
}

// Close drops the store subscriptions. It does not close the peer — the
// lifecycle controller owns the session and the teardown order.
func (e *Engine) Close() {
	e.mu.Lock()
	cancels := e.cancels
	e.cancels = nil
	e.mu.Unlock()

	for i := len(cancels) - 1; i >= 0; i-- {
		cancels[i]()
	}
}

// pumpCandidates writes gathered candidates out in gathering order. A
// single writer keeps the store's per-direction ordering guarantee intact;
// failures are logged, not retried — candidate delivery is best-effort.
func (e *Engine) pumpCandidates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case init := <-e.outbox:
			if err := e.out.Write(ctx, init); err != nil {
				util.LogWarning("negotiate: %v", err)
				continue
			}
			util.Stats.AddCandidateSent()
		}
	}
}

func (e *Engine) handleRemoteCandidate(init webrtc.ICECandidateInit) {
	util.Stats.AddCandidateRecv()
	if err := e.peer.AddICECandidate(init); err != nil {
		// Duplicate or stale candidates are tolerated; the ICE layer
		// de-duplicates internally.
		util.LogWarning("negotiate: add remote candidate: %v", err)
	}
}

func (e *Engine) handleDescriptor(doc json.RawMessage, exists bool) {
	if !exists {
		if e.ev.RemoteGone != nil {
			e.ev.RemoteGone()
		}
		return
	}

	var rec call.Record
	if err := json.Unmarshal(doc, &rec); err != nil {
		util.LogWarning("negotiate: bad descriptor update: %v", err)
		return
	}
	e.role.onDescriptor(e, &rec)
}

// markAnswered flips the answered flag, reporting whether this call was the
// first. Keeps the answer application idempotent under duplicate updates.
func (e *Engine) markAnswered() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.answered {
		return false
	}
	e.answered = true
	return true
}

func (e *Engine) addCancel(fn func()) {
	e.mu.Lock()
	e.cancels = append(e.cancels, fn)
	e.mu.Unlock()
}
