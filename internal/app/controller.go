// Package app is the call lifecycle layer: it creates and deletes session
// descriptors, owns the per-call resources, and exposes the start / accept /
// decline / end surface the UI layer drives.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/fightdeck/peercall/internal/call"
	"github.com/fightdeck/peercall/internal/config"
	"github.com/fightdeck/peercall/internal/media"
	"github.com/fightdeck/peercall/internal/negotiate"
	"github.com/fightdeck/peercall/internal/store"
	"github.com/fightdeck/peercall/internal/transport"
	"github.com/fightdeck/peercall/internal/util"
)

// Controller starts and answers calls against one signaling store. It is
// stateless across calls: every attempt gets a fresh descriptor, session,
// and engine, and nothing is reused.
type Controller struct {
	st  store.Store
	acq media.Acquirer
	cfg *config.Config

	// newPeer builds the connection session for one attempt. Tests swap in
	// an in-process pair.
	newPeer func(ctx context.Context, populate func(*webrtc.MediaEngine) error) (negotiate.Peer, error)
}

// NewController wires a controller to its store, media acquirer, and config.
func NewController(st store.Store, acq media.Acquirer, cfg *config.Config) *Controller {
	c := &Controller{st: st, acq: acq, cfg: cfg}
	c.newPeer = func(ctx context.Context, populate func(*webrtc.MediaEngine) error) (negotiate.Peer, error) {
		return transport.NewSession(ctx, cfg.STUNServers, populate)
	}
	return c
}

// StartOutgoing creates the session descriptor for a call from caller to
// callee and begins negotiating as the initiator. Exactly one descriptor is
// written per invocation; if setup fails afterwards the descriptor is
// removed again, so no partially-written record is left behind.
func (c *Controller) StartOutgoing(ctx context.Context, caller, callee call.Party, kind call.MediaKind) (*Call, error) {
	rec := &call.Record{
		CallID:   call.NewCallID(caller.ID, callee.ID, time.Now()),
		Kind:     kind,
		CallerID: caller.ID,
		CalleeID: callee.ID,
		Callee:   callee,
	}

	key := call.DocKey(rec.CallID)
	if err := c.st.Put(ctx, key, rec); err != nil {
		return nil, &call.SignalingError{Op: "create descriptor", Key: key, Err: err}
	}
	util.Stats.AddPlaced()

	cl := newCall(rec, c.st, true)
	if err := c.launch(ctx, cl, caller.ID); err != nil {
		return nil, err
	}
	return cl, nil
}

// Accept answers the ringing call identified by callID as localID.
func (c *Controller) Accept(ctx context.Context, callID, localID string) (*Call, error) {
	key := call.DocKey(callID)

	var rec call.Record
	ok, err := c.st.Get(ctx, key, &rec)
	if err != nil {
		return nil, &call.SignalingError{Op: "read descriptor", Key: key, Err: err}
	}
	if !ok {
		// The caller hung up before we accepted.
		return nil, fmt.Errorf("accept %s: %w", callID, call.ErrDeclined)
	}

	cl := newCall(&rec, c.st, false)
	if err := c.launch(ctx, cl, localID); err != nil {
		return nil, err
	}
	return cl, nil
}

// Decline rejects a ringing call without answering: deleting the descriptor
// is the decline signal the caller's side observes.
func (c *Controller) Decline(ctx context.Context, callID string) error {
	key := call.DocKey(callID)
	if err := c.st.Delete(ctx, key); err != nil {
		return &call.SignalingError{Op: "decline", Key: key, Err: err}
	}
	return nil
}

// launch builds the session and engine for cl and runs the handshake. On
// error the call is failed and torn down before returning; the handle never
// escapes.
func (c *Controller) launch(ctx context.Context, cl *Call, localID string) error {
	callCtx, cancel := context.WithCancel(ctx)
	cl.mu.Lock()
	cl.cancel = cancel
	cl.mu.Unlock()

	cl.setState(StateRequestingMedia)

	peer, err := c.newPeer(callCtx, c.acq.Populate)
	if err != nil {
		err = fmt.Errorf("create transport: %w", err)
		cl.fail(err)
		return err
	}
	cl.mu.Lock()
	cl.peer = peer
	cl.mu.Unlock()

	engine, err := negotiate.New(peer, c.st, c.acq, cl.rec, localID, negotiate.Events{
		LocalStream:  cl.bindLocal,
		RemoteStream: cl.bindRemote,
		State:        cl.handleTransportState,
		RemoteGone:   cl.handleRemoteGone,
	})
	if err != nil {
		cl.fail(err)
		return err
	}
	cl.mu.Lock()
	cl.engine = engine
	cl.mu.Unlock()

	if err := engine.Begin(callCtx); err != nil {
		cl.fail(err)
		return err
	}

	// No default deadline exists for a stuck negotiation; the timeout is
	// opt-in via config.
	if c.cfg.NegotiateTimeout > 0 {
		cl.mu.Lock()
		cl.timer = time.AfterFunc(c.cfg.NegotiateTimeout, func() {
			if !cl.State().terminal() && cl.State() != StateConnected {
				cl.fail(call.ErrNegotiateTimeout)
			}
		})
		cl.mu.Unlock()
	}

	return nil
}
