package negotiate

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/fightdeck/peercall/internal/call"
	"github.com/fightdeck/peercall/internal/util"
)

// Role is the side-specific half of the handshake. The two variants share
// the engine's plumbing (media, candidate pump, subscriptions) and differ
// only in who produces which description and which sub-collection is theirs.
type Role interface {
	String() string

	// Outbound is the sub-collection this side appends candidates to.
	Outbound(rec *call.Record) string
	// Inbound is the sub-collection this side reads candidates from.
	Inbound(rec *call.Record) string

	// begin performs the description exchange for this side, then hands
	// back to the engine for subscription setup.
	begin(ctx context.Context, e *Engine) error

	// onDescriptor reacts to a descriptor update observed while the call is
	// live.
	onDescriptor(e *Engine, rec *call.Record)
}

// RoleFor determines the local side by comparing localID with the
// descriptor's caller identity.
func RoleFor(localID string, rec *call.Record) (Role, error) {
	switch localID {
	case rec.CallerID:
		return Initiator{}, nil
	case rec.CalleeID:
		return Responder{}, nil
	default:
		return nil, fmt.Errorf("negotiate: %s is not a participant of call %s", localID, rec.CallID)
	}
}

// Initiator is the caller's role: write the offer, wait for the answer to
// appear on the descriptor.
type Initiator struct{}

func (Initiator) String() string { return "initiator" }

func (Initiator) Outbound(rec *call.Record) string { return call.CallerCandidates(rec.CallID) }
func (Initiator) Inbound(rec *call.Record) string  { return call.CalleeCandidates(rec.CallID) }

func (Initiator) begin(ctx context.Context, e *Engine) error {
	offer, err := e.peer.CreateOffer()
	if err != nil {
		return fmt.Errorf("negotiate: create offer: %w", err)
	}
	if err := e.peer.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("negotiate: set local offer: %w", err)
	}

	key := call.DocKey(e.rec.CallID)
	err = e.st.Update(ctx, key, map[string]any{
		"offer": call.SessionPayload{Type: offer.Type.String(), SDP: offer.SDP},
	})
	if err != nil {
		return &call.SignalingError{Op: "write offer", Key: key, Err: err}
	}
	return nil
}

// onDescriptor applies the answer exactly once. Later updates to an
// already-answered descriptor are no-ops.
func (Initiator) onDescriptor(e *Engine, rec *call.Record) {
	if rec.Answer == nil || !e.markAnswered() {
		return
	}
	if rec.Answer.Type != "answer" {
		util.LogWarning("negotiate: descriptor answer has type %q", rec.Answer.Type)
	}
	err := e.peer.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  rec.Answer.SDP,
	})
	if err != nil {
		util.LogError("negotiate: apply answer: %v", err)
	}
}

// Responder is the callee's role: read the offer once, write the answer.
type Responder struct{}

func (Responder) String() string { return "responder" }

func (Responder) Outbound(rec *call.Record) string { return call.CalleeCandidates(rec.CallID) }
func (Responder) Inbound(rec *call.Record) string  { return call.CallerCandidates(rec.CallID) }

func (Responder) begin(ctx context.Context, e *Engine) error {
	key := call.DocKey(e.rec.CallID)

	var current call.Record
	ok, err := e.st.Get(ctx, key, &current)
	if err != nil {
		return &call.SignalingError{Op: "read descriptor", Key: key, Err: err}
	}
	if !ok || current.Offer == nil {
		// The responder raced ahead of the caller's offer write. Not fatal
		// for the descriptor — re-accepting may succeed.
		return call.ErrMissingOffer
	}

	err = e.peer.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  current.Offer.SDP,
	})
	if err != nil {
		return fmt.Errorf("negotiate: set remote offer: %w", err)
	}

	answer, err := e.peer.CreateAnswer()
	if err != nil {
		return fmt.Errorf("negotiate: create answer: %w", err)
	}
	if err := e.peer.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("negotiate: set local answer: %w", err)
	}

	err = e.st.Update(ctx, key, map[string]any{
		"answer": call.SessionPayload{Type: answer.Type.String(), SDP: answer.SDP},
	})
	if err != nil {
		return &call.SignalingError{Op: "write answer", Key: key, Err: err}
	}
	return nil
}

// onDescriptor is a no-op for the responder: the only update it would see is
// its own answer write.
func (Responder) onDescriptor(*Engine, *call.Record) {}
