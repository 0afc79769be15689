package call

import (
	"context"
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/fightdeck/peercall/internal/store"
	"github.com/fightdeck/peercall/internal/util"
)

// CandidateWriter appends locally gathered connectivity candidates to this
// side's outbound sub-collection. One writer per direction; the other side
// only ever reads.
type CandidateWriter struct {
	st     store.Store
	prefix string
}

// NewCandidateWriter returns a writer appending under prefix.
func NewCandidateWriter(st store.Store, prefix string) *CandidateWriter {
	return &CandidateWriter{st: st, prefix: prefix}
}

// Write appends one candidate. Ordering among candidates written through one
// writer is preserved by the store.
func (w *CandidateWriter) Write(ctx context.Context, init webrtc.ICECandidateInit) error {
	if _, err := w.st.Append(ctx, w.prefix, init); err != nil {
		return &SignalingError{Op: "append candidate", Key: w.prefix, Err: err}
	}
	return nil
}

// CandidateFeed subscribes to the sub-collection the remote side writes its
// candidates to. Only additions exist under a candidate prefix; records that
// do not decode as candidates are ignored defensively rather than trusted
// not to occur.
type CandidateFeed struct {
	st     store.Store
	prefix string
}

// NewCandidateFeed returns a feed reading from prefix.
func NewCandidateFeed(st store.Store, prefix string) *CandidateFeed {
	return &CandidateFeed{st: st, prefix: prefix}
}

// Subscribe delivers every remote candidate in store order, starting with
// the ones already appended before the subscription existed.
func (f *CandidateFeed) Subscribe(onCandidate func(webrtc.ICECandidateInit)) (cancel func(), err error) {
	cancel, err = f.st.SubscribeCollection(f.prefix, func(rec store.Record) {
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal(rec.Data, &init); err != nil {
			util.LogWarning("call: bad candidate record %s under %s: %v", rec.ID, f.prefix, err)
			return
		}
		onCandidate(init)
	})
	if err != nil {
		return nil, &SignalingError{Op: "subscribe candidates", Key: f.prefix, Err: err}
	}
	return cancel, nil
}
