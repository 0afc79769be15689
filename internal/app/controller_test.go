package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/fightdeck/peercall/internal/call"
	"github.com/fightdeck/peercall/internal/config"
	"github.com/fightdeck/peercall/internal/media"
	"github.com/fightdeck/peercall/internal/negotiate"
	"github.com/fightdeck/peercall/internal/store"
	"github.com/fightdeck/peercall/internal/transport"
)

// Compile-time interface checks.
var (
	_ negotiate.Peer = (*mockPeer)(nil)
	_ store.Store    = (*countingStore)(nil)
)

// mockPeer stands in for the transport session. Descriptions and candidates
// are accepted and recorded; connect() simulates the transport coming up by
// firing the state observer and delivering a remote stream, the way a real
// session would once media flows.
type mockPeer struct {
	mu       sync.Mutex
	attached *media.Stream
	onICE    func(*webrtc.ICECandidate)
	onRemote func(*transport.RemoteStream)
	onState  func(webrtc.PeerConnectionState)
	closed   bool
	toggles  []string
}

func (m *mockPeer) AttachLocal(stream *media.Stream) error {
	m.mu.Lock()
	m.attached = stream
	m.mu.Unlock()
	return nil
}

func (m *mockPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (m *mockPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (m *mockPeer) SetLocalDescription(webrtc.SessionDescription) error  { return nil }
func (m *mockPeer) SetRemoteDescription(webrtc.SessionDescription) error { return nil }

func (m *mockPeer) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	m.mu.Lock()
	m.onICE = fn
	m.mu.Unlock()
}

func (m *mockPeer) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (m *mockPeer) OnRemoteStream(fn func(*transport.RemoteStream)) {
	m.mu.Lock()
	m.onRemote = fn
	m.mu.Unlock()
}

func (m *mockPeer) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

func (m *mockPeer) Close() error {
	m.mu.Lock()
	attached := m.attached
	m.attached = nil
	m.closed = true
	m.mu.Unlock()
	if attached != nil {
		attached.Close()
	}
	return nil
}

func (m *mockPeer) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	m.mu.Lock()
	m.toggles = append(m.toggles, fmt.Sprintf("%s=%v", kind, enabled))
	m.mu.Unlock()
	return nil
}

// connect simulates the transport reaching connected and the first remote
// track arriving.
func (m *mockPeer) connect() {
	m.mu.Lock()
	onState, onRemote := m.onState, m.onRemote
	m.mu.Unlock()
	if onState != nil {
		onState(webrtc.PeerConnectionStateConnected)
	}
	if onRemote != nil {
		onRemote(&transport.RemoteStream{})
	}
}

// drop simulates the transport failing mid-call.
func (m *mockPeer) drop() {
	m.mu.Lock()
	onState := m.onState
	m.mu.Unlock()
	if onState != nil {
		onState(webrtc.PeerConnectionStateFailed)
	}
}

// countingStore wraps a Store and counts descriptor creations and deletions.
type countingStore struct {
	store.Store

	mu      sync.Mutex
	puts    int
	deletes int
}

func (c *countingStore) Put(ctx context.Context, key string, doc any) error {
	c.mu.Lock()
	c.puts++
	c.mu.Unlock()
	return c.Store.Put(ctx, key, doc)
}

func (c *countingStore) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	c.deletes++
	c.mu.Unlock()
	return c.Store.Delete(ctx, key)
}

func (c *countingStore) counts() (puts, deletes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puts, c.deletes
}

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// newTestController builds a controller over st whose transport is the
// returned mockPeer.
func newTestController(st store.Store, acq media.Acquirer) (*Controller, *mockPeer) {
	peer := &mockPeer{}
	ctrl := NewController(st, acq, config.Default())
	ctrl.newPeer = func(context.Context, func(*webrtc.MediaEngine) error) (negotiate.Peer, error) {
		return peer, nil
	}
	return ctrl, peer
}

func waitForState(t *testing.T, cl *Call, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cl.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("call stuck in %s, want %s (reason: %v)", cl.State(), want, cl.Reason())
}

func descriptorExists(t *testing.T, st store.Store, callID string) bool {
	t.Helper()
	var rec call.Record
	ok, err := st.Get(context.Background(), call.DocKey(callID), &rec)
	if err != nil {
		t.Fatalf("read descriptor: %v", err)
	}
	return ok
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestCallConnectsEndToEnd runs a complete call between two controllers
// sharing one store: place, accept, connect, hang up. Both sides must reach
// connected, see the remote stream exactly once, and release their media.
func TestCallConnectsEndToEnd(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	defer mem.Close()

	callerAcq := media.NewSynthetic()
	calleeAcq := media.NewSynthetic()
	callerCtrl, callerPeer := newTestController(mem, callerAcq)
	calleeCtrl, calleePeer := newTestController(mem, calleeAcq)

	caller, err := callerCtrl.StartOutgoing(ctx,
		call.Party{ID: "alice", Name: "Alice"},
		call.Party{ID: "bob", Name: "Bob"},
		call.AudioVideo,
	)
	if err != nil {
		t.Fatalf("start outgoing: %v", err)
	}
	waitForState(t, caller, StateNegotiating)

	var remoteMu sync.Mutex
	remoteCount := make(map[string]int)
	countRemote := func(side string) func(*transport.RemoteStream) {
		return func(*transport.RemoteStream) {
			remoteMu.Lock()
			remoteCount[side]++
			remoteMu.Unlock()
		}
	}
	caller.OnRemoteStream(countRemote("caller"))

	callee, err := calleeCtrl.Accept(ctx, caller.Record().CallID, "bob")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	callee.OnRemoteStream(countRemote("callee"))
	waitForState(t, callee, StateNegotiating)

	callerPeer.connect()
	calleePeer.connect()
	waitForState(t, caller, StateConnected)
	waitForState(t, callee, StateConnected)

	if caller.StatusText() != "Connected" {
		t.Fatalf("caller status = %q", caller.StatusText())
	}
	remoteMu.Lock()
	for _, side := range []string{"caller", "callee"} {
		if remoteCount[side] != 1 {
			t.Fatalf("%s remote stream bound %d times, want 1", side, remoteCount[side])
		}
	}
	remoteMu.Unlock()

	// Caller hangs up; the descriptor disappears and the callee follows into
	// ended, not failed.
	caller.End()
	if caller.State() != StateEnded {
		t.Fatalf("caller state after End = %s", caller.State())
	}
	waitForState(t, callee, StateEnded)

	if descriptorExists(t, mem, caller.Record().CallID) {
		t.Fatal("descriptor survived the hang-up")
	}
	if callerAcq.InUse() != 0 || calleeAcq.InUse() != 0 {
		t.Fatalf("media leaked: caller=%d callee=%d", callerAcq.InUse(), calleeAcq.InUse())
	}
}

// TestDeclineFailsCaller declines a ringing call and asserts the caller lands
// in failed with the declined cause.
func TestDeclineFailsCaller(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	defer mem.Close()

	acq := media.NewSynthetic()
	callerCtrl, _ := newTestController(mem, acq)
	calleeCtrl, _ := newTestController(mem, media.NewSynthetic())

	caller, err := callerCtrl.StartOutgoing(ctx,
		call.Party{ID: "alice"}, call.Party{ID: "bob"}, call.AudioOnly)
	if err != nil {
		t.Fatalf("start outgoing: %v", err)
	}
	waitForState(t, caller, StateNegotiating)

	if err := calleeCtrl.Decline(ctx, caller.Record().CallID); err != nil {
		t.Fatalf("decline: %v", err)
	}

	waitForState(t, caller, StateFailed)
	if !errors.Is(caller.Reason(), call.ErrDeclined) {
		t.Fatalf("caller reason = %v, want ErrDeclined", caller.Reason())
	}
	if caller.StatusText() != "Call declined" {
		t.Fatalf("caller status = %q", caller.StatusText())
	}
	if acq.InUse() != 0 {
		t.Fatalf("caller media leaked: InUse = %d", acq.InUse())
	}
}

// TestDeclineOverRemoteStore runs the decline path with both parties on the
// WebSocket store. The caller's teardown runs from a store change
// notification and itself talks to the store, so the caller must still reach
// failed with the declined cause and release its media.
func TestDeclineOverRemoteStore(t *testing.T) {
	ctx := context.Background()

	mem := store.NewMemory()
	defer mem.Close()
	srv := store.NewServer(mem)
	port, err := srv.Start("127.0.0.1:0")
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer srv.Close()
	url := fmt.Sprintf("ws://127.0.0.1:%d/store", port)

	callerStore, err := store.Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial caller store: %v", err)
	}
	defer callerStore.Close()
	calleeStore, err := store.Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial callee store: %v", err)
	}
	defer calleeStore.Close()

	acq := media.NewSynthetic()
	callerCtrl, _ := newTestController(callerStore, acq)
	calleeCtrl, _ := newTestController(calleeStore, media.NewSynthetic())

	caller, err := callerCtrl.StartOutgoing(ctx,
		call.Party{ID: "alice"}, call.Party{ID: "bob"}, call.AudioOnly)
	if err != nil {
		t.Fatalf("start outgoing: %v", err)
	}
	waitForState(t, caller, StateNegotiating)

	if err := calleeCtrl.Decline(ctx, caller.Record().CallID); err != nil {
		t.Fatalf("decline: %v", err)
	}

	waitForState(t, caller, StateFailed)
	if !errors.Is(caller.Reason(), call.ErrDeclined) {
		t.Fatalf("caller reason = %v, want ErrDeclined", caller.Reason())
	}

	// Teardown completes asynchronously relative to the state change.
	deadline := time.Now().Add(2 * time.Second)
	for acq.InUse() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := acq.InUse(); n != 0 {
		t.Fatalf("caller media still held after decline: InUse = %d", n)
	}
}

// TestAcceptAfterHangup accepts a call whose descriptor is already gone.
func TestAcceptAfterHangup(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	defer mem.Close()

	ctrl, _ := newTestController(mem, media.NewSynthetic())
	if _, err := ctrl.Accept(ctx, "no-such-call", "bob"); !errors.Is(err, call.ErrDeclined) {
		t.Fatalf("accept of missing call returned %v, want ErrDeclined", err)
	}
}

// TestAcceptBeforeOffer accepts a descriptor that has no offer yet. The
// attempt fails, but the descriptor must survive so a later accept can work.
func TestAcceptBeforeOffer(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	defer mem.Close()

	rec := &call.Record{CallID: "call-1", Kind: call.AudioOnly, CallerID: "alice", CalleeID: "bob"}
	if err := mem.Put(ctx, call.DocKey(rec.CallID), rec); err != nil {
		t.Fatalf("seed descriptor: %v", err)
	}

	acq := media.NewSynthetic()
	ctrl, peer := newTestController(mem, acq)
	if _, err := ctrl.Accept(ctx, rec.CallID, "bob"); !errors.Is(err, call.ErrMissingOffer) {
		t.Fatalf("accept returned %v, want ErrMissingOffer", err)
	}

	if !descriptorExists(t, mem, rec.CallID) {
		t.Fatal("callee-side failure deleted the caller's descriptor")
	}
	peer.mu.Lock()
	closed := peer.closed
	peer.mu.Unlock()
	if !closed {
		t.Fatal("transport not closed after failed accept")
	}
	if acq.InUse() != 0 {
		t.Fatalf("media leaked: InUse = %d", acq.InUse())
	}
}

// TestMediaFailureRemovesDescriptor fails media acquisition on the caller's
// side and asserts the descriptor written before the failure is removed
// again — no partial record is left ringing on the remote side.
func TestMediaFailureRemovesDescriptor(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	defer mem.Close()

	cs := &countingStore{Store: mem}
	ctrl, _ := newTestController(cs, failAcquirer{})
	_, err := ctrl.StartOutgoing(ctx, call.Party{ID: "alice"}, call.Party{ID: "bob"}, call.AudioVideo)

	var mediaErr *call.MediaError
	if !errors.As(err, &mediaErr) {
		t.Fatalf("start outgoing returned %v, want *MediaError", err)
	}

	puts, deletes := cs.counts()
	if puts != 1 || deletes != 1 {
		t.Fatalf("descriptor created %d times, deleted %d times; want 1 and 1", puts, deletes)
	}
}

// TestEndIdempotent ends a negotiating call twice and asserts the descriptor
// is deleted exactly once and the media released.
func TestEndIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	defer mem.Close()

	cs := &countingStore{Store: mem}
	acq := media.NewSynthetic()
	ctrl, _ := newTestController(cs, acq)

	cl, err := ctrl.StartOutgoing(ctx, call.Party{ID: "alice"}, call.Party{ID: "bob"}, call.AudioOnly)
	if err != nil {
		t.Fatalf("start outgoing: %v", err)
	}
	waitForState(t, cl, StateNegotiating)

	cl.End()
	cl.End()
	if cl.State() != StateEnded {
		t.Fatalf("state after End = %s", cl.State())
	}

	puts, deletes := cs.counts()
	if puts != 1 {
		t.Fatalf("descriptor created %d times", puts)
	}
	if deletes != 1 {
		t.Fatalf("descriptor deleted %d times", deletes)
	}
	if acq.InUse() != 0 {
		t.Fatalf("media leaked: InUse = %d", acq.InUse())
	}
}

// TestTransportFailureFailsCall drops the transport mid-negotiation.
func TestTransportFailureFailsCall(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	defer mem.Close()

	ctrl, peer := newTestController(mem, media.NewSynthetic())
	cl, err := ctrl.StartOutgoing(ctx, call.Party{ID: "alice"}, call.Party{ID: "bob"}, call.AudioOnly)
	if err != nil {
		t.Fatalf("start outgoing: %v", err)
	}
	waitForState(t, cl, StateNegotiating)

	peer.drop()
	waitForState(t, cl, StateFailed)

	var trErr *call.TransportError
	if !errors.As(cl.Reason(), &trErr) {
		t.Fatalf("reason = %v, want *TransportError", cl.Reason())
	}
}

// TestNegotiateTimeout configures a deadline and lets the transport never
// connect.
func TestNegotiateTimeout(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	defer mem.Close()

	cfg := config.Default()
	cfg.NegotiateTimeout = 50 * time.Millisecond

	peer := &mockPeer{}
	ctrl := NewController(mem, media.NewSynthetic(), cfg)
	ctrl.newPeer = func(context.Context, func(*webrtc.MediaEngine) error) (negotiate.Peer, error) {
		return peer, nil
	}

	cl, err := ctrl.StartOutgoing(ctx, call.Party{ID: "alice"}, call.Party{ID: "bob"}, call.AudioOnly)
	if err != nil {
		t.Fatalf("start outgoing: %v", err)
	}

	waitForState(t, cl, StateFailed)
	if !errors.Is(cl.Reason(), call.ErrNegotiateTimeout) {
		t.Fatalf("reason = %v, want ErrNegotiateTimeout", cl.Reason())
	}
	if cl.StatusText() != "Connection timed out" {
		t.Fatalf("status = %q", cl.StatusText())
	}
}

// TestConnectedCallSurvivesTimeout verifies the deadline is a no-op once the
// call connected.
func TestConnectedCallSurvivesTimeout(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	defer mem.Close()

	cfg := config.Default()
	cfg.NegotiateTimeout = 200 * time.Millisecond

	callerPeer := &mockPeer{}
	callerCtrl := NewController(mem, media.NewSynthetic(), cfg)
	callerCtrl.newPeer = func(context.Context, func(*webrtc.MediaEngine) error) (negotiate.Peer, error) {
		return callerPeer, nil
	}
	calleeCtrl, calleePeer := newTestController(mem, media.NewSynthetic())

	caller, err := callerCtrl.StartOutgoing(ctx, call.Party{ID: "alice"}, call.Party{ID: "bob"}, call.AudioOnly)
	if err != nil {
		t.Fatalf("start outgoing: %v", err)
	}
	callee, err := calleeCtrl.Accept(ctx, caller.Record().CallID, "bob")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	callerPeer.connect()
	calleePeer.connect()
	waitForState(t, caller, StateConnected)
	waitForState(t, callee, StateConnected)

	time.Sleep(250 * time.Millisecond) // past the deadline
	if caller.State() != StateConnected {
		t.Fatalf("connected call failed by the deadline: %s (%v)", caller.State(), caller.Reason())
	}

	caller.End()
	callee.End()
}

// TestToggleMuteAndCamera flips both local tracks and asserts the toggles
// reach the transport with the right enabled flag.
func TestToggleMuteAndCamera(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	defer mem.Close()

	ctrl, peer := newTestController(mem, media.NewSynthetic())
	cl, err := ctrl.StartOutgoing(ctx, call.Party{ID: "alice"}, call.Party{ID: "bob"}, call.AudioVideo)
	if err != nil {
		t.Fatalf("start outgoing: %v", err)
	}
	defer cl.End()

	if !cl.ToggleMute() {
		t.Fatal("first ToggleMute did not report muted")
	}
	if cl.ToggleMute() {
		t.Fatal("second ToggleMute did not report live")
	}
	if !cl.ToggleCamera() {
		t.Fatal("first ToggleCamera did not report disabled")
	}

	peer.mu.Lock()
	toggles := append([]string(nil), peer.toggles...)
	peer.mu.Unlock()

	want := []string{"audio=false", "audio=true", "video=false"}
	if len(toggles) != len(want) {
		t.Fatalf("toggles = %v, want %v", toggles, want)
	}
	for i := range want {
		if toggles[i] != want[i] {
			t.Fatalf("toggle %d = %q, want %q", i, toggles[i], want[i])
		}
	}
}

// failAcquirer refuses every acquisition, simulating missing devices.
type failAcquirer struct{}

func (failAcquirer) Populate(*webrtc.MediaEngine) error { return nil }

func (failAcquirer) Acquire(call.MediaKind) (*media.Stream, error) {
	return nil, errors.New("no capture devices")
}
