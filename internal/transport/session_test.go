package transport

import (
	"context"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/fightdeck/peercall/internal/call"
	"github.com/fightdeck/peercall/internal/media"
)

func newTestSession(t *testing.T) (*Session, *media.Synthetic) {
	t.Helper()
	acq := media.NewSynthetic()
	s, err := NewSession(context.Background(), []string{"stun:stun.l.google.com:19302"}, acq.Populate)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, acq
}

func TestSessionOfferCoversAttachedTracks(t *testing.T) {
	s, acq := newTestSession(t)

	stream, err := acq.Acquire(call.AudioVideo)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := s.AttachLocal(stream); err != nil {
		t.Fatalf("attach: %v", err)
	}

	offer, err := s.CreateOffer()
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		t.Fatalf("offer = %+v", offer)
	}
	if !strings.Contains(offer.SDP, "m=audio") || !strings.Contains(offer.SDP, "m=video") {
		t.Fatal("offer does not describe the attached audio and video tracks")
	}
}

// TestSessionBuffersEarlyCandidates feeds a remote candidate before the
// remote description exists. The store gives no cross-side ordering, so this
// must be accepted, not rejected.
func TestSessionBuffersEarlyCandidates(t *testing.T) {
	s, _ := newTestSession(t)

	err := s.AddICECandidate(webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2122260223 192.0.2.1 40000 typ host",
	})
	if err != nil {
		t.Fatalf("early candidate rejected: %v", err)
	}
}

func TestSessionCloseReleasesStream(t *testing.T) {
	s, acq := newTestSession(t)

	stream, err := acq.Acquire(call.AudioOnly)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := s.AttachLocal(stream); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if got := acq.InUse(); got != 1 {
		t.Fatalf("InUse = %d before close", got)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if got := acq.InUse(); got != 0 {
		t.Fatalf("InUse = %d after close", got)
	}

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
}

func TestSessionSetTrackEnabled(t *testing.T) {
	s, acq := newTestSession(t)

	// No tracks attached yet.
	if err := s.SetTrackEnabled(webrtc.RTPCodecTypeAudio, false); err == nil {
		t.Fatal("pausing a missing track succeeded")
	}

	stream, err := acq.Acquire(call.AudioVideo)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := s.AttachLocal(stream); err != nil {
		t.Fatalf("attach: %v", err)
	}

	if err := s.SetTrackEnabled(webrtc.RTPCodecTypeAudio, false); err != nil {
		t.Fatalf("pause audio: %v", err)
	}
	if err := s.SetTrackEnabled(webrtc.RTPCodecTypeAudio, true); err != nil {
		t.Fatalf("resume audio: %v", err)
	}
	if err := s.SetTrackEnabled(webrtc.RTPCodecTypeVideo, false); err != nil {
		t.Fatalf("pause video: %v", err)
	}
}

func TestSessionInitialState(t *testing.T) {
	s, _ := newTestSession(t)
	if got := s.ConnectionState(); got != webrtc.PeerConnectionStateNew {
		t.Fatalf("initial state = %s", got)
	}
	select {
	case <-s.Ready():
		t.Fatal("Ready closed before the transport connected")
	default:
	}
}
