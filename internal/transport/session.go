// Package transport wraps one Pion PeerConnection as the live media session
// of a single call attempt. A Session is constructed fresh per attempt,
// exclusively owns the local media stream attached to it, and is never
// reused.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/fightdeck/peercall/internal/media"
	"github.com/fightdeck/peercall/internal/util"
)

// RemoteStream groups the remote tracks belonging to one media stream ID.
// The Session binds the first remote stream it sees and reports it exactly
// once; further tracks of the same stream are added here, tracks of any
// other stream are ignored.
type RemoteStream struct {
	id string

	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

// ID returns the remote media stream identifier.
func (r *RemoteStream) ID() string { return r.id }

// Tracks returns the remote tracks received so far.
func (r *RemoteStream) Tracks() []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(r.tracks))
	copy(out, r.tracks)
	return out
}

func (r *RemoteStream) add(t *webrtc.TrackRemote) {
	r.mu.Lock()
	r.tracks = append(r.tracks, t)
	r.mu.Unlock()
}

// Session is the connection session of one call attempt.
//
// Its lifecycle is governed by the PeerConnection state and the context
// passed at construction: Ready() fires when the transport connects, Done()
// when it is shut down. Close is idempotent and also releases the attached
// local stream — the stream must never outlive the session that owns it.
type Session struct {
	pc *webrtc.PeerConnection

	ctx    context.Context
	cancel context.CancelFunc

	readySignal chan struct{}
	readyOnce   sync.Once
	closeOnce   sync.Once

	mu       sync.Mutex
	state    webrtc.PeerConnectionState
	local    *media.Stream
	remote   *RemoteStream
	onRemote func(*RemoteStream)
	onState  func(webrtc.PeerConnectionState)
	senders  map[webrtc.RTPCodecType]*senderSlot

	// Candidates arriving through signaling before the remote description is
	// applied are held here and flushed afterwards — the store gives no
	// cross-side ordering, so early candidates are normal, not an error.
	remoteSet bool
	pendingCh []webrtc.ICECandidateInit
}

// NewSession creates a Session backed by a new PeerConnection. populate
// registers the codecs of the local tracks that will be attached; pass the
// acquirer's Populate. All observers should be registered before signaling
// starts so no event is missed.
func NewSession(ctx context.Context, stunServers []string, populate func(*webrtc.MediaEngine) error) (*Session, error) {
	pc, err := newPeerConnection(stunServers, populate)
	if err != nil {
		return nil, err
	}

	sCtx, sCancel := context.WithCancel(ctx)
	s := &Session{
		pc:          pc,
		ctx:         sCtx,
		cancel:      sCancel,
		readySignal: make(chan struct{}),
		state:       webrtc.PeerConnectionStateNew,
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("transport: connection state %s", state)
		s.mu.Lock()
		s.state = state
		onState := s.onState
		s.mu.Unlock()

		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.readyOnce.Do(func() { close(s.readySignal) })
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			sCancel()
		}
		if onState != nil {
			onState(state)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.handleRemoteTrack(track)
	})

	return s, nil
}

// handleRemoteTrack binds the first remote stream exactly once; a duplicate
// event for an already-bound stream is a no-op, not an error.
func (s *Session) handleRemoteTrack(track *webrtc.TrackRemote) {
	s.mu.Lock()
	switch {
	case s.remote == nil:
		s.remote = &RemoteStream{id: track.StreamID()}
	case s.remote.id != track.StreamID():
		s.mu.Unlock()
		util.LogWarning("transport: ignoring track of unexpected stream %s", track.StreamID())
		return
	}
	remote := s.remote
	first := len(remote.tracks) == 0
	onRemote := s.onRemote
	s.mu.Unlock()

	remote.add(track)
	util.LogDebug("transport: remote %s track bound (stream %s)", track.Kind(), track.StreamID())
	if first && onRemote != nil {
		onRemote(remote)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel closed when the transport reports connected.
func (s *Session) Ready() <-chan struct{} { return s.readySignal }

// Done returns a channel closed when the session is shut down.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// ConnectionState returns the last observed transport state.
func (s *Session) ConnectionState() webrtc.PeerConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close shuts down the PeerConnection and releases the attached local
// stream. Safe to call from any state and any number of times.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.pc.Close()

		s.mu.Lock()
		local := s.local
		s.local = nil
		s.mu.Unlock()
		if local != nil {
			local.Close()
		}
	})
	return err
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

// senderSlot remembers the original track behind an RTP sender so a paused
// track can be restored.
type senderSlot struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

// AttachLocal adds every track of stream to the connection and takes
// ownership of the stream: it is released when the session closes. Must be
// called before negotiation so the offer/answer covers the tracks.
func (s *Session) AttachLocal(stream *media.Stream) error {
	senders := make(map[webrtc.RTPCodecType]*senderSlot)
	for _, track := range stream.Tracks() {
		sender, err := s.pc.AddTrack(track)
		if err != nil {
			return err
		}
		if _, taken := senders[track.Kind()]; !taken {
			senders[track.Kind()] = &senderSlot{sender: sender, track: track}
		}
	}
	s.mu.Lock()
	s.local = stream
	s.senders = senders
	s.mu.Unlock()
	return nil
}

// SetTrackEnabled pauses or resumes the local track of the given kind by
// detaching it from its sender. No renegotiation happens; the remote side
// simply stops receiving packets while the track is paused.
func (s *Session) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	s.mu.Lock()
	slot := s.senders[kind]
	s.mu.Unlock()
	if slot == nil {
		return fmt.Errorf("transport: no local %s track", kind)
	}
	if enabled {
		return slot.sender.ReplaceTrack(slot.track)
	}
	return slot.sender.ReplaceTrack(nil)
}

// OnRemoteStream registers the callback fired exactly once, when the first
// remote track arrives.
func (s *Session) OnRemoteStream(fn func(*RemoteStream)) {
	s.mu.Lock()
	s.onRemote = fn
	s.mu.Unlock()
}

// OnStateChange registers the callback for transport state transitions.
// Purely observational; nothing here triggers renegotiation.
func (s *Session) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Negotiation surface
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (s *Session) CreateOffer() (webrtc.SessionDescription, error) {
	return s.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (s *Session) CreateAnswer() (webrtc.SessionDescription, error) {
	return s.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (s *Session) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return s.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP and flushes any candidates
// that arrived before it.
func (s *Session) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(sdp); err != nil {
		return err
	}

	s.mu.Lock()
	s.remoteSet = true
	pending := s.pendingCh
	s.pendingCh = nil
	s.mu.Unlock()

	for _, init := range pending {
		if err := s.pc.AddICECandidate(init); err != nil {
			util.LogWarning("transport: buffered candidate rejected: %v", err)
		}
	}
	return nil
}

// OnICECandidate registers a callback invoked for each locally gathered
// candidate. A nil candidate signals the end of gathering.
func (s *Session) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	s.pc.OnICECandidate(fn)
}

// AddICECandidate feeds a remote candidate to the transport, buffering it
// when the remote description is not set yet.
func (s *Session) AddICECandidate(init webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if !s.remoteSet {
		s.pendingCh = append(s.pendingCh, init)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.pc.AddICECandidate(init)
}
