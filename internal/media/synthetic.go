package media

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/fightdeck/peercall/internal/call"
)

// Synthetic is an Acquirer producing sample tracks with no device behind
// them. It backs tests and hosts without capture hardware: negotiation and
// connection establishment work normally, the remote side just receives
// silence. It also bookkeeps how many streams are live, which is what the
// resource-safety tests assert on.
type Synthetic struct {
	mu     sync.Mutex
	active int
}

var _ Acquirer = (*Synthetic)(nil)

// NewSynthetic returns a Synthetic acquirer.
func NewSynthetic() *Synthetic {
	return &Synthetic{}
}

// Populate registers the default codec set, which covers Opus and VP8.
func (s *Synthetic) Populate(engine *webrtc.MediaEngine) error {
	return engine.RegisterDefaultCodecs()
}

// Acquire creates an Opus track, plus a VP8 track for AudioVideo.
func (s *Synthetic) Acquire(kind call.MediaKind) (*Stream, error) {
	streamID := "synthetic-" + uuid.NewString()[:8]

	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("media: create audio track: %w", err)
	}
	tracks := []webrtc.TrackLocal{audio}

	if kind.WantsVideo() {
		video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video", streamID)
		if err != nil {
			return nil, fmt.Errorf("media: create video track: %w", err)
		}
		tracks = append(tracks, video)
	}

	s.mu.Lock()
	s.active++
	s.mu.Unlock()

	return NewStream(tracks, func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}), nil
}

// InUse reports how many acquired streams have not been released yet.
func (s *Synthetic) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
