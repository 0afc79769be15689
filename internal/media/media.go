// Package media provides scoped acquisition of local audio/video sources.
// A Stream owns its capture resources and releases them exactly once; a
// leaked device handle is a correctness bug, so every exit path of a call
// must end in Stream.Close.
package media

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/fightdeck/peercall/internal/call"
)

// Acquirer opens local capture sources for a call attempt.
//
// Populate registers the codecs the acquirer's tracks produce on the media
// engine of the peer connection that will carry them; it must be called
// before the connection is built.
type Acquirer interface {
	Populate(engine *webrtc.MediaEngine) error
	Acquire(kind call.MediaKind) (*Stream, error)
}

// Stream is an exclusively owned set of local tracks plus the capture
// resources behind them.
type Stream struct {
	tracks []webrtc.TrackLocal
	stop   func()
	once   sync.Once
}

// NewStream wraps tracks and a release function. stop may be nil when there
// is nothing to release.
func NewStream(tracks []webrtc.TrackLocal, stop func()) *Stream {
	return &Stream{tracks: tracks, stop: stop}
}

// Tracks returns the local tracks to attach to the transport.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	return s.tracks
}

// HasVideo reports whether the stream carries a video track.
func (s *Stream) HasVideo() bool {
	for _, t := range s.tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			return true
		}
	}
	return false
}

// Close releases the capture resources. Idempotent: the devices are stopped
// exactly once no matter how many teardown paths run.
func (s *Stream) Close() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}
