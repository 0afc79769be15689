package media

import (
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/fightdeck/peercall/internal/call"
)

var _ Acquirer = (*Synthetic)(nil)

func TestSyntheticTracksPerKind(t *testing.T) {
	cases := []struct {
		kind      call.MediaKind
		numTracks int
		hasVideo  bool
	}{
		{call.AudioOnly, 1, false},
		{call.AudioVideo, 2, true},
	}

	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			acq := NewSynthetic()
			stream, err := acq.Acquire(tc.kind)
			if err != nil {
				t.Fatalf("acquire: %v", err)
			}
			defer stream.Close()

			if got := len(stream.Tracks()); got != tc.numTracks {
				t.Fatalf("got %d tracks, want %d", got, tc.numTracks)
			}
			if stream.HasVideo() != tc.hasVideo {
				t.Fatalf("HasVideo = %v, want %v", stream.HasVideo(), tc.hasVideo)
			}
		})
	}
}

// TestSyntheticReleaseAccounting asserts every acquired stream is released
// exactly once, however many times Close runs.
func TestSyntheticReleaseAccounting(t *testing.T) {
	acq := NewSynthetic()

	var streams []*Stream
	for i := 0; i < 5; i++ {
		stream, err := acq.Acquire(call.AudioVideo)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		streams = append(streams, stream)
	}
	if got := acq.InUse(); got != 5 {
		t.Fatalf("InUse = %d after 5 acquisitions", got)
	}

	for _, stream := range streams {
		stream.Close()
		stream.Close() // idempotent: must not double-release
	}
	if got := acq.InUse(); got != 0 {
		t.Fatalf("InUse = %d after releasing everything", got)
	}
}

func TestSyntheticPopulate(t *testing.T) {
	acq := NewSynthetic()
	if err := acq.Populate(&webrtc.MediaEngine{}); err != nil {
		t.Fatalf("populate: %v", err)
	}
}

func TestStreamNilStop(t *testing.T) {
	s := NewStream(nil, nil)
	s.Close() // must not panic
	if s.HasVideo() {
		t.Fatal("empty stream reports video")
	}
}
