//go:build linux && cgo

package media

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/fightdeck/peercall/internal/call"
	"github.com/fightdeck/peercall/internal/util"
)

// Devices captures the real camera and microphone through pion/mediadevices
// (V4L2 + malgo on Linux), encoding VP8 and Opus.
type Devices struct {
	codecs *mediadevices.CodecSelector
}

var _ Acquirer = (*Devices)(nil)

// NewDevices builds the VP8/Opus codec selector the captured tracks encode
// with.
func NewDevices() (*Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("media: VP8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("media: Opus params: %w", err)
	}

	return &Devices{
		codecs: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// Populate registers the selector's codecs on the media engine.
func (d *Devices) Populate(engine *webrtc.MediaEngine) error {
	d.codecs.Populate(engine)
	return nil
}

// Acquire opens the devices for kind. GetUserMedia fails as a unit if either
// requested track cannot be opened, so for AudioVideo a busy microphone is
// retried as video-only and a busy camera as audio-only before giving up.
func (d *Devices) Acquire(kind call.MediaKind) (*Stream, error) {
	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{{false, true, "audio-only"}}
	if kind.WantsVideo() {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: d.codecs}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only — some cameras expose an MJPEG node that
				// produces malformed frames and poisons the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			util.LogWarning("media: GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		captured := stream.GetTracks()
		tracks := make([]webrtc.TrackLocal, 0, len(captured))
		for _, t := range captured {
			tracks = append(tracks, t)
		}
		util.LogInfo("media: captured %s — %d track(s)", a.label, len(tracks))

		return NewStream(tracks, func() {
			for _, t := range captured {
				t.Close()
			}
		}), nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("media: no capture attempt applicable for kind %q", kind)
	}
	return nil, lastErr
}
