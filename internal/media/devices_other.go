//go:build !linux || !cgo

package media

import (
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/fightdeck/peercall/internal/call"
)

var errNoDrivers = errors.New("media: device capture is only supported on linux")

// Devices is unavailable off Linux: pion/mediadevices needs platform capture
// drivers (V4L2/malgo) that are only wired up for Linux here. Callers fall
// back to Synthetic.
type Devices struct{}

var _ Acquirer = (*Devices)(nil)

// NewDevices reports that hardware capture is not supported on this platform.
func NewDevices() (*Devices, error) {
	return nil, errNoDrivers
}

// Populate never succeeds on this platform.
func (d *Devices) Populate(*webrtc.MediaEngine) error { return errNoDrivers }

// Acquire never succeeds on this platform.
func (d *Devices) Acquire(call.MediaKind) (*Stream, error) { return nil, errNoDrivers }
