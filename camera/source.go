// Package camera acquires the station's capture device with progressively
// relaxed constraints and exposes the live stream as a Handle.
package camera

import (
	"context"
	"errors"
	"image"
	"strings"

	"scan-station/device"
)

// ErrHandleStopped is returned when reading from a released handle
var ErrHandleStopped = errors.New("capture handle stopped")

// Constraints describe a single acquisition attempt
type Constraints struct {
	DeviceID string
	Exact    bool // bind DeviceID exactly instead of as a hint
	Width    int  // 0 = no resolution hint
	Height   int
	FPS      int
}

// IsMinimal reports whether the constraints ask for any camera at all
func (c Constraints) IsMinimal() bool {
	return c == Constraints{}
}

// DeviceInfo describes an enumerated video input
type DeviceInfo struct {
	ID     string        `json:"id"`
	Label  string        `json:"label"`
	Facing device.Facing `json:"facing"`
}

// Stream is a live capture opened by a Source
type Stream interface {
	// ReadFrame returns a copy of the most recent frame
	ReadFrame() (image.Image, error)
	// Tracks returns the number of live tracks still holding the device
	Tracks() int
	Close() error
}

// Source opens capture streams and enumerates video inputs
type Source interface {
	Name() string
	Open(ctx context.Context, c Constraints) (Stream, error)
	Enumerate(ctx context.Context) ([]DeviceInfo, error)
}

var (
	environmentHints = []string{"back", "rear", "environment", "world"}
	userHints        = []string{"front", "user", "facetime", "integrated", "selfie"}
)

// FacingFromLabel guesses a device's facing mode from its label
func FacingFromLabel(label string) device.Facing {
	l := strings.ToLower(label)
	for _, h := range environmentHints {
		if strings.Contains(l, h) {
			return device.FacingEnvironment
		}
	}
	for _, h := range userHints {
		if strings.Contains(l, h) {
			return device.FacingUser
		}
	}
	return device.FacingDefault
}
