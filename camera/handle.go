package camera

import (
	"image"
	"sync"
	"time"

	"scan-station/device"
)

// Strategy names the constraint set that produced a handle
type Strategy string

const (
	StrategyOptimized  Strategy = "optimized"
	StrategySimplified Strategy = "simplified"
)

// Handle is a live capture handle. It owns the device until Stop is called.
type Handle struct {
	ID        string
	Facing    device.Facing
	DeviceID  string
	Strategy  Strategy
	OpenedAt  time.Time
	SourceTag string

	stream  Stream
	onStop  func(*Handle)
	mu      sync.Mutex
	stopped bool
}

func newHandle(id string, stream Stream, onStop func(*Handle)) *Handle {
	return &Handle{
		ID:       id,
		stream:   stream,
		onStop:   onStop,
		OpenedAt: time.Now(),
	}
}

// ReadFrame returns the current frame of the live stream
func (h *Handle) ReadFrame() (image.Image, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return nil, ErrHandleStopped
	}
	return h.stream.ReadFrame()
}

// LiveTracks returns the number of tracks still holding the device
func (h *Handle) LiveTracks() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return 0
	}
	return h.stream.Tracks()
}

// Active reports whether the handle still owns the device
func (h *Handle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.stopped
}

// Stop releases every track immediately. Safe to call more than once.
func (h *Handle) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	err := h.stream.Close()
	h.mu.Unlock()

	if h.onStop != nil {
		h.onStop(h)
	}
	return err
}
