package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

// ErrFrameTimeout is returned when the device produces no frame in time
var ErrFrameTimeout = errors.New("timed out waiting for camera frame")

// MediaDevicesSource opens cameras through pion/mediadevices. Camera drivers
// must be registered by the binary.
type MediaDevicesSource struct {
	frameTimeout time.Duration
	logger       *zap.Logger
}

// NewMediaDevicesSource creates a mediadevices-backed source
func NewMediaDevicesSource(frameTimeout time.Duration, logger *zap.Logger) *MediaDevicesSource {
	return &MediaDevicesSource{
		frameTimeout: frameTimeout,
		logger:       logger,
	}
}

func (s *MediaDevicesSource) Name() string { return "mediadevices" }

// Enumerate lists video inputs known to the registered drivers
func (s *MediaDevicesSource) Enumerate(ctx context.Context) ([]DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []DeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind != mediadevices.VideoInput {
			continue
		}
		out = append(out, DeviceInfo{
			ID:     d.DeviceID,
			Label:  d.Label,
			Facing: FacingFromLabel(d.Label),
		})
	}
	return out, nil
}

// Open requests a video stream matching c
func (s *MediaDevicesSource) Open(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			if c.DeviceID != "" {
				if c.Exact {
					mc.DeviceID = prop.StringExact(c.DeviceID)
				} else {
					mc.DeviceID = prop.String(c.DeviceID)
				}
			}
			if c.Width > 0 {
				mc.Width = prop.Int(c.Width)
			}
			if c.Height > 0 {
				mc.Height = prop.Int(c.Height)
			}
			if c.FPS > 0 {
				mc.FrameRate = prop.Float(c.FPS)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("getUserMedia: %w", err)
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("getUserMedia: no video track")
	}

	vt, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		for _, t := range tracks {
			t.Close()
		}
		return nil, fmt.Errorf("getUserMedia: unexpected track type %T", tracks[0])
	}

	s.logger.Debug("mediadevices stream opened",
		zap.String("track", vt.ID()),
		zap.String("device", c.DeviceID),
		zap.Int("width", c.Width),
		zap.Int("height", c.Height))

	return newMediaStream(vt.NewReader(false), tracks, s.frameTimeout, s.logger), nil
}

// mediaStream pulls frames on a single goroutine and keeps the newest one.
// ReadFrame never touches the driver reader.
type mediaStream struct {
	tracks  []mediadevices.Track
	reader  video.Reader
	timeout time.Duration
	logger  *zap.Logger

	mu        sync.Mutex
	latest    *image.RGBA
	loopErr   error
	closed    atomic.Bool
	first     chan struct{}
	firstOnce sync.Once
	done      chan struct{}
}

func newMediaStream(reader video.Reader, tracks []mediadevices.Track, timeout time.Duration, logger *zap.Logger) *mediaStream {
	m := &mediaStream{
		tracks:  tracks,
		reader:  reader,
		timeout: timeout,
		logger:  logger,
		first:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.readLoop()
	return m
}

func (m *mediaStream) readLoop() {
	defer close(m.done)

	for !m.closed.Load() {
		img, release, err := m.reader.Read()
		if err != nil {
			m.mu.Lock()
			m.loopErr = err
			m.mu.Unlock()
			if !m.closed.Load() {
				m.logger.Warn("mediadevices read failed", zap.Error(err))
			}
			return
		}

		// The driver recycles the buffer after release.
		frame := copyFrame(img)
		release()

		m.mu.Lock()
		m.latest = frame
		m.mu.Unlock()
		m.firstOnce.Do(func() { close(m.first) })
	}
}

func (m *mediaStream) ReadFrame() (image.Image, error) {
	if m.closed.Load() {
		return nil, ErrHandleStopped
	}
	select {
	case <-m.done:
		return nil, m.exitError()
	default:
	}

	var timeout <-chan time.Time
	if m.timeout > 0 {
		timer := time.NewTimer(m.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-m.first:
	case <-m.done:
		return nil, m.exitError()
	case <-timeout:
		return nil, ErrFrameTimeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest, nil
}

func (m *mediaStream) exitError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return ErrHandleStopped
	}
	if m.loopErr != nil {
		return fmt.Errorf("camera stream ended: %w", m.loopErr)
	}
	return errors.New("camera stream ended")
}

func (m *mediaStream) Tracks() int {
	if m.closed.Load() {
		return 0
	}
	select {
	case <-m.done:
		return 0
	default:
		return len(m.tracks)
	}
}

func (m *mediaStream) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	for _, t := range m.tracks {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// copyFrame copies img into a freshly allocated RGBA image
func copyFrame(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
