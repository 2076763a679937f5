package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io/fs"
	"sync"
	"testing"
	"time"

	"scan-station/analysis"
	"scan-station/binder"
	"scan-station/camera"
	"scan-station/config"
	"scan-station/device"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeStream struct {
	mu     sync.Mutex
	frame  image.Image
	closed bool
}

func (s *fakeStream) ReadFrame() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("stream closed")
	}
	return s.frame, nil
}

func (s *fakeStream) Tracks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	return 1
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeSource hands out streams whose frames come from nextFrame. Opens
// block until gate is closed when gate is set.
type fakeSource struct {
	mu        sync.Mutex
	openErr   error
	nextFrame func(n int) image.Image
	devices   []camera.DeviceInfo
	streams   []*fakeStream
	opened    []camera.Constraints
	gate      chan struct{}
	pending   int
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Open(ctx context.Context, c camera.Constraints) (camera.Stream, error) {
	f.mu.Lock()
	gate := f.gate
	f.pending++
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	frame := image.Image(solidImage(640, 480, color.RGBA{200, 10, 10, 255}))
	if f.nextFrame != nil {
		frame = f.nextFrame(len(f.streams))
	}
	s := &fakeStream{frame: frame}
	f.streams = append(f.streams, s)
	f.opened = append(f.opened, c)
	return s, nil
}

func (f *fakeSource) Enumerate(ctx context.Context) ([]camera.DeviceInfo, error) {
	return f.devices, nil
}

func (f *fakeSource) Streams() []*fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeStream(nil), f.streams...)
}

// Pending counts calls to Open, including ones still waiting on the gate
func (f *fakeSource) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

func (f *fakeSource) Opened() []camera.Constraints {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]camera.Constraints(nil), f.opened...)
}

type fakeAnalyzer struct {
	mu     sync.Mutex
	gate   chan struct{}
	images [][]byte
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, img []byte) *analysis.Result {
	a.mu.Lock()
	a.images = append(a.images, img)
	gate := a.gate
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	name := "Apple"
	return &analysis.Result{
		Outcome:  analysis.OutcomeSuccess,
		Food:     analysis.Normalize(&analysis.ProductInfo{Name: &name}),
		Attempts: []analysis.Attempt{{Number: 1}},
	}
}

func (a *fakeAnalyzer) Images() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]byte(nil), a.images...)
}

type recordingActivity struct {
	mu    sync.Mutex
	types []string
}

func (r *recordingActivity) LogActivity(activityType, description string, metadata map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, activityType)
}

func (r *recordingActivity) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

// failingSurface never plays
type failingSurface struct{}

func (failingSurface) SetSource(binder.Stream) error   { return nil }
func (failingSurface) SetVisibility(binder.Visibility) {}
func (failingSurface) Play(context.Context) error      { return errors.New("autoplay blocked") }
func (failingSurface) OnCanPlay(fn func())             { go fn() }

func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func desktopCaps() device.Capabilities {
	return device.Capabilities{
		Platform:                    device.PlatformLinux,
		Browser:                     device.BrowserChrome,
		FormFactor:                  device.FormDesktop,
		HasCamera:                   true,
		CameraCount:                 1,
		PreferredFacing:             device.FacingUser,
		SupportsAdvancedConstraints: true,
		SecureContext:               true,
	}
}

type harness struct {
	source   *fakeSource
	analyzer *fakeAnalyzer
	activity *recordingActivity
	manager  *Manager
}

func newHarness(t *testing.T, source *fakeSource, surface binder.Surface) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	cfg := config.Default().Camera
	cfg.Probe = false
	adapter := camera.NewAdapter(source, cfg, 0, logger)

	h := &harness{
		source:   source,
		analyzer: &fakeAnalyzer{},
		activity: &recordingActivity{},
	}
	h.manager = NewManager(Deps{
		Camera:         adapter,
		Binder:         binder.New(50*time.Millisecond, 10*time.Millisecond, logger),
		Surface:        surface,
		Analyzer:       h.analyzer,
		Activity:       h.activity,
		JPEGQuality:    90,
		MaxUploadBytes: 1 << 20,
	}, 4, time.Minute, logger)
	t.Cleanup(h.manager.CloseAll)
	return h
}

func (h *harness) session(t *testing.T, caps device.Capabilities) *Session {
	t.Helper()
	s, err := h.manager.Create(caps)
	require.NoError(t, err)
	return s
}

func assertCameraOrImage(t *testing.T, snap Snapshot) {
	t.Helper()
	if snap.ActiveCameraOpen && snap.CapturedImage {
		t.Errorf("camera active and image captured at once: %+v", snap)
	}
}

func TestNext(t *testing.T) {
	tests := []struct {
		from    State
		event   Event
		want    State
		wantErr error
	}{
		{StateIdle, EventOpen, StateCameraOpening, nil},
		{StateCameraOpening, EventOpened, StateCameraActive, nil},
		{StateCameraOpening, EventOpenFailed, StateIdle, nil},
		{StateCameraActive, EventCapture, StateCaptured, nil},
		{StateCaptured, EventRetake, StateCameraOpening, nil},
		{StateCaptured, EventSubmit, StateSubmitted, nil},
		{StateIdle, EventUpload, StateUploading, nil},
		{StateUploading, EventUploaded, StateIdle, nil},
		{StateCameraActive, EventFlip, StateCameraOpening, nil},
		{StateCameraActive, EventStop, StateIdle, nil},
		{StateSubmitted, EventReset, StateIdle, nil},
		{StateCameraActive, EventClose, StateClosed, nil},
		{StateClosed, EventClose, StateClosed, nil},
		{StateIdle, EventCapture, StateIdle, ErrInvalidTransition},
		{StateCaptured, EventCapture, StateCaptured, ErrInvalidTransition},
		{StateCameraActive, EventUpload, StateCameraActive, ErrInvalidTransition},
		{StateUploading, EventOpen, StateUploading, ErrInvalidTransition},
		{StateClosed, EventOpen, StateClosed, ErrSessionClosed},
		{StateClosed, EventReset, StateClosed, ErrSessionClosed},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%s", tt.from, tt.event), func(t *testing.T) {
			got, err := Next(tt.from, tt.event)
			if got != tt.want {
				t.Errorf("Next(%s, %s) = %s, want %s", tt.from, tt.event, got, tt.want)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Next(%s, %s) error = %v, want %v", tt.from, tt.event, err, tt.wantErr)
			}
		})
	}
}

func TestOpenCaptureSubmit(t *testing.T) {
	h := newHarness(t, &fakeSource{}, nil)
	s := h.session(t, desktopCaps())
	ctx := context.Background()

	snap, err := s.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCameraActive, snap.State)
	assert.True(t, snap.ActiveCameraOpen)
	assert.Equal(t, s.ID(), h.manager.CameraHolder())

	opened := h.source.Opened()
	require.Len(t, opened, 1, "optimized constraints succeed without fallback")
	assert.Equal(t, 1280, opened[0].Width)

	snap, err = s.Capture(ctx)
	require.NoError(t, err)
	assertCameraOrImage(t, snap)
	assert.Equal(t, StateCaptured, snap.State)
	assert.True(t, snap.CapturedImage)
	assert.Equal(t, 640, snap.ImageWidth)
	assert.Equal(t, 480, snap.ImageHeight)
	assert.True(t, h.source.Streams()[0].Closed(), "capture releases the camera")
	assert.Equal(t, "", h.manager.CameraHolder())

	result, err := s.Submit(ctx)
	require.NoError(t, err)
	assert.True(t, result.IsSuccess())

	snap = s.Snapshot()
	assert.Equal(t, StateSubmitted, snap.State)
	assert.False(t, snap.Loading)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "Apple", snap.Result.Food.Name)
	assert.Contains(t, h.activity.Types(), "food_scan")
}

func TestCaptureZeroDimensions(t *testing.T) {
	source := &fakeSource{nextFrame: func(int) image.Image {
		return image.NewRGBA(image.Rect(0, 0, 0, 0))
	}}
	h := newHarness(t, source, nil)
	s := h.session(t, desktopCaps())

	_, err := s.Open(context.Background())
	require.NoError(t, err)

	snap, err := s.Capture(context.Background())
	var captureErr *CaptureError
	require.ErrorAs(t, err, &captureErr)
	assert.ErrorIs(t, err, ErrZeroDimensions)
	assert.Equal(t, StateCameraActive, snap.State)
	assert.NotEmpty(t, snap.Error)
	assert.False(t, snap.CapturedImage)
	assert.False(t, source.Streams()[0].Closed(), "camera stays open after a failed capture")
}

func TestRetakeDiscardsCapturedImage(t *testing.T) {
	source := &fakeSource{nextFrame: func(n int) image.Image {
		if n == 0 {
			return solidImage(640, 480, color.RGBA{255, 0, 0, 255})
		}
		return solidImage(320, 240, color.RGBA{0, 0, 255, 255})
	}}
	h := newHarness(t, source, nil)
	s := h.session(t, desktopCaps())
	ctx := context.Background()

	_, err := s.Open(ctx)
	require.NoError(t, err)
	_, err = s.Capture(ctx)
	require.NoError(t, err)

	snap, err := s.Retake(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCameraActive, snap.State)
	assert.False(t, snap.CapturedImage)
	assertCameraOrImage(t, snap)

	_, err = s.Capture(ctx)
	require.NoError(t, err)
	_, err = s.Submit(ctx)
	require.NoError(t, err)

	images := h.analyzer.Images()
	require.Len(t, images, 1)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(images[0]))
	require.NoError(t, err)
	assert.Equal(t, 320, cfg.Width, "the retaken image is the one submitted")
}

func TestOpenPermissionDenied(t *testing.T) {
	source := &fakeSource{openErr: fmt.Errorf("open /dev/video0: %w", fs.ErrPermission)}
	h := newHarness(t, source, nil)
	s := h.session(t, desktopCaps())

	snap, err := s.Open(context.Background())
	var acqErr *camera.AcquisitionError
	require.ErrorAs(t, err, &acqErr)
	assert.Equal(t, device.FailureNotAllowed, acqErr.Kind)
	assert.Equal(t, StateIdle, snap.State)
	assert.Contains(t, snap.Error, "permission")
	assert.Contains(t, h.activity.Types(), "camera_error")
	assert.Equal(t, "", h.manager.CameraHolder())

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solidImage(10, 10, color.White)))
	snap, err = s.UploadFile(context.Background(), buf.Bytes())
	require.NoError(t, err)
	assert.True(t, snap.CapturedImage)
	assert.Empty(t, snap.Error)
}

func TestBindFailure(t *testing.T) {
	source := &fakeSource{}
	h := newHarness(t, source, failingSurface{})
	s := h.session(t, desktopCaps())

	snap, err := s.Open(context.Background())
	var bindErr *binder.StreamBindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, StateIdle, snap.State)
	assert.Contains(t, snap.Error, "try upload instead")
	assert.True(t, source.Streams()[0].Closed())
}

func TestUploadBypassesCamera(t *testing.T) {
	h := newHarness(t, &fakeSource{}, nil)
	s := h.session(t, desktopCaps())

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solidImage(50, 40, color.White)))

	snap, err := s.UploadFile(context.Background(), buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, SourceUpload, snap.ImageSource)
	assert.Equal(t, 50, snap.ImageWidth)
	assert.Empty(t, h.source.Opened())

	_, err = s.Submit(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.analyzer.Images(), 1)
}

func TestUploadRejectsInvalidFiles(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"empty", nil, ErrUnsupportedImage},
		{"garbage", []byte("hello world"), ErrUnsupportedImage},
		{"too large", make([]byte, 2<<20), ErrImageTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeSource{}, nil)
			s := h.session(t, desktopCaps())

			snap, err := s.UploadFile(context.Background(), tt.data)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, StateIdle, snap.State)
			assert.False(t, snap.CapturedImage)
			assert.NotEmpty(t, snap.Error)
		})
	}
}

func TestSubmitInFlight(t *testing.T) {
	h := newHarness(t, &fakeSource{}, nil)
	h.analyzer.gate = make(chan struct{})
	s := h.session(t, desktopCaps())
	ctx := context.Background()

	_, err := s.Open(ctx)
	require.NoError(t, err)
	_, err = s.Capture(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return len(h.analyzer.Images()) == 1 }, time.Second, time.Millisecond)

	_, err = s.Submit(ctx)
	assert.ErrorIs(t, err, ErrAnalysisInFlight)
	assert.True(t, s.Snapshot().Loading)

	close(h.analyzer.gate)
	require.NoError(t, <-done)
	assert.Len(t, h.analyzer.Images(), 1, "duplicate submission is suppressed, not queued")
}

func TestLateResultIgnored(t *testing.T) {
	tests := []struct {
		name      string
		supersede func(s *Session)
		wantState State
	}{
		{"reset", func(s *Session) { s.Reset() }, StateIdle},
		{"close", func(s *Session) { s.Close() }, StateClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeSource{}, nil)
			h.analyzer.gate = make(chan struct{})
			s := h.session(t, desktopCaps())

			var buf bytes.Buffer
			require.NoError(t, png.Encode(&buf, solidImage(8, 8, color.White)))
			_, err := s.UploadFile(context.Background(), buf.Bytes())
			require.NoError(t, err)

			done := make(chan error, 1)
			go func() {
				_, err := s.Submit(context.Background())
				done <- err
			}()
			require.Eventually(t, func() bool { return len(h.analyzer.Images()) == 1 }, time.Second, time.Millisecond)

			tt.supersede(s)
			before := s.Snapshot()
			close(h.analyzer.gate)

			assert.ErrorIs(t, <-done, ErrSuperseded)
			after := s.Snapshot()
			assert.Nil(t, after.Result)
			assert.Equal(t, tt.wantState, after.State)
			assert.Equal(t, before.Generation, after.Generation)
			assert.NotContains(t, h.activity.Types(), "food_scan")
		})
	}
}

func TestCancelledSubmitDiscarded(t *testing.T) {
	h := newHarness(t, &fakeSource{}, nil)
	h.analyzer.gate = make(chan struct{})
	s := h.session(t, desktopCaps())

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solidImage(8, 8, color.White)))
	_, err := s.UploadFile(context.Background(), buf.Bytes())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(h.analyzer.Images()) == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	snap := s.Snapshot()
	assert.Nil(t, snap.Result)
	assert.False(t, snap.Loading)
	assert.Equal(t, StateSubmitted, snap.State)
	assert.NotContains(t, h.activity.Types(), "food_scan")

	// The image can be submitted again once the request is gone
	close(h.analyzer.gate)
	result, err := s.Submit(context.Background())
	require.NoError(t, err)
	assert.True(t, result.IsSuccess())
	assert.NotNil(t, s.Snapshot().Result)
	assert.Contains(t, h.activity.Types(), "food_scan")
}

func TestStopAndCloseReleaseTracks(t *testing.T) {
	tests := []struct {
		name string
		stop func(s *Session)
	}{
		{"stop", func(s *Session) { s.StopCamera() }},
		{"close", func(s *Session) { s.Close() }},
		{"reset", func(s *Session) { s.Reset() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := &fakeSource{}
			h := newHarness(t, source, nil)
			s := h.session(t, desktopCaps())

			_, err := s.Open(context.Background())
			require.NoError(t, err)

			tt.stop(s)

			for _, st := range source.Streams() {
				assert.Equal(t, 0, st.Tracks())
			}
			assert.False(t, s.Snapshot().ActiveCameraOpen)
			assert.Equal(t, "", h.manager.CameraHolder())
		})
	}
}

func TestClosedSessionRejectsOperations(t *testing.T) {
	h := newHarness(t, &fakeSource{}, nil)
	s := h.session(t, desktopCaps())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Open(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.Capture(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.Submit(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSingleCameraHolder(t *testing.T) {
	source := &fakeSource{}
	h := newHarness(t, source, nil)
	a := h.session(t, desktopCaps())
	b := h.session(t, desktopCaps())

	_, err := a.Open(context.Background())
	require.NoError(t, err)
	_, err = b.Open(context.Background())
	require.NoError(t, err)

	snapA := a.Snapshot()
	assert.Equal(t, StateIdle, snapA.State)
	assert.NotEmpty(t, snapA.Error)
	assert.True(t, source.Streams()[0].Closed())
	assert.Equal(t, b.ID(), h.manager.CameraHolder())
	assert.Equal(t, StateCameraActive, b.Snapshot().State)
}

func TestStaleOpenKeepsNewerCameraClaim(t *testing.T) {
	source := &fakeSource{gate: make(chan struct{})}
	h := newHarness(t, source, nil)
	a := h.session(t, desktopCaps())
	b := h.session(t, desktopCaps())

	stale := make(chan error, 1)
	go func() {
		_, err := a.Open(context.Background())
		stale <- err
	}()
	require.Eventually(t, func() bool { return source.Pending() == 1 }, time.Second, time.Millisecond)

	_, err := a.Reset()
	require.NoError(t, err)
	assert.Equal(t, "", h.manager.CameraHolder())

	fresh := make(chan error, 1)
	go func() {
		_, err := a.Open(context.Background())
		fresh <- err
	}()
	require.Eventually(t, func() bool { return h.manager.CameraHolder() == a.ID() }, time.Second, time.Millisecond)

	close(source.gate)
	assert.ErrorIs(t, <-stale, ErrSuperseded)
	require.NoError(t, <-fresh)

	assert.Equal(t, StateCameraActive, a.Snapshot().State)
	assert.Equal(t, a.ID(), h.manager.CameraHolder(), "stale open must not drop the newer claim")

	_, err = b.Open(context.Background())
	require.NoError(t, err)

	snapA := a.Snapshot()
	assert.Equal(t, StateIdle, snapA.State)
	assert.False(t, snapA.ActiveCameraOpen)
	assert.NotEmpty(t, snapA.Error)
	assert.Equal(t, b.ID(), h.manager.CameraHolder())
}

func TestFlipReopensWithOtherCamera(t *testing.T) {
	source := &fakeSource{devices: []camera.DeviceInfo{
		{ID: "cam-front", Label: "Front Camera"},
		{ID: "cam-back", Label: "Back Camera"},
	}}
	h := newHarness(t, source, nil)

	caps := desktopCaps()
	caps.Platform = device.PlatformAndroid
	caps.FormFactor = device.FormMobile
	caps.CameraCount = 2
	caps.MultipleCameras = true
	caps.PreferredFacing = device.FacingEnvironment
	caps.SupportsExactFacing = true
	s := h.session(t, caps)

	snap, err := s.Open(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.CanFlip)
	assert.Equal(t, device.FacingEnvironment, snap.Facing)

	snap, err = s.Flip(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCameraActive, snap.State)
	assert.Equal(t, device.FacingUser, snap.Facing)

	opened := source.Opened()
	require.Len(t, opened, 2)
	assert.Equal(t, "cam-back", opened[0].DeviceID)
	assert.True(t, opened[0].Exact)
	assert.Equal(t, "cam-front", opened[1].DeviceID)
	assert.True(t, source.Streams()[0].Closed(), "previous camera released before reopening")
}

func TestFlipWhileIdle(t *testing.T) {
	h := newHarness(t, &fakeSource{}, nil)
	s := h.session(t, desktopCaps())

	snap, err := s.Flip(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, device.FacingEnvironment, snap.Facing)
	assert.Empty(t, h.source.Opened())
}

func TestManagerLimits(t *testing.T) {
	h := newHarness(t, &fakeSource{}, nil)
	for i := 0; i < 4; i++ {
		h.session(t, desktopCaps())
	}

	_, err := h.manager.Create(desktopCaps())
	assert.ErrorIs(t, err, ErrTooManySessions)

	_, err = h.manager.Get("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, h.manager.Close("missing"), ErrSessionNotFound)
}

func TestManagerReapIdle(t *testing.T) {
	source := &fakeSource{}
	h := newHarness(t, source, nil)
	s := h.session(t, desktopCaps())
	_, err := s.Open(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, h.manager.ReapIdle(time.Now()))
	assert.Equal(t, 1, h.manager.ReapIdle(time.Now().Add(2*time.Minute)))
	assert.Equal(t, 0, h.manager.Count())
	assert.Equal(t, StateClosed, s.Snapshot().State)
	assert.True(t, source.Streams()[0].Closed())
}
