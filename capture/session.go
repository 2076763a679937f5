package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"sync"
	"time"

	"scan-station/activity"
	"scan-station/analysis"
	"scan-station/binder"
	"scan-station/camera"
	"scan-station/device"

	"go.uber.org/zap"
	_ "golang.org/x/image/webp"
)

// Camera acquires capture handles
type Camera interface {
	RequestAccess(ctx context.Context, caps device.Capabilities, facing device.Facing) (*camera.Handle, error)
}

// Analyzer analyses a captured image. It never fails.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte) *analysis.Result
}

// ActivityLogger records activity without blocking
type ActivityLogger interface {
	LogActivity(activityType, description string, metadata map[string]any)
}

// Image sources
const (
	SourceCamera = "camera"
	SourceUpload = "upload"
)

// Snapshot is the observable state of a session
type Snapshot struct {
	ID               string              `json:"id"`
	State            State               `json:"state"`
	ActiveCameraOpen bool                `json:"activeCameraOpen"`
	CapturedImage    bool                `json:"capturedImage"`
	ImageSource      string              `json:"imageSource,omitempty"`
	ImageBytes       int                 `json:"imageBytes,omitempty"`
	ImageWidth       int                 `json:"imageWidth,omitempty"`
	ImageHeight      int                 `json:"imageHeight,omitempty"`
	Uploading        bool                `json:"uploading"`
	Loading          bool                `json:"loading"`
	Error            string              `json:"error,omitempty"`
	Facing           device.Facing       `json:"facing"`
	CanFlip          bool                `json:"canFlip"`
	Capabilities     device.Capabilities `json:"capabilities"`
	Result           *analysis.Result    `json:"result,omitempty"`
	Generation       uint64              `json:"generation"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

// Session is one scan attempt. Methods are safe for concurrent use; long
// operations release the lock while waiting and drop their effect if the
// session changed meanwhile.
type Session struct {
	id     string
	deps   *Deps
	owner  cameraOwner
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	caps        device.Capabilities
	facing      device.Facing
	handle      *camera.Handle
	binding     *binder.Binding
	image       []byte
	imageSource string
	imageWidth  int
	imageHeight int
	errMsg      string
	loading     bool
	inFlight    bool
	inFlightGen uint64
	generation  uint64
	result      *analysis.Result
	createdAt   time.Time
	updatedAt   time.Time
}

// cameraOwner arbitrates the single camera between sessions. Claims and
// releases carry the session generation they were made for.
type cameraOwner interface {
	claimCamera(s *Session, gen uint64)
	releaseCamera(s *Session, gen uint64)
}

func newSession(id string, caps device.Capabilities, deps *Deps, owner cameraOwner, logger *zap.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Session{
		id:        id,
		deps:      deps,
		owner:     owner,
		logger:    logger.With(zap.String("session_id", id)),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
		caps:      caps,
		facing:    caps.PreferredFacing,
		createdAt: now,
		updatedAt: now,
	}
}

// ID returns the session ID
func (s *Session) ID() string { return s.id }

// Snapshot returns the current state
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:               s.id,
		State:            s.state,
		ActiveCameraOpen: s.state == StateCameraActive,
		CapturedImage:    s.image != nil,
		ImageSource:      s.imageSource,
		ImageBytes:       len(s.image),
		ImageWidth:       s.imageWidth,
		ImageHeight:      s.imageHeight,
		Uploading:        s.state == StateUploading,
		Loading:          s.loading,
		Error:            s.errMsg,
		Facing:           s.facing,
		CanFlip:          s.caps.MultipleCameras,
		Capabilities:     s.caps,
		Result:           s.result,
		Generation:       s.generation,
		CreatedAt:        s.createdAt,
		UpdatedAt:        s.updatedAt,
	}
}

// Image returns the captured or uploaded image, if any
func (s *Session) Image() ([]byte, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.image == nil {
		return nil, "", false
	}
	return s.image, s.imageSource, true
}

// LastActive returns when the session last changed
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// apply moves to the state reached on e. Callers hold s.mu.
func (s *Session) apply(e Event) error {
	next, err := Next(s.state, e)
	if err != nil {
		return err
	}
	if next != s.state {
		s.logger.Debug("Session state change",
			zap.String("from", string(s.state)),
			zap.String("to", string(next)),
			zap.String("event", string(e)))
	}
	s.state = next
	s.updatedAt = time.Now()
	return nil
}

// Open acquires the camera and binds it to the preview surface
func (s *Session) Open(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	if err := s.apply(EventOpen); err != nil {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, err
	}
	s.clearImageLocked()
	s.errMsg = ""
	s.loading = true
	s.generation++
	gen := s.generation
	facing := s.facing
	s.mu.Unlock()

	return s.openCamera(ctx, gen, facing)
}

// Retake discards the captured image and reopens the camera
func (s *Session) Retake(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	if s.inFlight {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, ErrAnalysisInFlight
	}
	if err := s.apply(EventRetake); err != nil {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, err
	}
	s.clearImageLocked()
	s.errMsg = ""
	s.loading = true
	s.generation++
	gen := s.generation
	facing := s.facing
	s.mu.Unlock()

	s.logger.Info("Retaking, captured image discarded")
	return s.openCamera(ctx, gen, facing)
}

// Flip switches facing mode, reopening the camera when it is active
func (s *Session) Flip(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	wasActive := s.state == StateCameraActive
	if err := s.apply(EventFlip); err != nil {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, err
	}
	s.facing = s.facing.Flip()
	facing := s.facing
	s.logger.Info("Facing mode flipped", zap.String("facing", string(facing)))

	if !wasActive {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, nil
	}

	s.releaseHandleLocked()
	s.errMsg = ""
	s.loading = true
	s.generation++
	gen := s.generation
	s.mu.Unlock()
	s.owner.releaseCamera(s, gen)

	return s.openCamera(ctx, gen, facing)
}

// openCamera runs acquisition and binding for generation gen, which the
// caller has already moved into CameraOpening
func (s *Session) openCamera(ctx context.Context, gen uint64, facing device.Facing) (Snapshot, error) {
	ctx, cancel := s.scope(ctx)
	defer cancel()

	s.owner.claimCamera(s, gen)

	handle, err := s.deps.Camera.RequestAccess(ctx, s.caps, facing)
	if err != nil {
		msg := err.Error()
		var acqErr *camera.AcquisitionError
		kind := device.Classify(err)
		if errors.As(err, &acqErr) {
			kind = acqErr.Kind
			msg = acqErr.Message
		}
		s.logger.Warn("Camera acquisition failed",
			zap.String("kind", string(kind)),
			zap.String("facing", string(facing)),
			zap.Error(err))
		s.deps.Activity.LogActivity(activity.TypeCameraError, msg, map[string]any{
			"session_id": s.id,
			"kind":       string(kind),
			"facing":     string(facing),
		})

		s.owner.releaseCamera(s, gen)
		return s.finishOpen(gen, nil, err, msg)
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		s.owner.releaseCamera(s, gen)
		return s.finishOpen(gen, handle, nil, "")
	}
	binding := s.bind(ctx, handle)
	s.binding = binding
	s.mu.Unlock()

	if err := binding.Wait(); err != nil {
		handle.Stop()
		s.owner.releaseCamera(s, gen)
		return s.finishOpen(gen, nil, err, err.Error())
	}

	return s.finishOpen(gen, handle, nil, "")
}

func (s *Session) bind(ctx context.Context, handle *camera.Handle) *binder.Binding {
	if s.deps.Surface == nil {
		return s.deps.Binder.Bind(ctx, immediateSurface{}, handle, nil, nil)
	}
	return s.deps.Binder.Bind(ctx, s.deps.Surface, handle,
		func() {
			s.logger.Debug("Preview ready", zap.String("handle", handle.ID))
		},
		func(err error) {
			s.logger.Warn("Preview failed to start", zap.String("handle", handle.ID), zap.Error(err))
		})
}

func (s *Session) finishOpen(gen uint64, handle *camera.Handle, err error, msg string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != gen || s.state != StateCameraOpening {
		if handle != nil {
			handle.Stop()
		}
		s.logger.Debug("Discarding superseded camera open")
		if s.state == StateClosed {
			return s.snapshotLocked(), ErrSessionClosed
		}
		return s.snapshotLocked(), ErrSuperseded
	}

	s.loading = false
	s.binding = nil
	if err != nil {
		s.errMsg = msg
		s.apply(EventOpenFailed)
		return s.snapshotLocked(), err
	}

	s.handle = handle
	s.apply(EventOpened)
	s.logger.Info("Camera active",
		zap.String("handle", handle.ID),
		zap.String("strategy", string(handle.Strategy)),
		zap.String("facing", string(handle.Facing)))
	return s.snapshotLocked(), nil
}

// Capture grabs the current frame at native resolution and releases the
// camera. A frame with zero dimensions fails without releasing it.
func (s *Session) Capture(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	if s.state != StateCameraActive || s.handle == nil {
		err := error(&TransitionError{From: s.state, Event: EventCapture})
		if s.state == StateClosed {
			err = ErrSessionClosed
		}
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, err
	}
	handle := s.handle
	gen := s.generation
	s.mu.Unlock()

	data, bounds, err := s.grabFrame(handle)

	s.mu.Lock()
	if s.generation != gen || s.handle != handle {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, ErrSuperseded
	}
	if err != nil {
		s.errMsg = captureMessage(err)
		s.updatedAt = time.Now()
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.logger.Warn("Capture failed, camera left open", zap.Error(err))
		return snap, err
	}

	// Tracks stop before the state moves so the camera is never observed
	// active alongside a captured image.
	s.releaseHandleLocked()
	s.apply(EventCapture)
	s.image = data
	s.imageSource = SourceCamera
	s.imageWidth = bounds.Dx()
	s.imageHeight = bounds.Dy()
	s.result = nil
	s.errMsg = ""
	s.generation++
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.owner.releaseCamera(s, snap.Generation)
	s.logger.Info("Image captured",
		zap.Int("width", snap.ImageWidth),
		zap.Int("height", snap.ImageHeight),
		zap.Int("bytes", len(data)))
	return snap, nil
}

func (s *Session) grabFrame(handle *camera.Handle) ([]byte, image.Rectangle, error) {
	frame, err := handle.ReadFrame()
	if err != nil {
		return nil, image.Rectangle{}, &CaptureError{Err: err}
	}
	if frame == nil {
		return nil, image.Rectangle{}, &CaptureError{Err: ErrZeroDimensions}
	}
	bounds := frame.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, bounds, &CaptureError{Err: ErrZeroDimensions}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: s.deps.JPEGQuality}); err != nil {
		return nil, bounds, &CaptureError{Err: fmt.Errorf("failed to encode frame: %w", err)}
	}
	return buf.Bytes(), bounds, nil
}

func captureMessage(err error) string {
	if errors.Is(err, ErrZeroDimensions) {
		return "The camera is not streaming yet. Wait a moment and capture again."
	}
	return fmt.Sprintf("Could not capture the photo: %v", err)
}

// UploadFile sets the image from a user-supplied file, bypassing the camera
func (s *Session) UploadFile(ctx context.Context, data []byte) (Snapshot, error) {
	s.mu.Lock()
	if err := s.apply(EventUpload); err != nil {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, err
	}
	s.errMsg = ""
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	cfg, format, err := s.inspectUpload(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != gen || s.state != StateUploading {
		return s.snapshotLocked(), ErrSuperseded
	}
	if err != nil {
		s.errMsg = "Could not read the selected file. Choose a JPEG, PNG or WebP photo."
		s.apply(EventUploadFailed)
		s.logger.Warn("Upload rejected", zap.Int("bytes", len(data)), zap.Error(err))
		return s.snapshotLocked(), err
	}

	s.apply(EventUploaded)
	s.image = data
	s.imageSource = SourceUpload
	s.imageWidth = cfg.Width
	s.imageHeight = cfg.Height
	s.result = nil
	s.generation++

	s.logger.Info("Image uploaded",
		zap.String("format", format),
		zap.Int("width", cfg.Width),
		zap.Int("height", cfg.Height),
		zap.Int("bytes", len(data)))
	return s.snapshotLocked(), nil
}

func (s *Session) inspectUpload(data []byte) (image.Config, string, error) {
	if len(data) == 0 {
		return image.Config{}, "", fmt.Errorf("%w: empty file", ErrUnsupportedImage)
	}
	if s.deps.MaxUploadBytes > 0 && int64(len(data)) > s.deps.MaxUploadBytes {
		return image.Config{}, "", fmt.Errorf("%w: %d bytes", ErrImageTooLarge, len(data))
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return image.Config{}, "", fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return image.Config{}, "", fmt.Errorf("%w: zero dimensions", ErrUnsupportedImage)
	}
	return cfg, format, nil
}

// Submit analyses the current image. A second submission while one is
// outstanding fails with ErrAnalysisInFlight. The result is applied only
// if the session has not moved on since submission.
func (s *Session) Submit(ctx context.Context) (*analysis.Result, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.inFlight {
		s.mu.Unlock()
		return nil, ErrAnalysisInFlight
	}
	if s.image == nil {
		s.mu.Unlock()
		return nil, ErrNoImage
	}
	if err := s.apply(EventSubmit); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.inFlight = true
	s.inFlightGen = s.generation
	s.loading = true
	s.errMsg = ""
	gen := s.generation
	img := s.image
	source := s.imageSource
	s.mu.Unlock()

	ctx, cancel := s.scope(ctx)
	defer cancel()

	s.logger.Info("Submitting image for analysis", zap.Int("bytes", len(img)))
	result := s.deps.Analyzer.Analyze(ctx, img)

	s.mu.Lock()
	if s.inFlight && s.inFlightGen == gen {
		s.inFlight = false
	}
	if s.generation != gen || s.state != StateSubmitted {
		s.mu.Unlock()
		s.logger.Info("Discarding late analysis result",
			zap.String("outcome", string(result.Outcome)))
		return result, ErrSuperseded
	}
	// A cancelled submission has neither succeeded nor run out of attempts
	if err := ctx.Err(); err != nil {
		s.loading = false
		s.updatedAt = time.Now()
		s.mu.Unlock()
		s.logger.Info("Analysis cancelled, result discarded", zap.Error(err))
		return nil, err
	}
	s.result = result
	s.loading = false
	s.updatedAt = time.Now()
	s.mu.Unlock()

	s.logResult(result, source, len(img))
	return result, nil
}

func (s *Session) logResult(result *analysis.Result, source string, size int) {
	level := 0
	if n := len(result.Attempts); n > 0 {
		level = result.Attempts[n-1].Level
	}

	description := fmt.Sprintf("Analyzed %s", result.Food.Name)
	if !result.IsSuccess() {
		description = "Analysis unavailable, placeholder values returned"
	}

	s.deps.Activity.LogActivity(activity.TypeFoodScan, description, map[string]any{
		"session_id":  s.id,
		"outcome":     string(result.Outcome),
		"analyzer":    result.Analyzer,
		"attempts":    len(result.Attempts),
		"level":       level,
		"source":      source,
		"image_bytes": size,
		"calories":    result.Food.Calories,
		"health":      result.Food.HealthScore,
	})
}

// Result returns the applied analysis result and the image source
func (s *Session) Result() (*analysis.Result, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return nil, "", false
	}
	return s.result, s.imageSource, true
}

// StopCamera releases the camera and returns to idle
func (s *Session) StopCamera() (Snapshot, error) {
	s.mu.Lock()
	held := s.state.CameraHeld()
	if err := s.apply(EventStop); err != nil {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, err
	}
	if held {
		s.releaseHandleLocked()
		s.loading = false
		s.generation++
		s.logger.Info("Camera stopped")
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.owner.releaseCamera(s, snap.Generation)
	return snap, nil
}

// Reset discards everything and returns to idle. Outstanding work is
// superseded.
func (s *Session) Reset() (Snapshot, error) {
	s.mu.Lock()
	if err := s.apply(EventReset); err != nil {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, err
	}
	s.releaseHandleLocked()
	s.clearImageLocked()
	s.errMsg = ""
	s.loading = false
	s.inFlight = false
	s.generation++
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.owner.releaseCamera(s, snap.Generation)
	return snap, nil
}

// Close releases the camera immediately and invalidates in-flight work.
// Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.apply(EventClose)
	s.releaseHandleLocked()
	s.clearImageLocked()
	s.loading = false
	s.inFlight = false
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	s.cancel()
	s.owner.releaseCamera(s, gen)
	s.logger.Info("Session closed")
	return nil
}

// preempt is called when another session takes the camera
func (s *Session) preempt() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.CameraHeld() {
		return
	}
	s.releaseHandleLocked()
	s.apply(EventStop)
	s.loading = false
	s.errMsg = "The camera was taken over by another scan."
	s.generation++
	s.logger.Info("Camera preempted by another session")
}

// releaseHandleLocked stops the handle and abandons any pending binding
func (s *Session) releaseHandleLocked() {
	if s.binding != nil {
		s.binding.Cancel()
		s.binding = nil
	}
	if s.handle != nil {
		if err := s.handle.Stop(); err != nil {
			s.logger.Warn("Error stopping camera", zap.Error(err))
		}
		s.handle = nil
	}
}

func (s *Session) clearImageLocked() {
	s.image = nil
	s.imageSource = ""
	s.imageWidth = 0
	s.imageHeight = 0
	s.result = nil
}

// scope derives a context cancelled by either ctx or Close
func (s *Session) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// immediateSurface is used when no preview surface is configured
type immediateSurface struct{}

func (immediateSurface) SetSource(binder.Stream) error   { return nil }
func (immediateSurface) SetVisibility(binder.Visibility) {}
func (immediateSurface) Play(context.Context) error      { return nil }
func (immediateSurface) OnCanPlay(fn func())             { go fn() }
