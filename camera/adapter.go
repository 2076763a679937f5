package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"scan-station/config"
	"scan-station/device"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AcquisitionError reports that no constraint combination produced a stream
type AcquisitionError struct {
	Kind    device.FailureKind
	Message string
	Err     error
}

func (e *AcquisitionError) Error() string {
	return e.Message
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}

// Adapter hands out the station's single camera. Acquisitions are
// serialized and a new acquisition releases the previously held handle.
type Adapter struct {
	source       Source
	config       config.CameraConfig
	startupDelay time.Duration
	logger       *zap.Logger

	acquireMu   sync.Mutex // serializes RequestAccess
	mu          sync.Mutex
	current     *Handle
	lastRelease time.Time
}

// NewAdapter creates a camera adapter over source
func NewAdapter(source Source, cfg config.CameraConfig, startupDelay time.Duration, logger *zap.Logger) *Adapter {
	return &Adapter{
		source:       source,
		config:       cfg,
		startupDelay: startupDelay,
		logger:       logger.With(zap.String("source", source.Name())),
	}
}

// SourceName returns the name of the underlying source
func (a *Adapter) SourceName() string {
	return a.source.Name()
}

// RequestAccess acquires the camera for the given facing mode. It probes
// with minimal constraints, then tries optimized and simplified constraint
// sets in order.
func (a *Adapter) RequestAccess(ctx context.Context, caps device.Capabilities, facing device.Facing) (*Handle, error) {
	a.acquireMu.Lock()
	defer a.acquireMu.Unlock()

	a.releaseCurrent()

	if a.config.RequireSecureContext && !caps.SecureContext {
		err := device.WithKind(device.FailureSecurity, errors.New("insecure context"))
		return nil, a.acquisitionError(err, caps)
	}

	if facing == "" {
		facing = caps.PreferredFacing
	}

	if err := a.settle(ctx); err != nil {
		return nil, a.acquisitionError(err, caps)
	}

	if a.config.Probe {
		probe, err := a.source.Open(ctx, Constraints{})
		if err != nil {
			a.logger.Warn("Camera probe failed", zap.Error(err))
			return nil, a.acquisitionError(err, caps)
		}
		if err := probe.Close(); err != nil {
			a.logger.Debug("Error closing probe stream", zap.Error(err))
		}
		a.markReleased()
		a.logger.Debug("Camera probe succeeded")

		if err := a.settle(ctx); err != nil {
			return nil, a.acquisitionError(err, caps)
		}
	}

	deviceID := a.resolveDevice(ctx, facing)

	optimized := Constraints{
		DeviceID: deviceID,
		Exact:    deviceID != "" && caps.SupportsExactFacing,
		Width:    a.config.IdealWidth,
		Height:   a.config.IdealHeight,
	}
	if caps.SupportsAdvancedConstraints {
		optimized.FPS = a.config.FPS
	}
	simplified := Constraints{DeviceID: deviceID}

	attempts := []struct {
		strategy    Strategy
		constraints Constraints
	}{
		{StrategyOptimized, optimized},
		{StrategySimplified, simplified},
	}

	var lastErr error
	for _, attempt := range attempts {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		stream, err := a.source.Open(ctx, attempt.constraints)
		if err != nil {
			a.logger.Warn("Camera acquisition attempt failed",
				zap.String("strategy", string(attempt.strategy)),
				zap.String("device", attempt.constraints.DeviceID),
				zap.Bool("exact", attempt.constraints.Exact),
				zap.Error(err))
			lastErr = err
			continue
		}

		handle := newHandle(uuid.NewString(), stream, a.handleStopped)
		handle.Facing = facing
		handle.DeviceID = deviceID
		handle.Strategy = attempt.strategy
		handle.SourceTag = a.source.Name()

		a.mu.Lock()
		a.current = handle
		a.mu.Unlock()

		a.logger.Info("Camera acquired",
			zap.String("handle", handle.ID),
			zap.String("strategy", string(attempt.strategy)),
			zap.String("facing", string(facing)),
			zap.String("device", deviceID))
		return handle, nil
	}

	return nil, a.acquisitionError(lastErr, caps)
}

// Release stops the currently held handle, if any
func (a *Adapter) Release() {
	a.releaseCurrent()
}

// Current returns the handle that currently owns the device
func (a *Adapter) Current() *Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// VideoInputs counts enumerated video inputs
func (a *Adapter) VideoInputs(ctx context.Context) (int, error) {
	devices, err := a.source.Enumerate(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to enumerate video inputs: %w", err)
	}
	return len(devices), nil
}

// HasMultipleCameras reports whether more than one video input exists
func (a *Adapter) HasMultipleCameras(ctx context.Context) bool {
	n, err := a.VideoInputs(ctx)
	if err != nil {
		a.logger.Debug("Device enumeration failed", zap.Error(err))
		return false
	}
	return n > 1
}

// Devices returns the enumerated video inputs with facing resolved
func (a *Adapter) Devices(ctx context.Context) ([]DeviceInfo, error) {
	devices, err := a.source.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		switch devices[i].ID {
		case a.config.EnvironmentDevice:
			devices[i].Facing = device.FacingEnvironment
		case a.config.UserDevice:
			devices[i].Facing = device.FacingUser
		default:
			if devices[i].Facing == "" || devices[i].Facing == device.FacingDefault {
				devices[i].Facing = FacingFromLabel(devices[i].Label)
			}
		}
	}
	return devices, nil
}

// resolveDevice maps a facing mode onto a device ID. Configured devices
// win over label heuristics; an empty result means "any camera".
func (a *Adapter) resolveDevice(ctx context.Context, facing device.Facing) string {
	switch facing {
	case device.FacingEnvironment:
		if a.config.EnvironmentDevice != "" {
			return a.config.EnvironmentDevice
		}
	case device.FacingUser:
		if a.config.UserDevice != "" {
			return a.config.UserDevice
		}
	default:
		return ""
	}

	devices, err := a.Devices(ctx)
	if err != nil {
		return ""
	}
	for _, d := range devices {
		if d.Facing == facing {
			return d.ID
		}
	}
	return ""
}

func (a *Adapter) acquisitionError(err error, caps device.Capabilities) *AcquisitionError {
	return &AcquisitionError{
		Kind:    device.Classify(err),
		Message: device.Message(err, caps),
		Err:     err,
	}
}

// settle waits out the minimum delay between releasing the device and
// opening it again
func (a *Adapter) settle(ctx context.Context) error {
	a.mu.Lock()
	last := a.lastRelease
	a.mu.Unlock()

	if last.IsZero() || a.startupDelay <= 0 {
		return nil
	}
	wait := a.startupDelay - time.Since(last)
	if wait <= 0 {
		return nil
	}

	a.logger.Debug("Waiting for camera release delay", zap.Duration("wait_time", wait))
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) releaseCurrent() {
	a.mu.Lock()
	current := a.current
	a.mu.Unlock()

	if current == nil {
		return
	}
	a.logger.Info("Releasing previously held camera", zap.String("handle", current.ID))
	if err := current.Stop(); err != nil {
		a.logger.Warn("Error releasing camera", zap.String("handle", current.ID), zap.Error(err))
	}
}

func (a *Adapter) handleStopped(h *Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == h {
		a.current = nil
	}
	a.lastRelease = time.Now()
}

func (a *Adapter) markReleased() {
	a.mu.Lock()
	a.lastRelease = time.Now()
	a.mu.Unlock()
}
