package capture

import (
	"errors"
	"fmt"
)

var (
	ErrAnalysisInFlight = errors.New("analysis already in progress")
	ErrNoImage          = errors.New("no image to submit")
	ErrSuperseded       = errors.New("session changed before the operation finished")
	ErrSessionNotFound  = errors.New("session not found")
	ErrTooManySessions  = errors.New("too many open sessions")
	ErrUnsupportedImage = errors.New("unsupported image")
	ErrZeroDimensions   = errors.New("camera frame has zero dimensions")
	ErrImageTooLarge    = errors.New("image too large")
)

// CaptureError reports a failed frame capture. The camera stays open.
type CaptureError struct {
	Err error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture failed: %v", e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }
