package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
)

// FailureKind is the category of a capture-acquisition failure
type FailureKind string

const (
	FailureNotFound        FailureKind = "NotFoundError"
	FailureNotAllowed      FailureKind = "NotAllowedError"
	FailureNotReadable     FailureKind = "NotReadableError"
	FailureOverconstrained FailureKind = "OverconstrainedError"
	FailureSecurity        FailureKind = "SecurityError"
	FailureAbort           FailureKind = "AbortError"
	FailureUnknown         FailureKind = "UnknownError"
)

// KindError attaches an explicit failure category to an error
type KindError struct {
	Kind FailureKind
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

// WithKind tags err with a failure category
func WithKind(kind FailureKind, err error) error {
	return &KindError{Kind: kind, Err: err}
}

// Classify maps a driver, OS or context error onto a failure category
func Classify(err error) FailureKind {
	if err == nil {
		return FailureUnknown
	}

	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return FailureAbort
	case errors.Is(err, syscall.EBUSY):
		return FailureNotReadable
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return FailureNotAllowed
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENOENT), errors.Is(err, syscall.ENODEV):
		return FailureNotFound
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "not permitted"):
		return FailureNotAllowed
	case strings.Contains(msg, "busy"), strings.Contains(msg, "already in use"):
		return FailureNotReadable
	case strings.Contains(msg, "constraint"):
		return FailureOverconstrained
	case strings.Contains(msg, "no such device"), strings.Contains(msg, "not found"), strings.Contains(msg, "no device"):
		return FailureNotFound
	case strings.Contains(msg, "insecure"):
		return FailureSecurity
	}
	return FailureUnknown
}

// Message produces the user-facing text for a capture failure
func Message(err error, caps Capabilities) string {
	kind := Classify(err)

	switch kind {
	case FailureNotFound:
		return "No camera was found on this device. You can upload a photo instead."
	case FailureNotAllowed:
		switch caps.Platform {
		case PlatformIOS:
			return "Camera permission was denied. Open Settings > Safari > Camera, allow access and reload, or upload a photo instead."
		case PlatformAndroid:
			return "Camera permission was denied. Allow camera access in your browser's site settings and try again, or upload a photo instead."
		default:
			return "Camera permission was denied. Allow camera access in your browser or system privacy settings and try again, or upload a photo instead."
		}
	case FailureNotReadable:
		return "The camera is being used by another application. Close other apps that use the camera and try again."
	case FailureOverconstrained:
		if caps.MultipleCameras {
			return "This camera does not support the requested settings. Try switching cameras or upload a photo instead."
		}
		return "This camera does not support the requested settings. Please upload a photo instead."
	case FailureSecurity:
		return "Camera access requires a secure connection. Open the scanner over HTTPS or localhost, or upload a photo instead."
	case FailureAbort:
		return "Starting the camera was interrupted. Please try again."
	}

	detail := "unknown error"
	if err != nil {
		detail = err.Error()
	}
	return fmt.Sprintf("Camera error: %s. You can upload a photo instead.", detail)
}
