// Package capture drives one scan attempt from camera open through
// capture, upload and submission for analysis.
package capture

import (
	"errors"
	"fmt"
)

// State of a capture session
type State string

const (
	StateIdle          State = "idle"
	StateCameraOpening State = "camera_opening"
	StateCameraActive  State = "camera_active"
	StateCaptured      State = "captured"
	StateSubmitted     State = "submitted"
	StateUploading     State = "uploading"
	StateClosed        State = "closed"
)

// Event drives a state transition
type Event string

const (
	EventOpen         Event = "open"
	EventOpened       Event = "opened"
	EventOpenFailed   Event = "open_failed"
	EventCapture      Event = "capture"
	EventRetake       Event = "retake"
	EventSubmit       Event = "submit"
	EventUpload       Event = "upload"
	EventUploaded     Event = "uploaded"
	EventUploadFailed Event = "upload_failed"
	EventFlip         Event = "flip"
	EventStop         Event = "stop"
	EventReset        Event = "reset"
	EventClose        Event = "close"
)

var (
	// ErrInvalidTransition is returned when an event is not allowed in the
	// current state
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrSessionClosed is returned for any event on a closed session
	ErrSessionClosed = errors.New("session closed")
)

// TransitionError names the rejected event
type TransitionError struct {
	From  State
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s in state %s", e.Event, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

type transition struct {
	from  State
	event Event
}

var transitions = map[transition]State{
	{StateIdle, EventOpen}:                StateCameraOpening,
	{StateCameraOpening, EventOpened}:     StateCameraActive,
	{StateCameraOpening, EventOpenFailed}: StateIdle,
	{StateCameraActive, EventCapture}:     StateCaptured,
	{StateCaptured, EventRetake}:          StateCameraOpening,
	{StateCaptured, EventSubmit}:          StateSubmitted,
	{StateSubmitted, EventSubmit}:         StateSubmitted,

	// Uploads bypass the camera and leave the image on an idle session
	{StateIdle, EventUpload}:            StateUploading,
	{StateUploading, EventUploaded}:     StateIdle,
	{StateUploading, EventUploadFailed}: StateIdle,
	{StateIdle, EventSubmit}:            StateSubmitted,

	{StateIdle, EventFlip}:         StateIdle,
	{StateCameraActive, EventFlip}: StateCameraOpening,

	{StateIdle, EventStop}:          StateIdle,
	{StateCameraOpening, EventStop}: StateIdle,
	{StateCameraActive, EventStop}:  StateIdle,
}

// Next returns the state reached from s on e. Reset and Close are accepted
// from every open state; a closed session accepts only Close.
func Next(s State, e Event) (State, error) {
	if s == StateClosed {
		if e == EventClose {
			return StateClosed, nil
		}
		return StateClosed, ErrSessionClosed
	}

	switch e {
	case EventReset:
		return StateIdle, nil
	case EventClose:
		return StateClosed, nil
	}

	if next, ok := transitions[transition{s, e}]; ok {
		return next, nil
	}
	return s, &TransitionError{From: s, Event: e}
}

// CameraHeld reports whether the camera is owned in state s
func (s State) CameraHeld() bool {
	return s == StateCameraOpening || s == StateCameraActive
}
