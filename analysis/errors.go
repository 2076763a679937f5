package analysis

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrMalformedResponse is returned when a response carries neither
	// productInfo nor an error
	ErrMalformedResponse = errors.New("malformed analysis response")

	// ErrProductNotFound is returned by barcode lookups with no match
	ErrProductNotFound = errors.New("product not found")

	// ErrInvalidBarcode is returned for codes that are not EAN/UPC/GTIN
	ErrInvalidBarcode = errors.New("invalid barcode")
)

// RemoteError is an error reported by the analysis capability itself
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("analysis service error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("analysis service error: %s", e.Message)
}

// ErrorKind classifies a failed attempt
type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"
	KindRemote    ErrorKind = "remote"
	KindMalformed ErrorKind = "malformed"
	KindTransport ErrorKind = "transport"
	KindCancelled ErrorKind = "cancelled"
)

// AnalysisError describes why one attempt failed
type AnalysisError struct {
	Kind    ErrorKind
	Attempt int
	Level   int
	Err     error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis attempt %d (level %d) failed: %s: %v", e.Attempt, e.Level, e.Kind, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

func classify(err error, parent context.Context) ErrorKind {
	var remote *RemoteError
	switch {
	case parent.Err() != nil:
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrMalformedResponse):
		return KindMalformed
	case errors.As(err, &remote):
		return KindRemote
	}
	return KindTransport
}
