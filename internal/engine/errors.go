package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a low-level failure before it crosses the engine
// boundary.
type ErrorKind int

const (
	// ErrKindConfig covers bad input rejected before any network activity.
	ErrKindConfig ErrorKind = iota
	// ErrKindProbe covers metadata probe failures; the transfer never starts.
	ErrKindProbe
	// ErrKindSegment covers segment fetch failures after retries exhaust or
	// a non-retriable server response.
	ErrKindSegment
	// ErrKindAssembly covers destination write failures.
	ErrKindAssembly
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindConfig:
		return "config error"
	case ErrKindProbe:
		return "probe error"
	case ErrKindSegment:
		return "segment error"
	case ErrKindAssembly:
		return "assembly error"
	}
	return fmt.Sprintf("unknown error kind (%d)", int(k))
}

// TransferError is the single terminal error classification a failed
// transfer surfaces, wrapping the underlying cause.
type TransferError struct {
	Kind ErrorKind
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// ErrorKindOf extracts the classification from err, or ok=false when err is
// not a TransferError.
func ErrorKindOf(err error) (ErrorKind, bool) {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

func configErr(format string, args ...any) error {
	return &TransferError{Kind: ErrKindConfig, Err: fmt.Errorf(format, args...)}
}

func probeErr(format string, args ...any) error {
	return &TransferError{Kind: ErrKindProbe, Err: fmt.Errorf(format, args...)}
}

func segmentErr(format string, args ...any) error {
	return &TransferError{Kind: ErrKindSegment, Err: fmt.Errorf(format, args...)}
}

func assemblyErr(format string, args ...any) error {
	return &TransferError{Kind: ErrKindAssembly, Err: fmt.Errorf(format, args...)}
}

// ErrAlreadyComplete is returned when the destination already exists with
// exactly the probed size; nothing is transferred.
var ErrAlreadyComplete = errors.New("destination already exists with the resource size")

// errRangeRejected marks a ranged request the server answered with a
// non-206 success status; retrying cannot help.
var errRangeRejected = errors.New("server rejected range request")
