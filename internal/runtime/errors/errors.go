package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

// Error kinds surfaced by the messaging engine. Typed errors below match their
// kind through errors.Is so callers can branch on the kind alone.
var (
	ErrTransport = sterrors.New("momflow: transport failure")
	ErrTimeout   = sterrors.New("momflow: request timed out")
	ErrProtocol  = sterrors.New("momflow: protocol violation")
	ErrWorker    = sterrors.New("momflow: worker failure")
	ErrFormat    = sterrors.New("momflow: field does not fit its wire width")
)

var (
	ErrConfigRequired      = sterrors.New("momflow: configuration is required")
	ErrLoggerRequired      = sterrors.New("momflow: logger is required")
	ErrDestinationRequired = sterrors.New("momflow: destination is required")
	ErrWorkerRequired      = sterrors.New("momflow: worker is required")
	ErrFeederRequired      = sterrors.New("momflow: feeder is required")
	ErrGroupRequired       = sterrors.New("momflow: group id is required")
	ErrExecutorStopped     = sterrors.New("momflow: request executor is stopped")
	ErrClientClosed        = sterrors.New("momflow: client is closed")
	ErrServiceExists       = sterrors.New("momflow: a service is already bound to this destination")
)

// TransportError reports a failed publish, subscribe, or route operation.
type TransportError struct {
	Op          string
	Destination string
	Err         error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("momflow: %s %q failed", e.Op, e.Destination)
	}
	return fmt.Sprintf("momflow: %s %q: %v", e.Op, e.Destination, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// TimeoutError is returned once every attempt of a request/reply call expired.
type TimeoutError struct {
	Destination string
	Timeout     time.Duration
	Attempts    int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("momflow: no reply from %q after %d attempt(s) of %v", e.Destination, e.Attempts, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ProtocolError reports a malformed or unsupported chunk sequence.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("momflow: protocol: %s: %v", e.Reason, e.Err)
	}
	return "momflow: protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// NewProtocolError builds a ProtocolError from a format string.
func NewProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// WorkerError reports a failure of an application worker, including a nil
// reply handed to an answer worker.
type WorkerError struct {
	Reason string
	Err    error
}

func (e *WorkerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("momflow: worker: %s: %v", e.Reason, e.Err)
	}
	return "momflow: worker: " + e.Reason
}

func (e *WorkerError) Unwrap() error { return e.Err }

func (e *WorkerError) Is(target error) bool { return target == ErrWorker }

// FormatError reports a numeric field that cannot be narrowed without loss.
type FormatError struct {
	Field string
	Value any
}

func (e *FormatError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("momflow: value %v does not fit in 32 bits", e.Value)
	}
	return fmt.Sprintf("momflow: field %s value %v does not fit in 32 bits", e.Field, e.Value)
}

func (e *FormatError) Is(target error) bool { return target == ErrFormat }

// ConfigValidationError wraps every problem found while validating a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "momflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
