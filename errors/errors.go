// Package errors provides the classified error model shared by every controller component.
// It maps the controller's failure taxonomy (protocol, transient network, clock sync,
// artifact overload, fatal device) onto three handling classes and offers helpers for
// consistent "component.method: action failed" wrapping.
package errors

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input, never retried
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that remove the affected device
	ErrorFatal
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	}
	return "unknown"
}

// Standard error variables for common conditions
var (
	// Lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrAlreadyStopped = errors.New("component already stopped")
	ErrShuttingDown   = errors.New("component is shutting down")

	// Connection and networking errors (TransientNetworkError)
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrLinkIdle          = errors.New("link idle timeout")

	// Protocol errors (ProtocolError)
	ErrProtocol            = errors.New("protocol error")
	ErrInvalidData         = errors.New("invalid data format")
	ErrIncompatibleVersion = errors.New("incompatible protocol version")

	// Clock synchronization (ClockSyncFailure)
	ErrClockSync      = errors.New("clock synchronization failed")
	ErrUnsynchronized = errors.New("device unsynchronized")
	ErrSyncOutlier    = errors.New("sync measurement rejected as outlier")

	// Signal quality (ArtifactOverload)
	ErrArtifactOverload = errors.New("artifact overload")
	ErrNonMonotonic     = errors.New("non-monotonic corrected timestamp")

	// Device lifecycle (FatalDeviceError)
	ErrDeviceFatal        = errors.New("fatal device error")
	ErrBackoffExhausted   = errors.New("reconnect attempts exhausted")
	ErrUnknownDevice      = errors.New("unknown device")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrNoStandbyTransport = errors.New("no standby transport available")

	// Session errors
	ErrQuorumNotMet   = errors.New("session quorum not met")
	ErrSessionActive  = errors.New("a session is already in progress")
	ErrNoSession      = errors.New("no session in progress")
	ErrLateJoinDenied = errors.New("late join not permitted")

	// Storage errors
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrChecksumFailed     = errors.New("checksum validation failed")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Sentinels that imply a class when no ClassifiedError is in the chain.
var (
	transientSentinels = []error{
		ErrConnectionTimeout, ErrConnectionLost, ErrLinkIdle, ErrNoConnection,
		ErrClockSync, ErrStorageUnavailable, context.DeadlineExceeded,
	}
	fatalSentinels = []error{
		ErrDeviceFatal, ErrIncompatibleVersion, ErrBackoffExhausted,
		ErrInvalidConfig, ErrMissingConfig,
	}
	invalidSentinels = []error{
		ErrInvalidData, ErrProtocol, ErrNonMonotonic, ErrChecksumFailed,
	}

	// transientHints match foreign network errors by message.
	transientHints = []string{"timeout", "connection reset", "broken pipe", "temporary", "unavailable"}
)

func isAny(err error, targets []error) bool {
	return slices.ContainsFunc(targets, func(t error) bool { return errors.Is(err, t) })
}

// classOf returns the class of the outermost ClassifiedError in err's chain.
func classOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorTransient
	}
	if isAny(err, transientSentinels) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return slices.ContainsFunc(transientHints, func(h string) bool { return strings.Contains(msg, h) })
}

// IsFatal checks if an error is fatal for the device it concerns
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorFatal
	}
	return isAny(err, fatalSentinels)
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorInvalid
	}
	return isAny(err, invalidSentinels)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}

	// Unknown errors default to transient so links get another chance
	return ErrorTransient
}

// Kind names the taxonomy bucket of an error for logs and metric labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrIncompatibleVersion), errors.Is(err, ErrDeviceFatal), errors.Is(err, ErrBackoffExhausted):
		return "fatal_device"
	case errors.Is(err, ErrProtocol), errors.Is(err, ErrInvalidData):
		return "protocol"
	case errors.Is(err, ErrClockSync), errors.Is(err, ErrUnsynchronized), errors.Is(err, ErrSyncOutlier):
		return "clock_sync"
	case errors.Is(err, ErrArtifactOverload):
		return "artifact_overload"
	case errors.Is(err, ErrNonMonotonic):
		return "non_monotonic"
	}

	switch Classify(err) {
	case ErrorFatal:
		return "fatal_device"
	case ErrorInvalid:
		return "protocol"
	default:
		return "transient_network"
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}

// Is, As and New mirror the standard library so callers only import this package.
func Is(err, target error) bool { return errors.Is(err, target) }

// As mirrors errors.As.
func As(err error, target any) bool { return errors.As(err, target) }

// New mirrors errors.New.
func New(text string) error { return errors.New(text) }
