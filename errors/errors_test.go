package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if result := test.class.String(); result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"idle link", ErrLinkIdle, true},
		{"clock sync", ErrClockSync, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"reset in message", fmt.Errorf("read tcp: connection reset by peer"), true},
		{"protocol", ErrProtocol, false},
		{"incompatible version", ErrIncompatibleVersion, false},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsTransient(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"incompatible version is fatal", ErrIncompatibleVersion, ErrorFatal},
		{"backoff exhaustion is fatal", fmt.Errorf("link: %w", ErrBackoffExhausted), ErrorFatal},
		{"malformed message is invalid", ErrInvalidData, ErrorInvalid},
		{"non-monotonic is invalid", ErrNonMonotonic, ErrorInvalid},
		{"unknown defaults to transient", errors.New("something odd"), ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := Classify(test.err); result != test.expected {
				t.Errorf("expected %v, got %v", test.expected, result)
			}
		})
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{nil, "none"},
		{WrapInvalid(ErrProtocol, "protocol", "Parse", "decode"), "protocol"},
		{WrapTransient(ErrClockSync, "Synchronizer", "Resync", "probe"), "clock_sync"},
		{WrapFatal(ErrIncompatibleVersion, "Manager", "handshake", "version check"), "fatal_device"},
		{ErrArtifactOverload, "artifact_overload"},
		{ErrConnectionLost, "transient_network"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if result := Kind(test.err); result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestWrapHelpers(t *testing.T) {
	base := errors.New("boom")

	wrapped := WrapTransient(base, "Manager", "serve", "read frame")
	if wrapped.Error() != "Manager.serve: read frame failed: boom" {
		t.Errorf("unexpected message: %s", wrapped.Error())
	}
	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should unwrap to base")
	}

	var ce *ClassifiedError
	if !errors.As(wrapped, &ce) {
		t.Fatal("expected ClassifiedError")
	}
	if ce.Component != "Manager" || ce.Operation != "serve" {
		t.Errorf("unexpected context %s.%s", ce.Component, ce.Operation)
	}

	if WrapFatal(nil, "a", "b", "c") != nil {
		t.Error("wrapping nil must return nil")
	}
	if !IsInvalid(WrapInvalid(base, "a", "b", "c")) {
		t.Error("WrapInvalid should classify as invalid")
	}
}
