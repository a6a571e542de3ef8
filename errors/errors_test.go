package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
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
			assert.Equal(t, test.expected, test.class.String())
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
		{"transport", ErrTransport, true},
		{"link closed", fmt.Errorf("read: %w", ErrLinkClosed), true},
		{"credential", ErrCredential, true},
		{"ack timeout", ErrAckTimeout, true},
		{"discovery timeout", ErrDiscoveryTimeout, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"protocol", ErrInvalidLine, false},
		{"invalid config", ErrInvalidConfig, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err), "error: %v", test.err)
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid config", ErrInvalidConfig, true},
		{"missing config", ErrMissingConfig, true},
		{"adapter absent", ErrAdapterAbsent, true},
		{"transport", ErrTransport, false},
		{"panic in message", fmt.Errorf("panic: system failure"), true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsFatal(test.err), "error: %v", test.err)
		})
	}
}

func TestIsInvalid(t *testing.T) {
	assert.True(t, IsInvalid(ErrInvalidLine))
	assert.True(t, IsInvalid(ErrInvalidFrame))
	assert.True(t, IsInvalid(ErrUnsupportedSensor))
	assert.True(t, IsInvalid(&ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("test")}))
	assert.False(t, IsInvalid(ErrTransport))
	assert.False(t, IsInvalid(nil))
}

func TestIsProtocol(t *testing.T) {
	assert.True(t, IsProtocol(ErrInvalidLine))
	assert.True(t, IsProtocol(fmt.Errorf("decode: %w", ErrInvalidFrame)))
	assert.False(t, IsProtocol(ErrUnsupportedSensor))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil error", nil, ErrorTransient},
		{"transport", ErrTransport, ErrorTransient},
		{"invalid config", ErrInvalidConfig, ErrorFatal},
		{"protocol", ErrInvalidLine, ErrorInvalid},
		{"unknown error", fmt.Errorf("unknown error"), ErrorTransient},
		{"classified error", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, ErrorFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, Classify(test.err))
		})
	}
}

func TestClassifiedError(t *testing.T) {
	baseErr := fmt.Errorf("base error")
	ce := newClassified(ErrorTransient, baseErr, "Scheduler", "Run", "custom message")

	assert.Equal(t, ErrorTransient, ce.Class)
	assert.Equal(t, "Scheduler", ce.Component)
	assert.Equal(t, "Run", ce.Operation)
	assert.Equal(t, "custom message", ce.Error())
	assert.True(t, errors.Is(ce, baseErr))

	bare := newClassified(ErrorTransient, baseErr, "Scheduler", "Run", "")
	assert.Equal(t, "base error", bare.Error())
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "Manager", "Publish", "send"))

	err := Wrap(ErrAckTimeout, "Manager", "Publish", "send")
	assert.Equal(t, "Manager.Publish: send failed: publish acknowledgment timeout", err.Error())
	assert.True(t, errors.Is(err, ErrAckTimeout))
}

func TestWrapClassified(t *testing.T) {
	base := fmt.Errorf("socket reset")

	transient := WrapTransient(base, "Machine", "open", "dial")
	assert.True(t, IsTransient(transient))
	assert.True(t, errors.Is(transient, base))

	fatal := WrapFatal(base, "Loader", "Load", "parse")
	assert.True(t, IsFatal(fatal))

	invalid := WrapInvalid(base, "Config", "Validate", "check")
	assert.True(t, IsInvalid(invalid))

	var ce *ClassifiedError
	assert.True(t, As(invalid, &ce))
	assert.Equal(t, "Config", ce.Component)

	assert.Nil(t, WrapTransient(nil, "a", "b", "c"))
	assert.Nil(t, WrapFatal(nil, "a", "b", "c"))
	assert.Nil(t, WrapInvalid(nil, "a", "b", "c"))
}
