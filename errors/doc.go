// Package errors provides standardized error handling patterns for SensorLink components.
//
// # Overview
//
// Errors fall into three classes: Transient (temporary, retryable), Invalid
// (bad input, non-retryable) and Fatal (unrecoverable, stop processing).
// Radio and uplink failures are transient and feed the reconnect loops.
// Codec failures are invalid on their own, but a protocol error on a live
// link forces the device state machine to reconnect.
//
// # Quick Start
//
// Wrap errors with component context:
//
//	if err := link.Close(); err != nil {
//	    return errors.Wrap(err, "Machine", "teardown", "close link")
//	}
//
// Check classification for retry logic:
//
//	if errors.IsTransient(err) {
//	    return retry.Retryable[Token](err)
//	}
//
// The package re-exports Is, As, New and Join so callers do not need to
// import the standard library package under a second name.
package errors
