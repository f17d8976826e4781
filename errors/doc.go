// Package errors provides standardized error handling for the sensor controller.
//
// # Overview
//
// Every failure the controller can observe falls in one of five buckets, and each
// bucket maps onto a handling class:
//
//   - ProtocolError (malformed or incompatible message): Invalid, the connection is
//     rejected and not retried.
//   - TransientNetworkError (timeout, reset, idle link): Transient, retried under the
//     connection manager's backoff policy.
//   - ClockSyncFailure (no valid measurement within the staleness window): Transient,
//     the device is marked unsynchronized and its samples are deferred.
//   - ArtifactOverload (artifact score persistently high): surfaced as a quality
//     downgrade, samples are retained and flagged.
//   - FatalDeviceError (protocol incompatibility, backoff exhaustion): Fatal, the
//     device leaves the active session and the session turns Degraded.
//
// # Wrapping
//
// Wrap third-party errors with component context:
//
//	if err := conn.Send(ctx, msg); err != nil {
//	    return errors.WrapTransient(err, "Manager", "SendCommand", "send start_record")
//	}
//
// Classification works through wrapping chains:
//
//	switch errors.Classify(err) {
//	case errors.ErrorTransient:
//	    // reconnect with backoff
//	case errors.ErrorFatal:
//	    // mark device failed
//	}
//
// Kind(err) returns the taxonomy bucket as a short label for logs and metrics.
package errors
