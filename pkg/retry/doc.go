// Package retry provides exponential backoff for transient failures.
//
// # Overview
//
// The connection manager reconnects device links with this package. The delay after
// k consecutive failures is deterministic:
//
//	Delay(k) = min(InitialDelay * Multiplier^(k-1), MaxDelay)
//
// and JitteredDelay adds up to 25% on top so that a room full of devices losing the
// same access point does not reconnect in lockstep.
//
// # Usage
//
//	cfg := retry.DefaultConfig()
//	for k := 1; k <= cfg.MaxAttempts; k++ {
//	    if err := cfg.Sleep(ctx, k); err != nil {
//	        return err
//	    }
//	    if conn, err := hub.Await(ctx, deviceID); err == nil {
//	        return conn
//	    }
//	}
//
// Do wraps the same loop around a function:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return archive.Ping(ctx)
//	})
//
// All waits respect context cancellation.
package retry
