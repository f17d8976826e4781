package natsclient

import (
	"fmt"
	"log/slog"
	"time"
)

// ClientOption configures a Client. Options reject invalid values, which
// NewClient reports as an invalid error.
type ClientOption func(*Client) error

// WithReconnect sets how often and how fast the nats.go connection
// reconnects after a drop. max -1 retries forever.
func WithReconnect(max int, wait time.Duration) ClientOption {
	return func(c *Client) error {
		if max < -1 {
			return fmt.Errorf("max reconnects %d: must be -1 or more", max)
		}
		if wait < 0 {
			return fmt.Errorf("reconnect wait %s: must not be negative", wait)
		}
		c.maxReconnects = max
		if wait > 0 {
			c.reconnectWait = wait
		}
		return nil
	}
}

// WithHealthInterval sets how often the server is pinged; 0 disables the
// health monitor.
func WithHealthInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d < 0 {
			return fmt.Errorf("health interval %s: must not be negative", d)
		}
		c.healthInterval = d
		return nil
	}
}

// WithTimeout bounds the initial connection attempt.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout %s: must be positive", d)
		}
		c.timeout = d
		return nil
	}
}

// WithCircuitBreaker opens the circuit after threshold consecutive connect
// failures and caps the backoff between half-open attempts at maxBackoff.
func WithCircuitBreaker(threshold int32, maxBackoff time.Duration) ClientOption {
	return func(c *Client) error {
		if threshold < 1 {
			return fmt.Errorf("circuit threshold %d: must be at least 1", threshold)
		}
		if maxBackoff < time.Second {
			return fmt.Errorf("max backoff %s: must be at least 1s", maxBackoff)
		}
		c.circuit.threshold = threshold
		c.circuit.schedule.MaxDelay = maxBackoff
		return nil
	}
}

// WithCredentials authenticates with a user and password. Empty values are
// ignored so unset configuration can be passed straight through.
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		if (username == "") != (password == "") {
			return fmt.Errorf("username and password must be set together")
		}
		c.username, c.password = username, password
		return nil
	}
}

// WithToken authenticates with a token; empty is ignored.
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithName sets the connection name shown by the server.
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}
