package paygate

import (
	"fmt"
	"time"
)

// TimeoutConfig holds timeout configuration for payment operations.
type TimeoutConfig struct {
	// SettleTimeout is the maximum time to wait for a terminal settlement outcome.
	SettleTimeout time.Duration

	// PollInterval is the delay between settlement status polls.
	PollInterval time.Duration

	// RequestTimeout is the timeout of a single HTTP call to the facilitator.
	RequestTimeout time.Duration

	// ReplayTimeout bounds a single replay store operation.
	ReplayTimeout time.Duration
}

// DefaultTimeouts provides sensible defaults for payment operations.
var DefaultTimeouts = TimeoutConfig{
	SettleTimeout:  60 * time.Second,
	PollInterval:   2 * time.Second,
	RequestTimeout: 15 * time.Second,
	ReplayTimeout:  2 * time.Second,
}

// WithSettleTimeout returns a new TimeoutConfig with updated settle timeout.
func (tc TimeoutConfig) WithSettleTimeout(d time.Duration) TimeoutConfig {
	tc.SettleTimeout = d
	return tc
}

// WithPollInterval returns a new TimeoutConfig with updated poll interval.
func (tc TimeoutConfig) WithPollInterval(d time.Duration) TimeoutConfig {
	tc.PollInterval = d
	return tc
}

// WithRequestTimeout returns a new TimeoutConfig with updated request timeout.
func (tc TimeoutConfig) WithRequestTimeout(d time.Duration) TimeoutConfig {
	tc.RequestTimeout = d
	return tc
}

// WithReplayTimeout returns a new TimeoutConfig with updated replay timeout.
func (tc TimeoutConfig) WithReplayTimeout(d time.Duration) TimeoutConfig {
	tc.ReplayTimeout = d
	return tc
}

// Validate ensures timeout values are reasonable.
func (tc TimeoutConfig) Validate() error {
	if tc.SettleTimeout <= 0 {
		return fmt.Errorf("settle timeout must be positive, got %v", tc.SettleTimeout)
	}
	if tc.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", tc.PollInterval)
	}
	if tc.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", tc.RequestTimeout)
	}
	if tc.ReplayTimeout <= 0 {
		return fmt.Errorf("replay timeout must be positive, got %v", tc.ReplayTimeout)
	}
	if tc.PollInterval >= tc.SettleTimeout {
		return fmt.Errorf("poll interval (%v) should be < settle timeout (%v)",
			tc.PollInterval, tc.SettleTimeout)
	}
	return nil
}
