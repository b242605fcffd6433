package crawler

import (
	"fmt"
	"time"
)

// Config holds the fetch-reliability knobs for a Fetcher instance.
// All values are consumed, not cross-validated: each only needs to be positive.
type Config struct {
	MaxConsecutiveFailures int           // Transient failures in a row before the circuit breaker opens
	RequestDelay           time.Duration // Minimum spacing between requests, also the retry backoff base
	MaxRetries             int           // Attempts per logical fetch before the last error is classified
	Timeout                time.Duration // Per-request timeout
	UserAgent              string        // User agent string for requests
}

// DefaultConfig returns a Config instance with default values
func DefaultConfig() *Config {
	return &Config{
		MaxConsecutiveFailures: 5,
		RequestDelay:           1 * time.Second,
		MaxRetries:             3,
		Timeout:                30 * time.Second,
		UserAgent:              "Scout/1.0 (+https://github.com/jobscout-io/scout)",
	}
}

// Validate checks that every knob is positive.
func (c *Config) Validate() error {
	if c.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("max consecutive failures must be positive, got %d", c.MaxConsecutiveFailures)
	}
	if c.RequestDelay <= 0 {
		return fmt.Errorf("request delay must be positive, got %s", c.RequestDelay)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive, got %d", c.MaxRetries)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	return nil
}
