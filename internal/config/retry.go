package config

import "github.com/soba-labs/soba/internal/retry"

// Policy builds a named retry policy from the RETRY_* settings. Unset fields
// keep the retry package defaults.
func (c RetryConfig) Policy(name string) retry.Policy {
	p := retry.DefaultPolicy().Named(name)
	if c.Attempts > 0 {
		p.Attempts = c.Attempts
	}
	if c.BaseDelay > 0 {
		p.BaseDelay = c.BaseDelay
	}
	if c.MaxDelay > 0 {
		p.MaxDelay = c.MaxDelay
	}
	return p
}
