package config

import (
	"fmt"
	"strings"
	"time"
)

// DurationOrDefault parses a duration string and falls back to defaultValue when empty.
func DurationOrDefault(value string, defaultValue string) (time.Duration, error) {
	candidate := strings.TrimSpace(value)
	if candidate == "" {
		candidate = strings.TrimSpace(defaultValue)
	}
	if candidate == "" {
		return 0, fmt.Errorf("duration value is empty")
	}

	d, err := time.ParseDuration(candidate)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", candidate, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q is negative", candidate)
	}
	return d, nil
}

// ApprovalTimeout is the bound on how long a blocked call waits for a decision.
func (c *Config) ApprovalTimeout() time.Duration {
	d, err := DurationOrDefault(c.Approval.Timeout, DefaultApprovalTimeout)
	if err != nil {
		d, _ = time.ParseDuration(DefaultApprovalTimeout)
	}
	return d
}

func (c *Config) ApprovalPollInterval() time.Duration {
	d, err := DurationOrDefault(c.Approval.PollInterval, DefaultApprovalPollInterval)
	if err != nil {
		d, _ = time.ParseDuration(DefaultApprovalPollInterval)
	}
	return d
}

func (c *Config) SessionIdleTimeout() time.Duration {
	d, err := DurationOrDefault(c.Session.IdleTimeout, DefaultSessionIdleTimeout)
	if err != nil {
		d, _ = time.ParseDuration(DefaultSessionIdleTimeout)
	}
	return d
}

func (c *Config) StorageWriteTimeout() time.Duration {
	d, err := DurationOrDefault(c.Storage.WriteTimeout, DefaultStorageWriteTimeout)
	if err != nil {
		d, _ = time.ParseDuration(DefaultStorageWriteTimeout)
	}
	return d
}

func (c *Config) StorageAppendBackoff() time.Duration {
	d, err := DurationOrDefault(c.Storage.AppendBackoff, DefaultStorageAppendBackoff)
	if err != nil {
		d, _ = time.ParseDuration(DefaultStorageAppendBackoff)
	}
	return d
}

func (c *Config) NotifyTimeout() time.Duration {
	d, err := DurationOrDefault(c.Notify.Timeout, DefaultNotifyTimeout)
	if err != nil {
		d, _ = time.ParseDuration(DefaultNotifyTimeout)
	}
	return d
}
