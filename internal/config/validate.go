package config

import (
	"fmt"
	"strings"

	mantoraErrors "github.com/mantora/mantora/internal/errors"
)

// Validate rejects values the proxy cannot run with.
func (c *Config) Validate() error {
	if c.Limits.PreviewRows < 0 || c.Limits.PreviewBytes < 0 || c.Limits.PreviewColumns < 0 {
		return mantoraErrors.InvalidInput("limits.preview_* must not be negative")
	}
	if c.Limits.RetentionDays < 0 {
		return mantoraErrors.InvalidInput("limits.retention_days must not be negative")
	}
	if c.Limits.MaxDBBytes < 0 {
		return mantoraErrors.InvalidInput("limits.max_db_bytes must not be negative")
	}
	if strings.TrimSpace(c.Storage.SQLitePath) == "" {
		return mantoraErrors.InvalidInput("storage.sqlite_path is required")
	}

	durations := map[string][2]string{
		"approval.timeout":       {c.Approval.Timeout, DefaultApprovalTimeout},
		"approval.poll_interval": {c.Approval.PollInterval, DefaultApprovalPollInterval},
		"session.idle_timeout":   {c.Session.IdleTimeout, DefaultSessionIdleTimeout},
		"storage.write_timeout":  {c.Storage.WriteTimeout, DefaultStorageWriteTimeout},
		"storage.append_backoff": {c.Storage.AppendBackoff, DefaultStorageAppendBackoff},
		"notify.timeout":         {c.Notify.Timeout, DefaultNotifyTimeout},
	}
	for key, v := range durations {
		if _, err := DurationOrDefault(v[0], v[1]); err != nil {
			return fmt.Errorf("%s: %v: %w", key, err, mantoraErrors.ErrInvalidInput)
		}
	}

	// Bot tokens may come from SLACK_BOT_TOKEN / TELEGRAM_BOT_TOKEN instead.
	if c.Notify.Slack.Enabled && c.Notify.Slack.Channel == "" {
		return mantoraErrors.InvalidInput("notify.slack requires channel")
	}
	if c.Notify.Telegram.Enabled && c.Notify.Telegram.ChatID == 0 {
		return mantoraErrors.InvalidInput("notify.telegram requires chat_id")
	}

	return nil
}
