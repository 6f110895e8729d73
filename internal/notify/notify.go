// Package notify pushes pending-approval notices to chat channels so a
// human can decide without watching the terminal.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mantora/mantora/internal/caps"
	"github.com/mantora/mantora/internal/config"
)

// Pending describes a call waiting for approval.
type Pending struct {
	ID        string
	SessionID string
	Tool      string
	RiskLevel string
	Reason    string
	SQL       string
	Timeout   time.Duration
}

type Notifier interface {
	Name() string
	Notify(ctx context.Context, p Pending) error
}

// Message renders the notice text shared by every notifier.
func Message(p Pending) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Approval needed: %s (%s risk)\n", p.Tool, p.RiskLevel)
	if p.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", p.Reason)
	}
	if p.SQL != "" {
		sql, _ := caps.Text(p.SQL, 500)
		fmt.Fprintf(&b, "SQL: %s\n", sql)
	}
	fmt.Fprintf(&b, "Session: %s\n", p.SessionID)
	if p.Timeout > 0 {
		fmt.Fprintf(&b, "Auto-denied in %s.\n", p.Timeout)
	}
	fmt.Fprintf(&b, "Allow: mantora pending allow %s\nDeny:  mantora pending deny %s", p.ID, p.ID)
	return b.String()
}

// FromConfig builds the enabled notifiers.
func FromConfig(cfg config.NotifyConfig) []Notifier {
	var out []Notifier
	if cfg.Slack.Enabled {
		out = append(out, NewSlack(cfg.Slack.BotToken, cfg.Slack.Channel, cfg.Slack.APIURL))
	}
	if cfg.Telegram.Enabled {
		out = append(out, NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.Endpoint))
	}
	return out
}

// Broadcast sends p to every notifier, logging failures.
func Broadcast(ctx context.Context, notifiers []Notifier, p Pending) {
	for _, n := range notifiers {
		if err := n.Notify(ctx, p); err != nil {
			slog.Warn("Pending notification failed", "notifier", n.Name(), "pending_id", p.ID, "error", err)
			continue
		}
		slog.Debug("Pending notification sent", "notifier", n.Name(), "pending_id", p.ID)
	}
}
