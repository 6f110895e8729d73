package notify

import (
	"context"
	"os"

	"github.com/mantora/mantora/internal/errors"

	"github.com/slack-go/slack"
)

type Slack struct {
	channel string
	client  *slack.Client
}

// NewSlack posts to channel with a bot token. apiURL overrides the Slack
// API base, mainly for tests; it must end with a slash.
func NewSlack(botToken, channel, apiURL string) *Slack {
	if botToken == "" {
		botToken = os.Getenv("SLACK_BOT_TOKEN")
	}
	var opts []slack.Option
	if apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return &Slack{
		channel: channel,
		client:  slack.New(botToken, opts...),
	}
}

func (s *Slack) Name() string {
	return "slack"
}

func (s *Slack) Notify(ctx context.Context, p Pending) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(Message(p), false))
	if err != nil {
		return errors.Wrap(err, "failed to send Slack message")
	}
	return nil
}
