package slack

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier sends messages to Slack channels.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Slack Notifier. If botToken is empty, the notifier
// will be a noop (logging only).
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{
		client:  client,
		channel: channel,
		logger:  logger,
	}
}

// IsEnabled returns true if the notifier has a valid Slack client. The
// channel given to NewNotifier is not used: PostMessage and PostEphemeral
// take the destination channel explicitly.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil
}

// PostMessage posts a plain-text message to a channel, returning its
// timestamp for a caller that wants to thread further replies under it.
// Used by the chat bridge command pipeline to deliver command results.
func (n *Notifier) PostMessage(ctx context.Context, channel, text string) (ts string, err error) {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, dropping message", "channel", channel)
		return "", nil
	}

	_, ts, err = n.client.PostMessageContext(ctx, channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return "", fmt.Errorf("posting message to slack: %w", err)
	}
	return ts, nil
}

// PostEphemeral posts a message visible only to userID in channelID.
func (n *Notifier) PostEphemeral(ctx context.Context, channelID, userID, text string) error {
	if !n.IsEnabled() {
		return nil
	}

	_, err := n.client.PostEphemeralContext(ctx, channelID, userID, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting ephemeral message: %w", err)
	}
	return nil
}
