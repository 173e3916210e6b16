// Package notify pages an operator channel when the garbage collector
// exhausts its retry budget (spec.md §4.8, §5.8 "optional operator paging").
// PageReconcilerDrift exists, but the reconciler holds no Notifier and
// never calls it.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier posts operator-facing pages to a single Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Slack Notifier. If botToken is empty, the notifier
// is a noop — paging is optional (spec.md §5.8).
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

// IsEnabled reports whether the notifier has a usable Slack client.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// PageRetryExhausted notifies the operator that a lease's termination
// retry budget was exhausted and it needs manual attention (spec.md §4.8
// "leave lease in TERMINATING for operator attention").
func (n *Notifier) PageRetryExhausted(ctx context.Context, leaseID, lastError string, attempts int) error {
	text := fmt.Sprintf(":rotating_light: lease %s stuck in TERMINATING after %d retries: %s", leaseID, attempts, lastError)
	return n.post(ctx, text, "lease_id", leaseID, "attempts", attempts)
}

// PageReconcilerDrift notifies the operator that the reconciler repeatedly
// found drift it could not correct on its own.
func (n *Notifier) PageReconcilerDrift(ctx context.Context, summary string) error {
	text := fmt.Sprintf(":warning: reconciler drift: %s", summary)
	return n.post(ctx, text, "summary", summary)
}

func (n *Notifier) post(ctx context.Context, text string, logArgs ...any) error {
	if !n.IsEnabled() {
		n.logger.Warn(text, logArgs...)
		return nil
	}
	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting operator page: %w", err)
	}
	return nil
}
