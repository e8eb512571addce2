package scaler

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
)

// SlackNotifier posts scaling summaries to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
}

// NewSlackNotifier creates a notifier for the given webhook URL. Returns
// nil if the URL is empty so callers can wire it unconditionally.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	if webhookURL == "" {
		return nil
	}
	return &SlackNotifier{webhookURL: webhookURL}
}

// NotifyScaling posts a short per-region summary of the adjustments.
func (n *SlackNotifier) NotifyScaling(ctx context.Context, summary *Summary) error {
	var b strings.Builder
	fmt.Fprintf(&b, "*Auto-scaling adjusted %d region(s)* (+%d/-%d workers)\n",
		len(summary.Adjustments), summary.WorkersAdded, summary.WorkersRemoved)
	for _, adj := range summary.Adjustments {
		fmt.Fprintf(&b, "• %s: %d → %d (predicted %d requests)\n",
			adj.RegionID, adj.PreviousTarget, adj.NewTarget, adj.PredictedRequests)
	}
	for _, skipped := range summary.SkippedRegions {
		fmt.Fprintf(&b, "• %s: skipped (%s)\n", skipped.RegionID, skipped.Reason)
	}

	return slack.PostWebhookContext(ctx, n.webhookURL, &slack.WebhookMessage{
		Text: b.String(),
	})
}
