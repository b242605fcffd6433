// Package notifications posts end-of-session crawl summaries to a Slack
// incoming webhook.
package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"

	"github.com/jobscout-io/scout/internal/scraper"
)

// RunOutcome pairs one source's run summary with the error that ended it,
// if any.
type RunOutcome struct {
	Summary *scraper.Summary
	Err     error
}

// Notifier delivers run summaries to Slack. A Notifier without a webhook
// URL is valid and does nothing, so callers never need to branch on
// whether Slack is configured.
type Notifier struct {
	webhookURL string
}

// NewNotifier creates a Notifier for the given incoming webhook URL.
func NewNotifier(webhookURL string) *Notifier {
	return &Notifier{webhookURL: webhookURL}
}

// Enabled reports whether a webhook URL is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.webhookURL != ""
}

// NotifyRun posts a summary of one crawl session covering every source
// that ran. Disabled notifiers and empty sessions are no-ops.
func (n *Notifier) NotifyRun(ctx context.Context, outcomes []RunOutcome) error {
	if !n.Enabled() || len(outcomes) == 0 {
		return nil
	}

	msg := buildRunMessage(outcomes)
	if err := slack.PostWebhookContext(ctx, n.webhookURL, msg); err != nil {
		return fmt.Errorf("failed to post Slack run summary: %w", err)
	}

	log.Info().
		Int("sources", len(outcomes)).
		Msg("Slack run summary sent")
	return nil
}

func buildRunMessage(outcomes []RunOutcome) *slack.WebhookMessage {
	succeeded := 0
	failed := 0
	newListings := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		} else {
			succeeded++
		}
		if o.Summary != nil {
			newListings += o.Summary.Archived
		}
	}

	emoji := ":white_check_mark:"
	if failed > 0 {
		emoji = ":x:"
	}

	headline := fmt.Sprintf("%s *Scout run finished*: %d succeeded, %d failed, %d new listings",
		emoji, succeeded, failed, newListings)

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", headline, false, false),
			nil,
			nil,
		),
	}
	for _, o := range outcomes {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", describeOutcome(o), false, false),
			nil,
			nil,
		))
	}

	fallback := fmt.Sprintf("Scout run finished: %d succeeded, %d failed, %d new listings",
		succeeded, failed, newListings)

	return &slack.WebhookMessage{
		Text:   fallback,
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}

func describeOutcome(o RunOutcome) string {
	s := o.Summary
	if o.Err != nil {
		if s == nil {
			return fmt.Sprintf(":x: run failed: %v", o.Err)
		}
		return fmt.Sprintf(":x: *%s*: %v (archived %d before failing, %s)",
			s.Source, o.Err, s.Archived, formatDuration(s.Duration))
	}

	return fmt.Sprintf(":white_check_mark: *%s*: %d new listings in %d rounds, %s",
		s.Source, s.Archived, s.Rounds, formatDuration(s.Duration))
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
