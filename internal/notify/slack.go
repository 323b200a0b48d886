package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SlackNotifier sends reports to a Slack webhook.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewSlackNotifier creates a SlackNotifier with the given webhook URL.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// slackBlock represents a Slack Block Kit block.
type slackBlock struct {
	Type string     `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

// slackText represents a text object in Slack Block Kit.
type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// slackPayload is the top-level Slack message payload.
type slackPayload struct {
	Blocks []slackBlock `json:"blocks"`
}

// BuildSlackPayload creates the Block Kit payload for a report: a header
// followed by one section per field.
func BuildSlackPayload(msg Message) slackPayload {
	icon := ":white_check_mark:"
	if msg.Failed {
		icon = ":warning:"
	}
	blocks := []slackBlock{
		{
			Type: "header",
			Text: &slackText{Type: "plain_text", Text: msg.Title},
		},
		{
			Type: "section",
			Text: &slackText{Type: "mrkdwn", Text: icon + " repocache"},
		},
	}
	for _, f := range msg.Fields {
		blocks = append(blocks, slackBlock{
			Type: "section",
			Text: &slackText{
				Type: "mrkdwn",
				Text: fmt.Sprintf("*%s:* %s", f.Name, f.Value),
			},
		})
	}
	return slackPayload{Blocks: blocks}
}

// Notify sends msg to Slack.
func (s *SlackNotifier) Notify(ctx context.Context, msg Message) error {
	body, err := json.Marshal(BuildSlackPayload(msg))
	if err != nil {
		return fmt.Errorf("marshaling slack payload: %w", err)
	}
	if err := postJSON(ctx, s.client, "slack", s.webhookURL, body); err != nil {
		return fmt.Errorf("slack notify: %w", err)
	}
	return nil
}
