package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Embed colors.
const (
	discordGreen = 3066993
	discordRed   = 15158332
)

// discordMaxFields is the embed field limit Discord enforces.
const discordMaxFields = 25

// DiscordNotifier sends reports to a Discord webhook.
type DiscordNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordNotifier creates a DiscordNotifier with the given webhook URL.
func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type discordEmbed struct {
	Title  string         `json:"title"`
	Color  int            `json:"color"`
	Fields []discordField `json:"fields"`
	Footer *discordFooter `json:"footer,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordFooter struct {
	Text string `json:"text"`
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

// BuildDiscordPayload creates the embed payload for a report. Fields past
// the Discord limit are summarized in the footer.
func BuildDiscordPayload(msg Message) discordPayload {
	color := discordGreen
	if msg.Failed {
		color = discordRed
	}

	fields := make([]discordField, 0, min(len(msg.Fields), discordMaxFields))
	for i, f := range msg.Fields {
		if i == discordMaxFields {
			break
		}
		fields = append(fields, discordField{Name: f.Name, Value: f.Value})
	}

	footer := "repocache"
	if extra := len(msg.Fields) - len(fields); extra > 0 {
		footer = fmt.Sprintf("repocache - %d more not shown", extra)
	}

	return discordPayload{
		Embeds: []discordEmbed{{
			Title:  msg.Title,
			Color:  color,
			Fields: fields,
			Footer: &discordFooter{Text: footer},
		}},
	}
}

// Notify sends msg to Discord.
func (d *DiscordNotifier) Notify(ctx context.Context, msg Message) error {
	body, err := json.Marshal(BuildDiscordPayload(msg))
	if err != nil {
		return fmt.Errorf("marshaling discord payload: %w", err)
	}
	if err := postJSON(ctx, d.client, "discord", d.webhookURL, body); err != nil {
		return fmt.Errorf("discord notify: %w", err)
	}
	return nil
}
