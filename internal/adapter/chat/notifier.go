// Package chat delivers hook notifications to chat incoming webhooks.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Strob0t/agentengine/internal/port/notifier"
	"github.com/Strob0t/agentengine/internal/resilience"
)

// Format selects the webhook payload shape.
type Format string

const (
	FormatSlack   Format = "slack"
	FormatDiscord Format = "discord"
)

const (
	sendAttempts = 3
	sendBackoff  = 500 * time.Millisecond
)

// Notifier posts notifications to a Slack or Discord incoming webhook.
type Notifier struct {
	format     Format
	webhookURL string
	httpClient *http.Client
	backoff    time.Duration
}

var _ notifier.Notifier = (*Notifier)(nil)

// NewNotifier creates a notifier for the given webhook. An empty URL
// yields a notifier whose Send reports notifier.ErrNotConfigured.
func NewNotifier(format Format, webhookURL string) *Notifier {
	return &Notifier{
		format:     format,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		backoff:    sendBackoff,
	}
}

func (n *Notifier) Name() string { return string(n.format) }

// Send posts n. Server errors and rate limiting are retried; other 4xx
// responses are not.
func (n *Notifier) Send(ctx context.Context, msg notifier.Notification) error {
	if n.webhookURL == "" {
		return notifier.ErrNotConfigured
	}
	body, err := n.payload(msg)
	if err != nil {
		return fmt.Errorf("%s marshal: %w", n.format, err)
	}
	return resilience.Retry(ctx, sendAttempts, n.backoff, func(ctx context.Context) error {
		return n.post(ctx, body)
	})
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return resilience.Permanent(fmt.Errorf("%s request: %w", n.format, err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req) //nolint:gosec // webhook URL from trusted config
	if err != nil {
		return fmt.Errorf("%s send: %w", n.format, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 400 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = fmt.Errorf("%s webhook %d: %s", n.format, resp.StatusCode, respBody)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return err
	}
	return resilience.Permanent(err)
}

func (n *Notifier) payload(msg notifier.Notification) ([]byte, error) {
	footer := msg.Source
	if msg.ExecutionID != "" {
		if footer != "" {
			footer += " · "
		}
		footer += "execution " + msg.ExecutionID
	}
	title := msg.Title
	if title == "" {
		title = "Agent engine"
	}

	switch n.format {
	case FormatDiscord:
		embed := discordEmbed{Title: title, Description: msg.Message, Color: discordColor(msg.Level)}
		if footer != "" {
			embed.Footer = &discordFooter{Text: footer}
		}
		return json.Marshal(discordWebhook{Embeds: []discordEmbed{embed}})
	default:
		blocks := []slackBlock{
			{Type: "header", Text: &slackText{Type: "plain_text", Text: slackTag(msg.Level) + " " + title}},
			{Type: "section", Text: &slackText{Type: "mrkdwn", Text: msg.Message}},
		}
		if footer != "" {
			blocks = append(blocks, slackBlock{
				Type:     "context",
				Elements: []slackText{{Type: "mrkdwn", Text: "_" + footer + "_"}},
			})
		}
		return json.Marshal(slackMessage{Text: title + ": " + msg.Message, Blocks: blocks})
	}
}

type slackMessage struct {
	Text   string       `json:"text"` // fallback for clients without blocks
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type discordWebhook struct {
	Embeds []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Footer      *discordFooter `json:"footer,omitempty"`
}

type discordFooter struct {
	Text string `json:"text"`
}

func slackTag(level string) string {
	switch level {
	case "error":
		return "[ERROR]"
	case "warning":
		return "[WARN]"
	default:
		return "[INFO]"
	}
}

func discordColor(level string) int {
	switch level {
	case "error":
		return 0xE74C3C
	case "warning":
		return 0xF39C12
	default:
		return 0x3498DB
	}
}
