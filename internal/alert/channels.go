package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Telegram sends via the bot API. An empty token or chat id leaves the
// channel as a no-op so config can stay uniform across environments.
type Telegram struct {
	token  string
	chatID string
	client *http.Client
	// base is overridable for tests.
	base string
}

func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: 5 * time.Second},
		base:   "https://api.telegram.org",
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, n Notification) error {
	if t.token == "" || t.chatID == "" {
		return nil
	}

	icon := "ℹ️"
	switch n.Level {
	case LevelWarning:
		icon = "⚠️"
	case LevelCritical:
		icon = "🚨"
	}
	text := fmt.Sprintf("%s *[%s] %s*\n\n%s", icon, n.Level, n.Title, n.Message)
	for k, v := range n.Fields {
		text += fmt.Sprintf("\n- *%s*: %s", k, v)
	}

	body := map[string]any{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.base, t.token)
	return post(ctx, t.client, url, body, "telegram")
}

// Slack posts to an incoming webhook.
type Slack struct {
	webhookURL string
	client     *http.Client
}

func NewSlack(webhookURL string) *Slack {
	return &Slack{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, n Notification) error {
	if s.webhookURL == "" {
		return nil
	}

	color := "#36a64f"
	switch n.Level {
	case LevelWarning:
		color = "#ffcc00"
	case LevelCritical:
		color = "#8b0000"
	}

	var fields []map[string]any
	for k, v := range n.Fields {
		fields = append(fields, map[string]any{"title": k, "value": v, "short": true})
	}
	body := map[string]any{
		"attachments": []map[string]any{{
			"color":   color,
			"pretext": fmt.Sprintf("[%s] %s", n.Level, n.Title),
			"text":    n.Message,
			"fields":  fields,
			"ts":      n.At.Unix(),
			"footer":  "trade engine",
		}},
	}
	return post(ctx, s.client, s.webhookURL, body, "slack")
}

func post(ctx context.Context, client *http.Client, url string, body any, name string) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", name, resp.StatusCode)
	}
	return nil
}
