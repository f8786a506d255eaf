package incidents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tracedeck/core/store"
)

// Notifier delivers incident lifecycle notifications. Delivery is fire
// and forget: implementations log failures and never return them into
// the detection path.
type Notifier interface {
	Notify(ctx context.Context, incident *store.Incident, action string)
}

// NopNotifier is used when no webhook is configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, *store.Incident, string) {}

// SlackWebhookNotifier posts one-line incident messages to a Slack
// incoming webhook.
type SlackWebhookNotifier struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
	logger     zerolog.Logger
}

func NewSlackWebhookNotifier(webhookURL, channel, username string, logger zerolog.Logger) *SlackWebhookNotifier {
	if username == "" {
		username = "tracedeck"
	}
	return &SlackWebhookNotifier{
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
		client: &http.Client{
			Timeout: 2 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
			},
		},
		logger: logger,
	}
}

func (n *SlackWebhookNotifier) Notify(ctx context.Context, incident *store.Incident, action string) {
	if n.webhookURL == "" || incident == nil {
		return
	}
	text := fmt.Sprintf("[tracedeck] %s %s %s %s %s",
		strings.ToUpper(action), incident.Kind, incident.Severity, incident.Source, incident.Name)
	payload := map[string]any{
		"text":     strings.TrimSpace(text),
		"username": n.username,
	}
	if n.channel != "" {
		payload["channel"] = n.channel
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn().Err(err).Str("action", action).Msg("slack notification failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn().Int("status", resp.StatusCode).Str("action", action).Msg("slack notification rejected")
	}
}
