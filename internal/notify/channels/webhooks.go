package channels

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"impersonation-detector/internal/models"
)

func requireHTTPURL(service, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return &models.PermanentRejectionError{Reason: fmt.Sprintf("invalid %s destination %q", service, raw)}
	}
	return nil
}

// Slack posts to an incoming-webhook URL. Slack does not return a message id, so one is generated.
type Slack struct {
	client *http.Client
}

// NewSlack builds a Slack adapter.
func NewSlack(timeout time.Duration) *Slack {
	return &Slack{client: newHTTPClient(timeout)}
}

func (s *Slack) Send(ctx context.Context, msg Message) (string, error) {
	if err := requireHTTPURL("slack", msg.To); err != nil {
		return "", err
	}
	text := msg.Body
	if msg.Subject != "" {
		text = "*" + msg.Subject + "*\n" + msg.Body
	}
	if _, err := postJSON(ctx, s.client, "slack", msg.To, nil, map[string]string{"text": text}); err != nil {
		return "", err
	}
	return "slack-" + uuid.NewString(), nil
}

// Discord posts to a channel webhook with wait=true so the created message id is returned.
type Discord struct {
	client *http.Client
}

// NewDiscord builds a Discord adapter.
func NewDiscord(timeout time.Duration) *Discord {
	return &Discord{client: newHTTPClient(timeout)}
}

func (d *Discord) Send(ctx context.Context, msg Message) (string, error) {
	if err := requireHTTPURL("discord", msg.To); err != nil {
		return "", err
	}
	target := msg.To
	if strings.Contains(target, "?") {
		target += "&wait=true"
	} else {
		target += "?wait=true"
	}
	content := msg.Body
	if msg.Subject != "" {
		content = "**" + msg.Subject + "**\n" + msg.Body
	}
	body, err := postJSON(ctx, d.client, "discord", target, nil, map[string]string{"content": content})
	if err != nil {
		return "", err
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil || created.ID == "" {
		return "discord-" + uuid.NewString(), nil
	}
	return created.ID, nil
}

// Webhook posts a JSON document to a customer endpoint. The delivery id is sent as
// Idempotency-Key so receivers can drop repeats.
type Webhook struct {
	client *http.Client
}

// NewWebhook builds a generic webhook adapter.
func NewWebhook(timeout time.Duration) *Webhook {
	return &Webhook{client: newHTTPClient(timeout)}
}

type webhookPayload struct {
	DeliveryID string          `json:"delivery_id"`
	Subject    string          `json:"subject"`
	Body       string          `json:"body"`
	Priority   models.Priority `json:"priority"`
	SentAt     time.Time       `json:"sent_at"`
}

func (w *Webhook) Send(ctx context.Context, msg Message) (string, error) {
	if err := requireHTTPURL("webhook", msg.To); err != nil {
		return "", err
	}
	headers := map[string]string{"Idempotency-Key": msg.DeliveryID}
	body, err := postJSON(ctx, w.client, "webhook", msg.To, headers, webhookPayload{
		DeliveryID: msg.DeliveryID,
		Subject:    msg.Subject,
		Body:       msg.Body,
		Priority:   msg.Priority,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	var ack struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &ack); err == nil && ack.ID != "" {
		return ack.ID, nil
	}
	return "webhook-" + msg.DeliveryID, nil
}
