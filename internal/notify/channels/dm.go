package channels

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"impersonation-detector/internal/models"
)

// TokenSource yields the bearer token used to send direct messages.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// DMMaxRunes is the platform's direct message length limit.
const DMMaxRunes = 10000

// DM sends a direct message from the service account to a platform user id.
type DM struct {
	endpoint string
	sender   string
	tokens   TokenSource
	client   *http.Client
}

// NewDM builds a DM adapter against endpoint, for example https://api.twitter.com.
func NewDM(endpoint, senderUserID string, tokens TokenSource, timeout time.Duration) *DM {
	return &DM{
		endpoint: strings.TrimRight(endpoint, "/"),
		sender:   senderUserID,
		tokens:   tokens,
		client:   newHTTPClient(timeout),
	}
}

func (d *DM) Send(ctx context.Context, msg Message) (string, error) {
	recipient := strings.TrimPrefix(strings.TrimSpace(msg.To), "@")
	if recipient == "" || strings.ContainsAny(recipient, "/?# ") {
		return "", &models.PermanentRejectionError{Reason: fmt.Sprintf("invalid dm recipient %q", msg.To)}
	}
	if recipient == d.sender {
		return "", &models.PermanentRejectionError{Reason: "dm recipient is the sending account"}
	}
	token, err := d.tokens.Token(ctx)
	if err != nil {
		return "", err
	}

	text := msg.Body
	if msg.Subject != "" {
		text = msg.Subject + "\n\n" + msg.Body
	}
	target := fmt.Sprintf("%s/2/dm_conversations/with/%s/messages", d.endpoint, url.PathEscape(recipient))
	body, err := postJSON(ctx, d.client, "dm", target, map[string]string{"Authorization": "Bearer " + token}, map[string]string{"text": text})
	if err != nil {
		return "", err
	}

	var resp struct {
		Data struct {
			DMEventID string `json:"dm_event_id"`
		} `json:"data"`
	}
	// The message was accepted; a missing id must not trigger a resend.
	if err := json.Unmarshal(body, &resp); err != nil || resp.Data.DMEventID == "" {
		return "dm-" + msg.DeliveryID, nil
	}
	return resp.Data.DMEventID, nil
}
