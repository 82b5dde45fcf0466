// Package channels delivers rendered notifications over email, chat webhooks and direct messages.
package channels

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"impersonation-detector/internal/models"
)

// Message is a rendered notification addressed to one destination.
type Message struct {
	DeliveryID string
	To         string
	Subject    string
	Body       string
	Priority   models.Priority
}

// Adapter sends a message and returns the provider's message id.
// Invalid destinations are reported as *models.PermanentRejectionError; everything else is retryable.
type Adapter interface {
	Send(ctx context.Context, msg Message) (string, error)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// postJSON sends payload and returns the response body for 2xx statuses.
func postJSON(ctx context.Context, client *http.Client, service, url string, headers map[string]string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &models.PermanentRejectionError{Reason: "encode " + service + " payload", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, &models.PermanentRejectionError{Reason: "invalid " + service + " destination", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &models.TransientUpstreamError{Service: service, Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if err := classifyStatus(service, resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// classifyStatus maps provider responses: 429 and 5xx retry, other 4xx reject the destination.
func classifyStatus(service string, status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return &models.TransientUpstreamError{Service: service, Err: fmt.Errorf("status %d: %s", status, truncateBody(body))}
	default:
		return &models.PermanentRejectionError{Reason: fmt.Sprintf("%s rejected delivery (status %d): %s", service, status, truncateBody(body))}
	}
}

func truncateBody(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
