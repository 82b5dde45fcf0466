package features

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"impersonation-detector/internal/config"
	"impersonation-detector/internal/models"
	"impersonation-detector/internal/telemetry"
)

const breakerName = "account-features"

// CredentialSource returns the stored, encrypted API token for an owner and service.
type CredentialSource interface {
	GetCredential(ctx context.Context, owner, service string) (models.EncryptedSecret, error)
}

// Decrypter opens an encrypted secret.
type Decrypter interface {
	Open(secret models.EncryptedSecret) (string, error)
}

// Client reads account profiles from the third-party API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	creds      CredentialSource
	vault      Decrypter
	owner      string
	service    string
	cb         *gobreaker.CircuitBreaker[models.AccountFeatures]
	log        zerolog.Logger
}

// NewClient wires the HTTP client, the credential lookup and the circuit breaker.
func NewClient(cfg config.Upstream, creds CredentialSource, vault Decrypter, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	log = log.With().Str("component", "features").Logger()
	telemetry.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	cb := gobreaker.NewCircuitBreaker[models.AccountFeatures](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return counts.ConsecutiveFailures >= 5
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		// Permanent rejections are answers from a healthy upstream.
		IsSuccessful: func(err error) bool {
			return err == nil || !models.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			telemetry.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		creds:      creds,
		vault:      vault,
		owner:      cfg.CredentialOwner,
		service:    cfg.CredentialService,
		cb:         cb,
		log:        log,
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// FetchFeatures returns the comparable profile attributes of accountID.
func (c *Client) FetchFeatures(ctx context.Context, accountID string) (models.AccountFeatures, error) {
	if strings.TrimSpace(accountID) == "" {
		return models.AccountFeatures{}, &models.ValidationError{Field: "account_id", Reason: "empty"}
	}
	token, err := c.token(ctx)
	if err != nil {
		return models.AccountFeatures{}, err
	}

	features, err := c.cb.Execute(func() (models.AccountFeatures, error) {
		return c.fetch(ctx, token, accountID)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return models.AccountFeatures{}, &models.TransientUpstreamError{Service: breakerName, Err: err}
	}
	return features, err
}

// Token returns the decrypted platform API token. The DM channel sends with the same credential.
func (c *Client) Token(ctx context.Context) (string, error) {
	return c.token(ctx)
}

func (c *Client) token(ctx context.Context) (string, error) {
	secret, err := c.creds.GetCredential(ctx, c.owner, c.service)
	if err != nil {
		return "", fmt.Errorf("load %s credential: %w", c.service, err)
	}
	token, err := c.vault.Open(secret)
	if err != nil {
		return "", err
	}
	return token, nil
}

type userResponse struct {
	Data struct {
		ID              string    `json:"id"`
		Username        string    `json:"username"`
		Name            string    `json:"name"`
		ProfileImageURL string    `json:"profile_image_url"`
		CreatedAt       time.Time `json:"created_at"`
		Verified        *bool     `json:"verified"`
		PublicMetrics   *struct {
			FollowersCount int64 `json:"followers_count"`
		} `json:"public_metrics"`
	} `json:"data"`
}

func (c *Client) fetch(ctx context.Context, token, accountID string) (models.AccountFeatures, error) {
	endpoint := fmt.Sprintf("%s/2/users/%s?user.fields=%s", c.baseURL, url.PathEscape(accountID),
		url.QueryEscape("created_at,profile_image_url,public_metrics,verified"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.AccountFeatures{}, &models.PermanentRejectionError{Reason: "build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.AccountFeatures{}, &models.TransientUpstreamError{Service: breakerName, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return models.AccountFeatures{}, &models.TransientUpstreamError{Service: breakerName, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return models.AccountFeatures{}, &models.PermanentRejectionError{Reason: fmt.Sprintf("upstream refused credential (status %d)", resp.StatusCode)}
	case resp.StatusCode >= http.StatusBadRequest:
		return models.AccountFeatures{}, &models.PermanentRejectionError{Reason: fmt.Sprintf("account %s: status %d", accountID, resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.AccountFeatures{}, &models.TransientUpstreamError{Service: breakerName, Err: err}
	}
	var payload userResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return models.AccountFeatures{}, &models.PermanentRejectionError{Reason: "malformed upstream response", Err: err}
	}
	if payload.Data.Username == "" {
		return models.AccountFeatures{}, &models.PermanentRejectionError{Reason: fmt.Sprintf("account %s not found", accountID)}
	}

	features := models.AccountFeatures{
		AccountID:       accountID,
		Username:        payload.Data.Username,
		DisplayName:     payload.Data.Name,
		ProfileImageRef: payload.Data.ProfileImageURL,
		CreatedAt:       payload.Data.CreatedAt,
		Verified:        payload.Data.Verified,
	}
	if payload.Data.PublicMetrics != nil {
		followers := payload.Data.PublicMetrics.FollowersCount
		features.FollowerCount = &followers
	}
	return features, nil
}
