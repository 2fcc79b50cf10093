package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// HTTPResolver looks users up on the streaming platform's users endpoint,
// e.g. GET {base}/users?login=name returning {"data":[{"id":"..."}]}.
// Transient failures (5xx, 429, network) are retried with backoff.
type HTTPResolver struct {
	baseURL  string
	clientID string
	token    string
	client   *retryablehttp.Client
}

type HTTPResolverConfig struct {
	BaseURL  string
	ClientID string
	Token    string
	RetryMax int
	Timeout  time.Duration
}

func NewHTTPResolver(cfg HTTPResolverConfig) *HTTPResolver {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}

	return &HTTPResolver{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		clientID: cfg.ClientID,
		token:    cfg.Token,
		client:   client,
	}
}

type usersResponse struct {
	Data []struct {
		ID    string `json:"id"`
		Login string `json:"login"`
	} `json:"data"`
}

// ResolveID returns the platform id for username.
func (r *HTTPResolver) ResolveID(ctx context.Context, username string) (string, error) {
	endpoint := r.baseURL + "/users?login=" + url.QueryEscape(strings.ToLower(username))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build users request: %w", err)
	}
	if r.clientID != "" {
		req.Header.Set("Client-ID", r.clientID)
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("users request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("users request returned status %d", resp.StatusCode)
	}

	var body usersResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode users response: %w", err)
	}
	if len(body.Data) == 0 || body.Data[0].ID == "" {
		return "", fmt.Errorf("username %s: %w", username, ErrUserNotFound)
	}
	return body.Data[0].ID, nil
}
