// Package identity is the HTTP client for the external auth provider. The
// provider owns credential verification and refresh semantics; this client
// only exchanges, validates and revokes tokens. Token endpoints are safe to
// retry, so the transport is retryablehttp.
package identity

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/nymai/scand/internal/infrastructure/logging"
	"github.com/nymai/scand/internal/shared/types"
)

// Config holds identity provider configuration.
type Config struct {
	BaseURL string
	APIKey  string
}

// Client talks to the identity provider.
type Client struct {
	http *retryablehttp.Client
	cfg  Config
	log  *logging.Logger
}

// New creates an identity client.
func New(cfg Config, log *logging.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 15 * time.Second
	rc.Logger = nil

	return &Client{
		http: rc,
		cfg:  cfg,
		log:  log.Named("identity"),
	}
}

// Enabled reports whether a provider endpoint is configured.
func (c *Client) Enabled() bool { return c.cfg.BaseURL != "" }

// Exchange performs the password grant and returns a fresh session.
func (c *Client) Exchange(ctx context.Context, email, password string) (*types.Session, error) {
	body := map[string]string{"email": email, "password": password}
	return c.tokenRequest(ctx, "password", body)
}

// Refresh exchanges a refresh token for a fresh session.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*types.Session, error) {
	body := map[string]string{"refresh_token": refreshToken}
	return c.tokenRequest(ctx, "refresh_token", body)
}

// User validates an access token server-side and returns the user it
// belongs to. An invalid or revoked token yields an error.
func (c *Client) User(ctx context.Context, accessToken string) (*types.SessionUser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/auth/v1/user", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user lookup rejected: HTTP %d", resp.StatusCode)
	}

	var user types.SessionUser
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	return &user, nil
}

// Revoke invalidates the session at the provider. Best-effort.
func (c *Client) Revoke(ctx context.Context, accessToken string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/auth/v1/logout", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("revoke failed: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (c *Client) tokenRequest(ctx context.Context, grantType string, body map[string]string) (*types.Session, error) {
	payload, err := sonic.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode token request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/auth/v1/token?grant_type="+grantType, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token request rejected: HTTP %d", resp.StatusCode)
	}

	var sess types.Session
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if !sess.Authenticated() {
		return nil, fmt.Errorf("provider returned session without access token")
	}
	return &sess, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*retryablehttp.Request, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + path

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	var req *retryablehttp.Request
	var err error
	if reader != nil {
		req, err = retryablehttp.NewRequestWithContext(ctx, method, url, reader)
	} else {
		req, err = retryablehttp.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("apikey", c.cfg.APIKey)
	}
	return req, nil
}
