// Package roles talks to the external role manager that materializes
// level rewards. The engine treats it as a best-effort collaborator:
// failures are reported but never block an XP mutation.
package roles

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/progression-hub/progression-engine/internal/domain/shared"
)

// Manager grants and revokes reward roles for community members.
type Manager interface {
	// AssignRole grants roleID to the user. Assigning an already-held
	// role is a no-op, not an error.
	AssignRole(ctx context.Context, community, user, roleID string) error

	// RemoveRole revokes roleID from the user. Removing a role the user
	// does not hold is a no-op, not an error.
	RemoveRole(ctx context.Context, community, user, roleID string) error
}

// ClientConfig contains configuration for the HTTP role manager client.
type ClientConfig struct {
	// BaseURL is the role manager endpoint, e.g. "https://roles.internal:8443".
	BaseURL string

	// Token is sent as a bearer token when set.
	Token string

	// Timeout bounds each HTTP request.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// RetryBackoff is the base delay between attempts, doubled each retry.
	RetryBackoff time.Duration

	// Logger for structured logging.
	Logger *slog.Logger
}

// DefaultClientConfig returns a config with sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:      5 * time.Second,
		MaxRetries:   2,
		RetryBackoff: 250 * time.Millisecond,
	}
}

// Client is an HTTP implementation of Manager.
type Client struct {
	baseURL      string
	token        string
	httpClient   *http.Client
	maxRetries   int
	retryBackoff time.Duration
	logger       *slog.Logger
}

// NewClient creates a role manager client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, shared.NewDomainError("roles", "NewClient", shared.ErrInvalidArgument, "base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, shared.WrapError("roles", "NewClient", shared.ErrInvalidArgument, "base URL is malformed", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		baseURL:      cfg.BaseURL,
		token:        cfg.Token,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		logger:       cfg.Logger.With("component", "roles_client"),
	}, nil
}

// AssignRole implements Manager.
func (c *Client) AssignRole(ctx context.Context, community, user, roleID string) error {
	return c.do(ctx, http.MethodPut, community, user, roleID)
}

// RemoveRole implements Manager.
func (c *Client) RemoveRole(ctx context.Context, community, user, roleID string) error {
	return c.do(ctx, http.MethodDelete, community, user, roleID)
}

func (c *Client) do(ctx context.Context, method, community, user, roleID string) error {
	endpoint := fmt.Sprintf("%s/communities/%s/members/%s/roles/%s",
		c.baseURL,
		url.PathEscape(community),
		url.PathEscape(user),
		url.PathEscape(roleID),
	)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.retryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return shared.WrapError("roles", "do", shared.ErrExternalCollaborator, "request cancelled", ctx.Err())
			case <-time.After(backoff):
			}
		}

		retryable, err := c.attempt(ctx, method, endpoint)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			break
		}
		c.logger.Warn("role manager request failed, retrying",
			"method", method,
			"attempt", attempt+1,
			"error", err)
	}

	return shared.WrapError("roles", "do", shared.ErrExternalCollaborator, "role manager request failed", lastErr)
}

// attempt runs one request and reports whether a failure is retryable.
func (c *Client) attempt(ctx context.Context, method, endpoint string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return false, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	// Missing permissions or an already-deleted role/member must not
	// wedge reconciliation; treat both as settled.
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusNotFound:
		c.logger.Warn("role manager returned non-actionable status",
			"method", method,
			"status", resp.StatusCode)
		return false, nil
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return true, fmt.Errorf("role manager returned status %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("role manager returned status %d", resp.StatusCode)
	}
}

// NopManager is a Manager that does nothing. Used when no role manager
// is configured.
type NopManager struct{}

// AssignRole implements Manager.
func (NopManager) AssignRole(context.Context, string, string, string) error { return nil }

// RemoveRole implements Manager.
func (NopManager) RemoveRole(context.Context, string, string, string) error { return nil }
