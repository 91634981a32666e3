// Package points talks to the external loyalty points service.
package points

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrNotConfigured is returned when no channel or token is set.
var ErrNotConfigured = errors.New("points service not configured")

// Client is the narrow capability the rewards core needs from the points
// service.
type Client interface {
	GetPoints(ctx context.Context, username string) (int64, error)
	AdjustPoints(ctx context.Context, username string, delta int64) (*Adjustment, error)
}

// Adjustment is the service response to a points change.
type Adjustment struct {
	Username  string `json:"username"`
	Amount    int64  `json:"amount"`
	NewAmount int64  `json:"newAmount"`
	Message   string `json:"message"`
}

// APIError is a non-2xx answer from the points service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("points service returned status %d: %s", e.StatusCode, e.Body)
}

type Config struct {
	BaseURL string
	Channel string
	Token   string
	Timeout time.Duration
}

type HTTPClient struct {
	rest    *resty.Client
	channel string
}

func NewHTTPClient(cfg Config) *HTTPClient {
	rest := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		rest.SetAuthToken(cfg.Token)
	}
	return &HTTPClient{rest: rest, channel: cfg.Channel}
}

func (c *HTTPClient) configured() bool {
	return c.channel != "" && c.rest.Token != ""
}

// GetPoints returns the current points of username on the configured channel.
func (c *HTTPClient) GetPoints(ctx context.Context, username string) (int64, error) {
	if !c.configured() {
		return 0, ErrNotConfigured
	}

	var result struct {
		Username string `json:"username"`
		Points   int64  `json:"points"`
	}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetPathParams(map[string]string{
			"channel":  c.channel,
			"username": username,
		}).
		SetResult(&result).
		Get("/points/{channel}/{username}")
	if err != nil {
		return 0, fmt.Errorf("get points for %s: %w", username, err)
	}
	if resp.IsError() {
		return 0, &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return result.Points, nil
}

// AdjustPoints adds delta (which may be negative) to username's points.
func (c *HTTPClient) AdjustPoints(ctx context.Context, username string, delta int64) (*Adjustment, error) {
	if !c.configured() {
		return nil, ErrNotConfigured
	}

	var result Adjustment
	resp, err := c.rest.R().
		SetContext(ctx).
		SetPathParams(map[string]string{
			"channel":  c.channel,
			"username": username,
			"delta":    strconv.FormatInt(delta, 10),
		}).
		SetResult(&result).
		Put("/points/{channel}/{username}/{delta}")
	if err != nil {
		return nil, fmt.Errorf("adjust points for %s: %w", username, err)
	}
	if resp.IsError() {
		return nil, &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return &result, nil
}
