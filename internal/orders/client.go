// Package orders looks up storefront orders by payment transaction
// reference.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/dvcrn/storefront-session/internal/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	ByTransactionPath = "/orders/by-transaction/"

	codeOK = 200
)

// Item is one line of an order
type Item struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
}

// Order is the observed state of an order
type Order struct {
	ID         string  `json:"id"`
	Status     string  `json:"status"`
	TotalPrice float64 `json:"totalPrice"`
	Items      []Item  `json:"items"`
}

type lookupResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Order   *Order `json:"order"`
}

// Client queries the order lookup endpoint
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type Option func(*Client)

// WithTokenSource authenticates every request with a bearer token from ts
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Client) {
		c.httpClient.Transport = &oauth2.Transport{
			Source: ts,
			Base:   c.httpClient.Transport,
		}
	}
}

// WithRateLimit caps outbound lookups at perSecond with a burst of one.
// Zero or less disables throttling.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithBaseTransport replaces the transport underneath authentication.
// Must come before WithTokenSource.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.httpClient.Transport = rt
	}
}

func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OrderByTransaction returns the order paid with ref. A nil order with a
// nil error means the backend does not know the order yet. Transport
// failures and non-2xx responses wrap ErrServer.
func (c *Client) OrderByTransaction(ctx context.Context, ref string) (*Order, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, apperrors.Wrapf(err, "rate limit wait")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+ByTransactionPath+url.PathEscape(ref), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: order lookup: %w", apperrors.ErrServer, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &apperrors.BackendError{
			Kind:    apperrors.ErrServer,
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("order lookup failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var out lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode order lookup (%v): %w", err, apperrors.ErrServer)
	}
	if out.Code != codeOK || out.Order == nil {
		return nil, nil
	}
	return out.Order, nil
}
