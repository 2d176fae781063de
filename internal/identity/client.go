// Package identity talks to the storefront identity backend: login, token
// refresh and logout.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dvcrn/storefront-session/internal/credentials"
	apperrors "github.com/dvcrn/storefront-session/internal/errors"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	LoginPath   = "/identity/login"
	RefreshPath = "/identity/refresh"
	LogoutPath  = "/identity/logout"

	// CodeOK is the body-level success code used by every backend response
	CodeOK = 200
)

// Client is an HTTP client for the identity endpoints
type Client struct {
	baseURL    string
	httpClient *http.Client
	nowTime    func() time.Time
}

type Option func(*Client)

// WithHTTPClient replaces the default instrumented client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithNowTime sets the clock used to turn expiresInSeconds into an instant
func WithNowTime(now func() time.Time) Option {
	return func(c *Client) {
		c.nowTime = now
	}
}

// NewClient creates a client for the backend at baseURL
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		nowTime: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login exchanges an identifier and secret for a credential.
// A rejected secret yields a BackendError of kind ErrInvalidCredentials
// carrying the backend's message; anything else wraps ErrServer.
func (c *Client) Login(ctx context.Context, identifier, secret string) (*credentials.Credential, error) {
	var resp tokenResponse
	if err := c.post(ctx, LoginPath, LoginRequest{Identifier: identifier, Secret: secret}, &resp); err != nil {
		return nil, apperrors.Wrapf(err, "login")
	}
	if resp.Code != CodeOK {
		return nil, &apperrors.BackendError{Kind: apperrors.ErrInvalidCredentials, Code: resp.Code, Message: resp.Message}
	}
	return c.credential(resp)
}

// Refresh trades a refresh token for a new credential. The returned
// credential's User is empty when the backend does not echo it.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*credentials.Credential, error) {
	var resp tokenResponse
	if err := c.post(ctx, RefreshPath, RefreshRequest{RefreshToken: refreshToken}, &resp); err != nil {
		return nil, apperrors.Wrapf(err, "refresh")
	}
	if resp.Code != CodeOK {
		return nil, &apperrors.BackendError{Kind: apperrors.ErrSessionExpired, Code: resp.Code, Message: resp.Message}
	}
	return c.credential(resp)
}

// Logout asks the backend to invalidate the refresh token
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	var resp codeResponse
	if err := c.post(ctx, LogoutPath, RefreshRequest{RefreshToken: refreshToken}, &resp); err != nil {
		return apperrors.Wrapf(err, "logout")
	}
	if resp.Code != CodeOK {
		return &apperrors.BackendError{Kind: apperrors.ErrServer, Code: resp.Code, Message: resp.Message}
	}
	return nil
}

func (c *Client) credential(resp tokenResponse) (*credentials.Credential, error) {
	if resp.Token == "" || resp.RefreshToken == "" {
		return nil, fmt.Errorf("token response missing tokens: %w", apperrors.ErrServer)
	}
	expiresAt, err := c.expiry(resp)
	if err != nil {
		return nil, err
	}
	cred := &credentials.Credential{
		AccessToken:  resp.Token,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    expiresAt,
	}
	if resp.User != nil {
		cred.User = credentials.User{ID: resp.User.ID, Name: resp.User.Name}
	}
	return cred, nil
}

// expiry adds expiresInSeconds to the local clock. When the backend leaves
// it out, the access token's exp claim is used instead.
func (c *Client) expiry(resp tokenResponse) (time.Time, error) {
	if resp.ExpiresInSeconds > 0 {
		return CalculateExpiresAt(c.nowTime(), resp.ExpiresInSeconds), nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(resp.Token, claims); err != nil {
		return time.Time{}, fmt.Errorf("no expiresInSeconds and token is not a JWT (%v): %w", err, apperrors.ErrServer)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("no expiresInSeconds and no exp claim: %w", apperrors.ErrServer)
	}
	return exp.Time.Truncate(time.Millisecond), nil
}

// CalculateExpiresAt returns now + expiresIn, truncated to the millisecond
// precision of the persisted layout
func CalculateExpiresAt(now time.Time, expiresInSeconds int64) time.Time {
	return now.Add(time.Duration(expiresInSeconds) * time.Second).Truncate(time.Millisecond)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrServer, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apperrors.BackendError{
			Kind:    apperrors.ErrServer,
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("%s failed with status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(errorBody))),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response (%v): %w", err, apperrors.ErrServer)
	}
	return nil
}
