// Package authapi is the typed client for the platform's authentication endpoints.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/jrsteele09/go-auth-client/internal/utils"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// maxErrorBody bounds how much of an error response is read for its message.
const maxErrorBody = 64 << 10

// Client calls the platform API rooted at baseURL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// Option defines a function type to modify the Client instance.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for every call. Pass an
// authenticated pipeline client for endpoints that need a bearer token.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func New(baseURL string, options ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
		logger:     log.Logger,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Login exchanges credentials for a Session-shaped payload.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*SessionPayload, error) {
	var payload SessionPayload
	if err := c.do(ctx, http.MethodPost, RouteLogin, req, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// Register creates an account. No session is returned.
func (c *Client) Register(ctx context.Context, req RegisterRequest) error {
	return c.do(ctx, http.MethodPost, RouteRegister, req, nil)
}

// Refresh exchanges the current token pair for a new one.
func (c *Client) Refresh(ctx context.Context, req RefreshRequest) (*SessionPayload, error) {
	var payload SessionPayload
	if err := c.do(ctx, http.MethodPost, RouteRefreshToken, req, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// ResendVerification asks the server to send another verification email.
// The server answers with a bare boolean or {"success": bool}.
func (c *Client) ResendVerification(ctx context.Context, email string) (bool, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, RouteResendVerification, ResendVerificationRequest{Email: email}, &raw); err != nil {
		return false, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return true, nil
	}

	var ok bool
	if err := json.Unmarshal(raw, &ok); err == nil {
		return ok, nil
	}
	var wrapped struct {
		Success *bool `json:"success"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return false, fmt.Errorf("[Client.ResendVerification] decode: %w", err)
	}
	return utils.ValueOr(wrapped.Success, true), nil
}

// Validate issues a GET to path and succeeds on any 2xx.
func (c *Client) Validate(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodGet, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("[Client.do] encode %s: %w", path, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("[Client.do] new request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("platform api call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("[Client.do] decode %s: %w", path, err)
	}
	return nil
}

// errorMessage extracts the most specific message from an error body. Plain
// text bodies are returned trimmed.
func errorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(bytes.TrimSpace(raw)) == 0 {
		return ""
	}

	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		var text string
		if json.Unmarshal(raw, &text) == nil {
			return strings.TrimSpace(text)
		}
		if raw[0] == '{' || raw[0] == '[' {
			return ""
		}
		return strings.TrimSpace(string(raw))
	}
	return utils.FirstNonEmpty(body.Message, firstFieldError(body.Errors), body.Title, body.Error)
}

func firstFieldError(fieldErrors map[string][]string) string {
	fields := make([]string, 0, len(fieldErrors))
	for f := range fieldErrors {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		if msg := utils.FirstNonEmpty(fieldErrors[f]...); msg != "" {
			return msg
		}
	}
	return ""
}
