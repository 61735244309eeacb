// Package remote is the typed HTTP boundary to the link service. Every transport
// outcome is mapped into exactly one errx.Kind.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/sundayezeilo/shorty/internal/errx"
	"github.com/sundayezeilo/shorty/internal/link"
)

const (
	// MaxResponseBodySize caps how much of any response body is read (1MB).
	MaxResponseBodySize = 1 << 20

	// RequestIDHeader carries the correlation id of every outbound request.
	RequestIDHeader = "X-Request-ID"

	defaultTimeout = 10 * time.Second
)

// Credentials is the result of a successful login.
type Credentials struct {
	UserID string
	Token  string
}

// Client talks to the link service.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its Transport is used as the
// base of the authenticating transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout. It applies whatever the option order and
// never modifies a client passed to WithHTTPClient.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the clock used for fallbacks such as a missing created_at.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New returns a client for the service rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	const op = "remote.New"

	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errx.E(op, errx.Invalid, fmt.Errorf("parse base url: %w", err))
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errx.E(op, errx.Invalid, fmt.Errorf("base url %q must be absolute http(s)", baseURL))
	}

	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout > 0 && c.http.Timeout != c.timeout {
		hc := *c.http
		hc.Timeout = c.timeout
		c.http = &hc
	}
	return c, nil
}

// BaseURL returns the service root.
func (c *Client) BaseURL() string { return c.baseURL.String() }

/***************
 * Auth
 ***************/

// Register creates an account.
func (c *Client) Register(ctx context.Context, username, password string) error {
	const op = "remote.Client.Register"

	resp, err := c.do(ctx, c.http, http.MethodPost, "/api/register", nil, credentialsRequest{username, password})
	if err != nil {
		return errx.E(op, errx.Network, err)
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return nil
	case resp.StatusCode == http.StatusBadRequest:
		return errx.E(op, errx.Invalid, responseError(resp))
	case resp.StatusCode == http.StatusUnauthorized:
		return errx.E(op, errx.InvalidCredentials, responseError(resp))
	case resp.StatusCode == http.StatusConflict:
		return errx.E(op, errx.Conflict, responseError(resp))
	default:
		return errx.E(op, statusKind(resp.StatusCode), responseError(resp))
	}
}

// Login exchanges username and password for a session token.
func (c *Client) Login(ctx context.Context, username, password string) (Credentials, error) {
	const op = "remote.Client.Login"

	resp, err := c.do(ctx, c.http, http.MethodPost, "/api/login", nil, credentialsRequest{username, password})
	if err != nil {
		return Credentials{}, errx.E(op, errx.Network, err)
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		return Credentials{}, errx.E(op, errx.InvalidCredentials, responseError(resp))
	case resp.StatusCode == http.StatusBadRequest:
		return Credentials{}, errx.E(op, errx.Invalid, responseError(resp))
	default:
		return Credentials{}, errx.E(op, statusKind(resp.StatusCode), responseError(resp))
	}

	var body loginResponse
	if err := decodeBody(resp, &body); err != nil {
		return Credentials{}, errx.E(op, errx.Server, err)
	}
	userID := string(body.UserID)
	if userID == "" {
		userID = string(body.UserIDAlt)
	}
	if userID == "" || body.Token == "" {
		return Credentials{}, errx.E(op, errx.Server, errors.New("login response is missing user id or token"))
	}
	return Credentials{UserID: userID, Token: body.Token}, nil
}

/***************
 * Links
 ***************/

// Create shortens originalURL with an absolute expiry.
func (c *Client) Create(ctx context.Context, originalURL string, expiresAt time.Time, token string) (link.Record, error) {
	const op = "remote.Client.Create"

	if token == "" {
		return link.Record{}, errx.E(op, errx.AuthRequired, errors.New("missing token"))
	}

	req := createRequest{OriginalURL: originalURL, ExpiresAt: expiresAt.UTC()}
	resp, err := c.do(ctx, c.authed(token), http.MethodPost, "/api/urls", nil, req)
	if err != nil {
		return link.Record{}, errx.E(op, errx.Network, err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusBadRequest:
		return link.Record{}, errx.E(op, errx.Invalid, responseError(resp))
	default:
		return link.Record{}, errx.E(op, statusKind(resp.StatusCode), responseError(resp))
	}

	var body linkPayload
	if err := decodeBody(resp, &body); err != nil {
		return link.Record{}, errx.E(op, errx.Server, err)
	}
	rec := body.record()
	if rec.OriginalURL == "" {
		rec.OriginalURL = originalURL
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = c.now()
	}
	return rec, nil
}

// List returns every link owned by userID, as the server orders them.
func (c *Client) List(ctx context.Context, userID, token string) ([]link.Record, error) {
	const op = "remote.Client.List"

	if token == "" {
		return nil, errx.E(op, errx.AuthRequired, errors.New("missing token"))
	}

	q := url.Values{"user_id": {userID}}
	resp, err := c.do(ctx, c.authed(token), http.MethodGet, "/api/urls/stats", q, nil)
	if err != nil {
		return nil, errx.E(op, errx.Network, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, errx.E(op, statusKind(resp.StatusCode), responseError(resp))
	}

	var body []linkPayload
	if err := decodeBody(resp, &body); err != nil {
		return nil, errx.E(op, errx.Server, err)
	}
	recs := make([]link.Record, 0, len(body))
	for _, p := range body {
		recs = append(recs, p.record())
	}
	return recs, nil
}

// Remove deletes the link with id.
func (c *Client) Remove(ctx context.Context, id link.ID, token string) error {
	const op = "remote.Client.Remove"

	if token == "" {
		return errx.E(op, errx.AuthRequired, errors.New("missing token"))
	}

	resp, err := c.do(ctx, c.authed(token), http.MethodDelete, "/api/urls/"+url.PathEscape(id.String()), nil, nil)
	if err != nil {
		return errx.E(op, errx.Network, err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return errx.E(op, errx.NotFound, responseError(resp))
	default:
		return errx.E(op, statusKind(resp.StatusCode), responseError(resp))
	}
}

/***************
 * Transport
 ***************/

// authed returns an HTTP client that attaches token as a bearer credential.
func (c *Client) authed(token string) *http.Client {
	base := c.http.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{
		Timeout: c.http.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   base,
		},
	}
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, p string, q url.Values, body any) (*http.Response, error) {
	u := c.baseURL.JoinPath(p)
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	reqID := uuid.NewString()
	req.Header.Set(RequestIDHeader, reqID)

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "request failed",
			"method", method,
			"path", p,
			"request_id", reqID,
			"error", err.Error(),
		)
		return nil, err
	}
	c.logger.DebugContext(ctx, "request completed",
		"method", method,
		"path", p,
		"status", resp.StatusCode,
		"request_id", reqID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

// statusKind classifies a status no endpoint-specific rule matched.
func statusKind(status int) errx.Kind {
	switch {
	case status == http.StatusUnauthorized:
		return errx.Unauthorized
	case status >= 500:
		return errx.Server
	default:
		return errx.Network
	}
}

func decodeBody(resp *http.Response, v any) error {
	b, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBodySize+1))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if len(b) > MaxResponseBodySize {
		return fmt.Errorf("response body too large (max %d bytes)", MaxResponseBodySize)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// responseError turns an error body into an error. JSON bodies contribute their
// message (or code); anything else is used verbatim.
func responseError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBodySize))
	text := strings.TrimSpace(string(b))

	var p errorPayload
	if json.Unmarshal(b, &p) == nil {
		switch {
		case p.Message != "":
			text = p.Message
		case p.Error != "":
			text = p.Error
		}
	}
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("%s (status %d)", text, resp.StatusCode)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxResponseBodySize))
	_ = resp.Body.Close()
}
