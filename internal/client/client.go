// Package client talks to a running quillpress API over HTTP and checks
// its health over gRPC.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"quillpress.org/internal/articles"
	"quillpress.org/internal/auth"
)

// APIError is a non-2xx response.
type APIError struct {
	Status    int
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("api: %d %s (request %s)", e.Status, e.Message, e.RequestID)
	}
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// Client holds one session's access token, set by SignIn, SignUp and
// Refresh. It is not safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	conn    *grpc.ClientConn
	token   string
}

// Option configures Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// New returns a client for the HTTP API at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DialHealth connects the gRPC health client. Without options the
// transport is insecure.
func (c *Client) DialHealth(target string, opts ...grpc.DialOption) error {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

// Close closes the gRPC connection, if any.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Serving reports whether the gRPC health service answers SERVING.
func (c *Client) Serving(ctx context.Context) (bool, error) {
	if c.conn == nil {
		return false, fmt.Errorf("client: health connection not dialed")
	}
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Token returns the current access token.
func (c *Client) Token() string { return c.token }

// SignUp registers an account and keeps its access token.
func (c *Client) SignUp(ctx context.Context, email, username, password string) (*auth.Actor, auth.TokenPair, error) {
	var out struct {
		User   *auth.Actor    `json:"user"`
		Tokens auth.TokenPair `json:"tokens"`
	}
	body := map[string]string{"email": email, "username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/signup", body, &out); err != nil {
		return nil, auth.TokenPair{}, err
	}
	c.token = out.Tokens.AccessToken
	return out.User, out.Tokens, nil
}

// SignIn authenticates and keeps the access token.
func (c *Client) SignIn(ctx context.Context, email, password string) (auth.TokenPair, error) {
	var pair auth.TokenPair
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/signin", body, &pair); err != nil {
		return auth.TokenPair{}, err
	}
	c.token = pair.AccessToken
	return pair, nil
}

// Refresh rotates the refresh token and keeps the new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error) {
	var pair auth.TokenPair
	if err := c.do(ctx, http.MethodPost, "/refresh-token", map[string]string{"refresh_token": refreshToken}, &pair); err != nil {
		return auth.TokenPair{}, err
	}
	c.token = pair.AccessToken
	return pair, nil
}

// Logout revokes the current access token.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/logout", nil, nil); err != nil {
		return err
	}
	c.token = ""
	return nil
}

// Me returns the authenticated account.
func (c *Client) Me(ctx context.Context) (*auth.Actor, error) {
	var actor auth.Actor
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, &actor); err != nil {
		return nil, err
	}
	return &actor, nil
}

// CreateArticle publishes or drafts an article.
func (c *Client) CreateArticle(ctx context.Context, in articles.Input) (*articles.Article, error) {
	var art articles.Article
	if err := c.do(ctx, http.MethodPost, "/articles", in, &art); err != nil {
		return nil, err
	}
	return &art, nil
}

// ListArticles returns the articles visible to the caller, optionally
// narrowed to any of tags.
func (c *Client) ListArticles(ctx context.Context, tags ...string) ([]*articles.Article, error) {
	path := "/articles"
	if len(tags) > 0 {
		path += "?" + url.Values{"tags": {strings.Join(tags, ",")}}.Encode()
	}
	var out struct {
		Articles []*articles.Article `json:"articles"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Articles, nil
}

// DeleteArticle soft-deletes an article.
func (c *Client) DeleteArticle(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/articles/"+url.PathEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var payload struct {
			Error     string `json:"error"`
			RequestID string `json:"request_id"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload)
		return &APIError{Status: resp.StatusCode, Message: payload.Error, RequestID: payload.RequestID}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
