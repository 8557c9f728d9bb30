// Package rest talks to the chat backend's HTTP endpoints. It is the fallback
// transport used while the channel is down, and the source of bulk history.
package rest

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

	"go.uber.org/zap"

	"github.com/gastownhall/livechat/internal/protocol"
)

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 4 << 10
)

// TokenSource returns the bearer token to send, or "" for none.
type TokenSource func() string

// RequestError is a REST call that did not succeed. Status is zero when no
// response was received.
type RequestError struct {
	Method  string
	Path    string
	Status  int
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	switch {
	case e.Status == 0:
		return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %d: %v", e.Method, e.Path, e.Status, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, e.Message)
	default:
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
	}
}

func (e *RequestError) Unwrap() error { return e.Err }

// MessagesPath returns the collection path for a scope.
func MessagesPath(s protocol.Scope) string {
	switch s.Kind {
	case protocol.ScopeConversation:
		return "/api/chat/conversations/" + url.PathEscape(s.ID) + "/messages"
	case protocol.ScopeGroup:
		return "/api/chat/groups/" + url.PathEscape(s.ID) + "/messages"
	default:
		return "/api/chat/anonymous/messages"
	}
}

// ListResponse is the body of a history request.
type ListResponse struct {
	Messages []protocol.ChatEntity `json:"messages"`
}

// SendResponse is the body returned for an accepted message.
type SendResponse struct {
	Message protocol.ChatEntity `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Client calls the REST endpoints of one backend.
type Client struct {
	baseURL string
	http    *http.Client
	token   TokenSource
	log     *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.token = ts }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l.Named("rest") }
}

// New creates a client for the backend at baseURL (e.g. http://localhost:8090).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListMessages fetches the stored history of a scope.
func (c *Client) ListMessages(ctx context.Context, s protocol.Scope) ([]protocol.ChatEntity, error) {
	var out ListResponse
	if err := c.do(ctx, http.MethodGet, MessagesPath(s), nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// SendMessage posts a message and returns the entity the server created.
func (c *Client) SendMessage(ctx context.Context, s protocol.Scope, msg protocol.Outgoing) (protocol.ChatEntity, error) {
	var out SendResponse
	if err := c.do(ctx, http.MethodPost, MessagesPath(s), msg, &out); err != nil {
		return protocol.ChatEntity{}, err
	}
	return out.Message, nil
}

// ClearMessages deletes every message of a scope.
func (c *Client) ClearMessages(ctx context.Context, s protocol.Scope) error {
	return c.do(ctx, http.MethodDelete, MessagesPath(s), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &RequestError{Method: method, Path: path, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("request_failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return &RequestError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		reqErr := &RequestError{Method: method, Path: path, Status: resp.StatusCode}
		var e errorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			reqErr.Message = e.Error
		} else {
			reqErr.Message = strings.TrimSpace(string(raw))
		}
		c.log.Warn("request_rejected",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("error", reqErr.Message),
		)
		return reqErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &RequestError{Method: method, Path: path, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
