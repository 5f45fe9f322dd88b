// Package transport talks to the consultation backend: a REST client for
// sessions, history and summaries, and SSE or WebSocket response streams.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zulandar/consult/internal/conversation"
	"go.uber.org/zap"
)

// DefaultTimeout bounds REST calls made with the default HTTP client.
const DefaultTimeout = 30 * time.Second

// APIError is a non-2xx backend response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("transport: backend returned %d", e.Status)
	}
	return fmt.Sprintf("transport: backend returned %d: %s", e.Status, e.Message)
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is the REST client for sessions, history and summaries.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	logger *zap.Logger
}

// NewClient validates opts and creates a Client.
func NewClient(opts ClientOpts) (*Client, error) {
	base, err := parseBaseURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{base: base, token: opts.Token, http: hc, logger: logger.Named("transport")}, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("transport: base URL is required")
	}
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("transport: parse base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("transport: base URL %q must be absolute", raw)
	}
	return u, nil
}

// endpoint joins path segments onto base, escaping each one.
func endpoint(base *url.URL, segments ...string) *url.URL {
	u := *base
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u.Path = base.Path + "/" + strings.Join(escaped, "/")
	u.RawPath = ""
	return &u
}

type historyResponse struct {
	Messages []conversation.HistoryEntry `json:"messages"`
}

// GetHistory fetches up to limit prior messages of a session, oldest first.
func (c *Client) GetHistory(ctx context.Context, sessionID string, limit int) ([]conversation.HistoryEntry, error) {
	u := endpoint(c.base, "sessions", sessionID, "messages")
	if limit > 0 {
		u.RawQuery = url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var out historyResponse
	if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, fmt.Errorf("transport: get history: %w", err)
	}
	return out.Messages, nil
}

type createSessionRequest struct {
	Key       string            `json:"key"`
	AgentType string            `json:"agent_type,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// CreateSession opens a new session on the backend.
func (c *Client) CreateSession(ctx context.Context, key string, ic conversation.InitContext) (conversation.SessionInfo, error) {
	body := createSessionRequest{Key: key, AgentType: ic.AgentType, Metadata: ic.Metadata}
	var out conversation.SessionInfo
	if err := c.do(ctx, http.MethodPost, endpoint(c.base, "sessions"), body, &out); err != nil {
		return conversation.SessionInfo{}, fmt.Errorf("transport: create session: %w", err)
	}
	return out, nil
}

// GenerateSummary asks the backend to summarize a session.
func (c *Client) GenerateSummary(ctx context.Context, sessionID string) (conversation.Summary, error) {
	var out conversation.Summary
	if err := c.do(ctx, http.MethodPost, endpoint(c.base, "sessions", sessionID, "summary"), nil, &out); err != nil {
		return conversation.Summary{}, fmt.Errorf("transport: generate summary: %w", err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method string, u *url.URL, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	authorize(req, c.token)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.logger.Debug("backend call",
		zap.String("method", method),
		zap.String("path", u.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func authorize(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// checkStatus turns a non-2xx response into an *APIError, reading an
// {"error": "..."} body when present.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
