package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/zulandar/consult/internal/stream"
	"go.uber.org/zap"
)

// SSEOpts holds parameters for creating an SSE transport.
type SSEOpts struct {
	BaseURL string
	Token   string
	// HTTPClient must not set a Timeout shorter than the longest response.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// SSE opens response streams with POST /sessions/{id}/stream and reads
// text/event-stream frames.
type SSE struct {
	base   *url.URL
	token  string
	http   *http.Client
	logger *zap.Logger
}

// NewSSE validates opts and creates an SSE transport.
func NewSSE(opts SSEOpts) (*SSE, error) {
	base, err := parseBaseURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SSE{base: base, token: opts.Token, http: hc, logger: logger.Named("sse")}, nil
}

// OpenStream implements stream.Transport.
func (t *SSE) OpenStream(ctx context.Context, req stream.Request) (stream.Stream, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("transport: encode request: %w", err)
	}
	u := endpoint(t.base, "sessions", req.SessionID, "stream")
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "text/event-stream")
	hreq.Header.Set("Cache-Control", "no-cache")
	authorize(hreq, t.token)

	resp, err := t.http.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("transport: open stream: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("transport: open stream: %w", err)
	}
	t.logger.Debug("stream opened", zap.String("session_id", req.SessionID))
	return &sseStream{body: resp.Body, reader: stream.NewSSEReader(resp.Body)}, nil
}

type sseStream struct {
	body   io.ReadCloser
	reader *stream.SSEReader

	mu        sync.Mutex
	finished  bool
	closeOnce sync.Once
}

// Next returns the next event. After the final event it returns io.EOF.
func (s *sseStream) Next(ctx context.Context) (stream.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return stream.Event{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return stream.Event{}, err
	}
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	data, err := s.reader.Next()
	if err != nil {
		if ctx.Err() != nil {
			return stream.Event{}, ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return stream.Event{}, io.EOF
		}
		return stream.Event{}, err
	}
	ev, err := stream.ParseEvent(data)
	if err != nil {
		return stream.Event{}, err
	}
	if ev.Final != nil {
		s.finished = true
	}
	return ev, nil
}

func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.body.Close() })
	return err
}
