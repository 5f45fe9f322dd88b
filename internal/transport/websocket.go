package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zulandar/consult/internal/stream"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout = 10 * time.Second
	closeGrace            = 2 * time.Second
)

// WebSocketOpts holds parameters for creating a WebSocket transport.
type WebSocketOpts struct {
	BaseURL        string
	Token          string
	Dialer         *websocket.Dialer
	ConnectTimeout time.Duration
	Logger         *zap.Logger
}

// WebSocket opens one connection per response at /sessions/{id}/ws, sends
// the request as the first text frame and reads JSON event frames.
type WebSocket struct {
	base           *url.URL
	token          string
	dialer         *websocket.Dialer
	connectTimeout time.Duration
	logger         *zap.Logger
}

// NewWebSocket validates opts and creates a WebSocket transport. http and
// https base URLs are mapped to ws and wss.
func NewWebSocket(opts WebSocketOpts) (*WebSocket, error) {
	base, err := parseBaseURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("transport: unsupported websocket scheme %q", base.Scheme)
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocket{
		base:           base,
		token:          opts.Token,
		dialer:         dialer,
		connectTimeout: timeout,
		logger:         logger.Named("websocket"),
	}, nil
}

// OpenStream implements stream.Transport.
func (t *WebSocket) OpenStream(ctx context.Context, req stream.Request) (stream.Stream, error) {
	wsURL := endpoint(t.base, "sessions", req.SessionID, "ws").String()
	headers := make(http.Header)
	if t.token != "" {
		headers.Set("Authorization", "Bearer "+t.token)
	}

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t.connectTimeout)
		defer cancel()
	}
	conn, resp, err := t.dialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("transport: websocket dial: %w", err)
	}
	if err := conn.WriteJSON(req); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("transport: send request: %w", err)
	}
	t.logger.Debug("stream opened", zap.String("session_id", req.SessionID))
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn

	mu        sync.Mutex
	finished  bool
	closeOnce sync.Once
}

func (s *wsStream) Next(ctx context.Context) (stream.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return stream.Event{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return stream.Event{}, err
	}
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return stream.Event{}, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return stream.Event{}, io.EOF
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Text != "" {
				return stream.Event{}, &stream.ServerError{Message: ce.Text}
			}
			return stream.Event{}, err
		}
		if messageType != websocket.TextMessage {
			continue
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
}

// Close sends a normal close frame and closes the connection.
func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		err = s.conn.Close()
	})
	return err
}
