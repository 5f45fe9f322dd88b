package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/zulandar/consult/internal/task"
	"go.uber.org/zap"
)

// Callbacks receive the progress of one stream. Each may be nil.
type Callbacks struct {
	// OnChunk fires once per chunk, in arrival order, with the accumulated draft.
	OnChunk func(chunk, draft string)
	// OnComplete fires once with the final response.
	OnComplete func(resp Response)
	// OnError fires once on transport failure.
	OnError func(err error)
}

// Consumer drives transport streams.
type Consumer struct {
	transport Transport
	validate  *validator.Validate
	logger    *zap.Logger
}

// ConsumerOpts holds parameters for creating a Consumer.
type ConsumerOpts struct {
	Transport Transport
	Logger    *zap.Logger
}

// NewConsumer creates a Consumer.
func NewConsumer(opts ConsumerOpts) (*Consumer, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("stream: consumer: transport is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		transport: opts.Transport,
		validate:  newValidator(),
		logger:    logger.Named("stream"),
	}, nil
}

// Validate checks a request without opening a stream.
func (c *Consumer) Validate(req Request) error {
	return validate(c.validate, req)
}

// Consume validates req, opens a stream and reports its progress through cb.
// Invalid requests fail synchronously. After the returned handle is
// cancelled no callback fires. Exactly one of OnComplete or OnError fires
// otherwise.
func (c *Consumer) Consume(ctx context.Context, req Request, cb Callbacks) (*task.Handle, error) {
	if err := c.Validate(req); err != nil {
		return nil, err
	}
	h := task.Start(ctx, func(h *task.Handle) error {
		return c.run(h, req, cb)
	})
	return h, nil
}

func (c *Consumer) run(h *task.Handle, req Request, cb Callbacks) error {
	if err := h.Check(); err != nil {
		return err
	}
	s, err := c.transport.OpenStream(h.Context(), req)
	if err != nil {
		return c.fail(h, cb, fmt.Errorf("stream: open: %w", err))
	}
	defer s.Close()

	var draft strings.Builder
	chunks := 0
	for {
		ev, err := s.Next(h.Context())
		if cerr := h.Check(); cerr != nil {
			c.logger.Debug("stream cancelled", zap.String("session_id", req.SessionID), zap.Int("chunks", chunks))
			return cerr
		}
		if errors.Is(err, io.EOF) {
			return c.fail(h, cb, ErrTruncated)
		}
		if err != nil {
			return c.fail(h, cb, fmt.Errorf("stream: read: %w", err))
		}

		if ev.Final != nil {
			resp := *ev.Final
			if strings.TrimSpace(resp.Text) == "" {
				resp.Text = draft.String()
			}
			h.Commit(func() {
				if cb.OnComplete != nil {
					cb.OnComplete(resp)
				}
			})
			c.logger.Debug("stream complete", zap.String("session_id", req.SessionID), zap.Int("chunks", chunks))
			return nil
		}

		chunks++
		draft.WriteString(ev.Chunk)
		snapshot := draft.String()
		h.Commit(func() {
			if cb.OnChunk != nil {
				cb.OnChunk(ev.Chunk, snapshot)
			}
		})
	}
}

// fail reports err through OnError unless the handle was cancelled, in which
// case the failure is a side effect of cancellation and is swallowed.
func (c *Consumer) fail(h *task.Handle, cb Callbacks, err error) error {
	ran := h.Commit(func() {
		c.logger.Warn("stream failed", zap.Error(err))
		if cb.OnError != nil {
			cb.OnError(err)
		}
	})
	if !ran {
		return task.ErrCancelled
	}
	return err
}
