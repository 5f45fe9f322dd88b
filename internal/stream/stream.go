// Package stream consumes incremental agent responses from a transport and
// reports them through chunk, completion and error callbacks.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("stream: invalid request")
	// ErrTruncated is reported when a stream ends without a final event.
	ErrTruncated = errors.New("stream: ended without final response")
)

// Attachment is an image or document sent with a message.
type Attachment struct {
	Ref      string `json:"ref" validate:"required"`
	MIMEType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// Request describes one message submission.
type Request struct {
	SessionID   string       `json:"session_id" validate:"required"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty" validate:"dive"`
	Action      string       `json:"action,omitempty"`
}

// Response is the structured final payload of a stream.
type Response struct {
	Text           string         `json:"text"`
	QuickReplies   []string       `json:"quick_replies,omitempty"`
	Artifact       map[string]any `json:"artifact,omitempty"`
	ReasoningSteps []string       `json:"reasoning_steps,omitempty"`
	Complete       bool           `json:"complete"`
	RecordID       string         `json:"record_id,omitempty"`
}

// Event is one item read from a stream: either a chunk or the final response.
type Event struct {
	Chunk string
	Final *Response
}

// ServerError is an error payload sent by the backend inside a stream.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "stream: server error: " + e.Message
}

// Stream yields events until the final response, then io.EOF.
type Stream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Transport opens response streams.
type Transport interface {
	OpenStream(ctx context.Context, req Request) (Stream, error)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		req := sl.Current().Interface().(Request)
		if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
			sl.ReportError(req.Content, "Content", "content", "content_or_attachment", "")
		}
	}, Request{})
	return v
}

// validate checks req and translates validator output into a readable error.
func validate(v *validator.Validate, req Request) error {
	err := v.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	var msgs []string
	for _, fe := range verrs {
		switch fe.Tag() {
		case "content_or_attachment":
			msgs = append(msgs, "content is required unless an attachment is present")
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", strings.ToLower(fe.Field())))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(msgs, "; "))
}
