package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// wireEvent is the JSON frame shared by the SSE and WebSocket transports.
// Either a "type" field or the presence of a payload field selects the kind.
type wireEvent struct {
	Type  string    `json:"type"`
	Chunk string    `json:"chunk"`
	Final *Response `json:"final"`
	Error string    `json:"error"`
}

// ParseEvent decodes one JSON frame. A frame carrying an error yields a
// *ServerError.
func ParseEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("stream: decode frame: %w", err)
	}
	switch {
	case w.Type == "error" || w.Error != "":
		msg := w.Error
		if msg == "" {
			msg = "unknown error"
		}
		return Event{}, &ServerError{Message: msg}
	case w.Type == "final" || w.Final != nil:
		if w.Final == nil {
			w.Final = &Response{}
		}
		return Event{Final: w.Final}, nil
	case w.Type == "chunk" || w.Type == "":
		return Event{Chunk: w.Chunk}, nil
	}
	return Event{}, fmt.Errorf("stream: unknown frame type %q", w.Type)
}

// EncodeEvent is the inverse of ParseEvent, used by servers and fakes.
func EncodeEvent(ev Event) ([]byte, error) {
	if ev.Final != nil {
		return json.Marshal(wireEvent{Type: "final", Final: ev.Final})
	}
	return json.Marshal(wireEvent{Type: "chunk", Chunk: ev.Chunk})
}

// EncodeError builds an error frame.
func EncodeError(msg string) ([]byte, error) {
	return json.Marshal(wireEvent{Type: "error", Error: msg})
}

// maxFrame caps a single SSE line; longer lines fail the read with
// bufio.ErrTooLong.
const maxFrame = 1024 * 1024

// SSEReader reads text/event-stream data frames.
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader wraps r. Lines are limited to 1 MiB.
func NewSSEReader(r io.Reader) *SSEReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrame)
	return &SSEReader{scanner: sc}
}

// Next returns the data of the next event, joining multi-line data fields.
// Comments and events without data are skipped. It returns io.EOF at the end.
func (r *SSEReader) Next() ([]byte, error) {
	var data []string
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				return []byte(strings.Join(data, "\n")), nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream: read sse: %w", err)
	}
	if len(data) > 0 {
		return []byte(strings.Join(data, "\n")), nil
	}
	return nil, io.EOF
}
