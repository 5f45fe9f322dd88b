package stream

import (
	"context"
	"io"
	"sync"
)

// MockTransport is an in-memory Transport for tests. Every opened stream is
// recorded and published on Opened so a test can drive it.
type MockTransport struct {
	// OpenErr, when set, is returned by OpenStream.
	OpenErr error
	// Script, when set, is queued on every new stream followed by io.EOF
	// unless it ends in a final event.
	Script []Event

	mu       sync.Mutex
	requests []Request
	streams  []*MockStream
	opened   chan *MockStream
}

// NewMockTransport creates a MockTransport.
func NewMockTransport() *MockTransport {
	return &MockTransport{opened: make(chan *MockStream, 32)}
}

// OpenStream implements Transport.
func (m *MockTransport) OpenStream(ctx context.Context, req Request) (Stream, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	if m.OpenErr != nil {
		err := m.OpenErr
		m.mu.Unlock()
		return nil, err
	}
	s := NewMockStream()
	for _, ev := range m.Script {
		if ev.Final != nil {
			s.Finish(*ev.Final)
		} else {
			s.Emit(ev.Chunk)
		}
	}
	m.streams = append(m.streams, s)
	m.mu.Unlock()

	select {
	case m.opened <- s:
	default:
	}
	return s, nil
}

// Requests returns every request seen so far.
func (m *MockTransport) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Streams returns every stream opened so far.
func (m *MockTransport) Streams() []*MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MockStream, len(m.streams))
	copy(out, m.streams)
	return out
}

// Opened delivers each stream as it is opened.
func (m *MockTransport) Opened() <-chan *MockStream {
	return m.opened
}

type mockItem struct {
	ev  Event
	err error
}

// MockStream is a Stream whose events are pushed by a test.
type MockStream struct {
	items chan mockItem

	mu     sync.Mutex
	closed bool
}

// NewMockStream creates an empty MockStream.
func NewMockStream() *MockStream {
	return &MockStream{items: make(chan mockItem, 128)}
}

// Emit queues a chunk.
func (s *MockStream) Emit(chunk string) { s.items <- mockItem{ev: Event{Chunk: chunk}} }

// Finish queues the final response followed by io.EOF.
func (s *MockStream) Finish(resp Response) {
	s.items <- mockItem{ev: Event{Final: &resp}}
	s.items <- mockItem{err: io.EOF}
}

// Fail queues a read error.
func (s *MockStream) Fail(err error) { s.items <- mockItem{err: err} }

// End queues io.EOF without a final event.
func (s *MockStream) End() { s.items <- mockItem{err: io.EOF} }

// Next implements Stream.
func (s *MockStream) Next(ctx context.Context) (Event, error) {
	select {
	case it := <-s.items:
		return it.ev, it.err
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close implements Stream.
func (s *MockStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (s *MockStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
