package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/consult/internal/task"
)

// recorder collects callbacks in order.
type recorder struct {
	mu       sync.Mutex
	chunks   []string
	drafts   []string
	complete []Response
	errs     []error
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnChunk: func(chunk, draft string) {
			r.mu.Lock()
			r.chunks = append(r.chunks, chunk)
			r.drafts = append(r.drafts, draft)
			r.mu.Unlock()
		},
		OnComplete: func(resp Response) {
			r.mu.Lock()
			r.complete = append(r.complete, resp)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() ([]string, []string, []Response, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.chunks...), append([]string(nil), r.drafts...),
		append([]Response(nil), r.complete...), append([]error(nil), r.errs...)
}

func newTestConsumer(t *testing.T, tr Transport) *Consumer {
	t.Helper()
	c, err := NewConsumer(ConsumerOpts{Transport: tr})
	require.NoError(t, err)
	return c
}

func finish(t *testing.T, h *task.Handle) task.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := h.Wait(ctx)
	require.NoError(t, err)
	return out
}

func TestNewConsumer_RequiresTransport(t *testing.T) {
	_, err := NewConsumer(ConsumerOpts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport is required")
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func TestValidate(t *testing.T) {
	c := newTestConsumer(t, NewMockTransport())
	tests := []struct {
		name    string
		req     Request
		wantErr string
	}{
		{"content", Request{SessionID: "s", Content: "hi"}, ""},
		{"attachment only", Request{SessionID: "s", Attachments: []Attachment{{Ref: "img-1"}}}, ""},
		{"empty", Request{SessionID: "s"}, "content is required unless an attachment is present"},
		{"whitespace", Request{SessionID: "s", Content: "  \n"}, "content is required"},
		{"no session", Request{Content: "hi"}, "sessionid is required"},
		{"attachment without ref", Request{SessionID: "s", Attachments: []Attachment{{}}}, "ref is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Validate(tt.req)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidRequest)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConsume_InvalidRequestFailsSynchronously(t *testing.T) {
	tr := NewMockTransport()
	c := newTestConsumer(t, tr)
	h, err := c.Consume(context.Background(), Request{SessionID: "s"}, Callbacks{})
	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, tr.Requests())
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

func TestConsume_ChunksInOrderThenComplete(t *testing.T) {
	tr := NewMockTransport()
	tr.Script = []Event{{Chunk: "I "}, {Chunk: "understand"}, {Chunk: "."}, {Final: &Response{Text: "I understand.", Complete: true}}}
	c := newTestConsumer(t, tr)
	rec := &recorder{}

	h, err := c.Consume(context.Background(), Request{SessionID: "s", Content: "I have a headache"}, rec.callbacks())
	require.NoError(t, err)
	assert.Equal(t, task.Succeeded, finish(t, h))

	chunks, drafts, complete, errs := rec.snapshot()
	assert.Equal(t, []string{"I ", "understand", "."}, chunks)
	assert.Equal(t, []string{"I ", "I understand", "I understand."}, drafts)
	require.Len(t, complete, 1)
	assert.Equal(t, "I understand.", complete[0].Text)
	assert.True(t, complete[0].Complete)
	assert.Empty(t, errs)
	assert.True(t, tr.Streams()[0].Closed())
}

func TestConsume_ZeroChunkCompletion(t *testing.T) {
	tr := NewMockTransport()
	tr.Script = []Event{{Final: &Response{}}}
	c := newTestConsumer(t, tr)
	rec := &recorder{}

	h, err := c.Consume(context.Background(), Request{SessionID: "s", Content: "hi"}, rec.callbacks())
	require.NoError(t, err)
	assert.Equal(t, task.Succeeded, finish(t, h))

	_, _, complete, _ := rec.snapshot()
	require.Len(t, complete, 1)
	assert.Equal(t, "", complete[0].Text)
}

func TestConsume_FinalTextFallsBackToDraft(t *testing.T) {
	tr := NewMockTransport()
	tr.Script = []Event{{Chunk: "partial "}, {Chunk: "answer"}, {Final: &Response{QuickReplies: []string{"ok"}}}}
	c := newTestConsumer(t, tr)
	rec := &recorder{}

	h, _ := c.Consume(context.Background(), Request{SessionID: "s", Content: "hi"}, rec.callbacks())
	finish(t, h)

	_, _, complete, _ := rec.snapshot()
	require.Len(t, complete, 1)
	assert.Equal(t, "partial answer", complete[0].Text)
	assert.Equal(t, []string{"ok"}, complete[0].QuickReplies)
}

func TestConsume_OpenErrorReportedOnce(t *testing.T) {
	tr := NewMockTransport()
	tr.OpenErr = errors.New("connection refused")
	c := newTestConsumer(t, tr)
	rec := &recorder{}

	h, err := c.Consume(context.Background(), Request{SessionID: "s", Content: "hi"}, rec.callbacks())
	require.NoError(t, err)
	assert.Equal(t, task.Failed, finish(t, h))

	_, _, complete, errs := rec.snapshot()
	assert.Empty(t, complete)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "connection refused")
}

func TestConsume_ServerErrorMidStream(t *testing.T) {
	tr := NewMockTransport()
	c := newTestConsumer(t, tr)
	rec := &recorder{}

	h, _ := c.Consume(context.Background(), Request{SessionID: "s", Content: "hi"}, rec.callbacks())
	s := <-tr.Opened()
	s.Emit("one")
	s.Fail(&ServerError{Message: "overloaded"})
	s.Emit("ignored")

	assert.Equal(t, task.Failed, finish(t, h))
	chunks, _, complete, errs := rec.snapshot()
	assert.Equal(t, []string{"one"}, chunks)
	assert.Empty(t, complete)
	require.Len(t, errs, 1)
	var se *ServerError
	assert.ErrorAs(t, errs[0], &se)
}

func TestConsume_TruncatedStream(t *testing.T) {
	tr := NewMockTransport()
	c := newTestConsumer(t, tr)
	rec := &recorder{}

	h, _ := c.Consume(context.Background(), Request{SessionID: "s", Content: "hi"}, rec.callbacks())
	s := <-tr.Opened()
	s.Emit("half")
	s.End()

	finish(t, h)
	_, _, _, errs := rec.snapshot()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrTruncated)
}

func TestConsume_CancelMidStreamSilencesCallbacks(t *testing.T) {
	tr := NewMockTransport()
	c := newTestConsumer(t, tr)
	rec := &recorder{}

	h, _ := c.Consume(context.Background(), Request{SessionID: "s", Content: "hi"}, rec.callbacks())
	s := <-tr.Opened()
	s.Emit("first")
	require.Eventually(t, func() bool {
		chunks, _, _, _ := rec.snapshot()
		return len(chunks) == 1
	}, time.Second, time.Millisecond)

	h.Cancel()
	s.Emit("late")
	s.Finish(Response{Text: "done"})

	assert.Equal(t, task.Cancelled, finish(t, h))
	chunks, _, complete, errs := rec.snapshot()
	assert.Equal(t, []string{"first"}, chunks)
	assert.Empty(t, complete)
	assert.Empty(t, errs)
}

// ---------------------------------------------------------------------------
// Wire format
// ---------------------------------------------------------------------------

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"chunk","chunk":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", ev.Chunk)

	ev, err = ParseEvent([]byte(`{"chunk":"bare"}`))
	require.NoError(t, err)
	assert.Equal(t, "bare", ev.Chunk)

	ev, err = ParseEvent([]byte(`{"final":{"text":"done","complete":true,"quick_replies":["a"]}}`))
	require.NoError(t, err)
	require.NotNil(t, ev.Final)
	assert.Equal(t, "done", ev.Final.Text)
	assert.True(t, ev.Final.Complete)

	ev, err = ParseEvent([]byte(`{"type":"final"}`))
	require.NoError(t, err)
	assert.NotNil(t, ev.Final)

	_, err = ParseEvent([]byte(`{"type":"error","error":"quota"}`))
	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "quota", se.Message)

	_, err = ParseEvent([]byte(`{"type":"mystery"}`))
	assert.Error(t, err)
	_, err = ParseEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestEncodeEvent_RoundTrips(t *testing.T) {
	data, err := EncodeEvent(Event{Final: &Response{Text: "x", RecordID: "r-1"}})
	require.NoError(t, err)
	ev, err := ParseEvent(data)
	require.NoError(t, err)
	assert.Equal(t, "r-1", ev.Final.RecordID)

	data, err = EncodeError("bad")
	require.NoError(t, err)
	_, err = ParseEvent(data)
	assert.Error(t, err)
}

func TestSSEReader(t *testing.T) {
	in := ": keepalive\n\nevent: message\ndata: {\"chunk\":\"a\"}\n\ndata: line1\ndata: line2\n\ndata: tail"
	r := NewSSEReader(strings.NewReader(in))

	got, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"chunk":"a"}`, string(got))

	got, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2", string(got))

	got, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "tail", string(got))

	_, err = r.Next()
	assert.Error(t, err)
}
