package dashboard

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/consult/internal/conversation"
	"github.com/zulandar/consult/internal/engine"
	"github.com/zulandar/consult/internal/metrics"
	"github.com/zulandar/consult/internal/stream"
	"github.com/zulandar/consult/internal/turn"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeController records calls and returns canned results.
type fakeController struct {
	mu      sync.Mutex
	calls   []string
	errs    map[string]error
	snap    engine.Snapshot
	muted   bool
	level   float64
	summary conversation.Summary
	sent    []string
	newKey  string
	newIC   conversation.InitContext
	updates chan engine.Update
	unsubs  int
}

func newFakeController() *fakeController {
	return &fakeController{
		errs:    map[string]error{},
		snap:    engine.Snapshot{SessionID: "s-1", State: turn.State{Phase: turn.Idle}, Messages: []conversation.Message{}},
		updates: make(chan engine.Update, 8),
	}
}

func (f *fakeController) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.errs[name]
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) Snapshot() engine.Snapshot { return f.snap }

func (f *fakeController) Subscribe() (<-chan engine.Update, func()) {
	return f.updates, func() {
		f.mu.Lock()
		f.unsubs++
		f.mu.Unlock()
	}
}

func (f *fakeController) Send(_ context.Context, content string, _ []stream.Attachment, action string) error {
	f.mu.Lock()
	f.sent = append(f.sent, content+"|"+action)
	f.mu.Unlock()
	return f.record("send")
}

func (f *fakeController) Cancel(context.Context) error         { return f.record("cancel") }
func (f *fakeController) StartVoiceMode(context.Context) error { return f.record("voice.start") }
func (f *fakeController) StopVoiceMode(context.Context) error  { return f.record("voice.stop") }
func (f *fakeController) Interrupt(context.Context) error      { return f.record("interrupt") }
func (f *fakeController) AcknowledgeError(context.Context) error {
	return f.record("ack")
}

func (f *fakeController) ToggleMute(context.Context) (bool, error) {
	if err := f.record("mute"); err != nil {
		return false, err
	}
	f.muted = !f.muted
	return f.muted, nil
}

func (f *fakeController) HandleAudioLevel(rms float64) {
	f.level = rms
	f.record("level")
}

func (f *fakeController) RequestSummary(context.Context) (conversation.Summary, error) {
	if err := f.record("summary"); err != nil {
		return conversation.Summary{}, err
	}
	return f.summary, nil
}

func (f *fakeController) StartNewConsultation(_ context.Context, key string, ic conversation.InitContext) (*conversation.Session, error) {
	f.newKey, f.newIC = key, ic
	if err := f.record("new"); err != nil {
		return nil, err
	}
	return conversation.NewSession("s-2", ic.AgentType, conversation.Capabilities{}, time.Now()), nil
}

func newTestServer(t *testing.T, ctl *fakeController, m *metrics.Metrics) *httptest.Server {
	t.Helper()
	router := NewRouter(StartOpts{
		Controller:  ctl,
		Metrics:     m,
		Key:         "default-key",
		InitContext: conversation.InitContext{AgentType: "general"},
		Heartbeat:   20 * time.Millisecond,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestStart_NilController(t *testing.T) {
	err := Start(context.Background(), StartOpts{})
	if err == nil {
		t.Fatal("expected error for nil controller")
	}
	if !strings.Contains(err.Error(), "controller is required") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "controller is required")
	}
}

// findFreePort finds an available port for testing.
func findFreePort() int {
	// Use a high port range unlikely to conflict.
	return 18080 + int(time.Now().UnixNano()%1000)
}

func TestStart_ServesUntilCancelled(t *testing.T) {
	ctl := newFakeController()
	port := findFreePort()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- Start(ctx, StartOpts{Controller: ctl, Port: port})
	}()

	baseURL := fmt.Sprintf("http://localhost:%d", port)
	var resp *http.Response
	var err error
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = http.Get(baseURL + "/api/state")
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		cancel()
		t.Fatalf("server never came up: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestState_ReturnsSnapshot(t *testing.T) {
	ctl := newFakeController()
	srv := newTestServer(t, ctl, nil)

	resp, err := http.Get(srv.URL + "/api/state")
	if err != nil {
		t.Fatalf("GET /api/state: %v", err)
	}
	defer resp.Body.Close()
	var snap engine.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.SessionID != "s-1" {
		t.Errorf("SessionID = %q, want s-1", snap.SessionID)
	}
}

func TestSend_Accepted(t *testing.T) {
	ctl := newFakeController()
	srv := newTestServer(t, ctl, nil)

	resp, _ := post(t, srv.URL+"/api/messages", `{"content":"my knee hurts","action":"triage"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	if len(ctl.sent) != 1 || ctl.sent[0] != "my knee hurts|triage" {
		t.Errorf("sent = %v", ctl.sent)
	}
}

func TestSend_BadJSON(t *testing.T) {
	ctl := newFakeController()
	srv := newTestServer(t, ctl, nil)

	resp, body := post(t, srv.URL+"/api/messages", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if body["error"] != "request body must be JSON" {
		t.Errorf("error = %v", body["error"])
	}
	if len(ctl.Calls()) != 0 {
		t.Errorf("controller called: %v", ctl.Calls())
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{"no session", &engine.Rejection{Reason: "start a consultation first", Err: engine.ErrNoSession}, http.StatusConflict, "start a consultation first"},
		{"empty", &engine.Rejection{Reason: "type a message", Err: engine.ErrEmptyMessage}, http.StatusUnprocessableEntity, "type a message"},
		{"action", &engine.Rejection{Reason: "cannot", Err: engine.ErrActionUnsupported}, http.StatusUnprocessableEntity, "cannot"},
		{"closed", engine.ErrClosed, http.StatusServiceUnavailable, "the consultation has ended"},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, "the consultation is busy, please try again"},
		{"raw", errors.New("dial tcp 10.0.0.1: refused"), http.StatusInternalServerError, "something went wrong"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl := newFakeController()
			ctl.errs["send"] = tt.err
			srv := newTestServer(t, ctl, nil)

			resp, body := post(t, srv.URL+"/api/messages", `{"content":"hi"}`)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if body["error"] != tt.msg {
				t.Errorf("error = %v, want %q", body["error"], tt.msg)
			}
		})
	}
}

func TestCommands_Routed(t *testing.T) {
	ctl := newFakeController()
	srv := newTestServer(t, ctl, nil)

	for path, call := range map[string]string{
		"/api/cancel":      "cancel",
		"/api/voice/start": "voice.start",
		"/api/voice/stop":  "voice.stop",
		"/api/interrupt":   "interrupt",
		"/api/error/ack":   "ack",
	} {
		resp, _ := post(t, srv.URL+path, "")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, resp.StatusCode)
		}
		calls := ctl.Calls()
		if calls[len(calls)-1] != call {
			t.Errorf("%s: last call = %q, want %q", path, calls[len(calls)-1], call)
		}
	}
}

func TestVoiceStart_Unavailable(t *testing.T) {
	ctl := newFakeController()
	ctl.errs["voice.start"] = &engine.Rejection{Reason: "voice input is not available", Err: engine.ErrVoiceUnavailable}
	srv := newTestServer(t, ctl, nil)

	resp, body := post(t, srv.URL+"/api/voice/start", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
	if body["error"] != "voice input is not available" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestMute_Toggles(t *testing.T) {
	ctl := newFakeController()
	srv := newTestServer(t, ctl, nil)

	_, body := post(t, srv.URL+"/api/mute", "")
	if body["muted"] != true {
		t.Errorf("muted = %v, want true", body["muted"])
	}
	_, body = post(t, srv.URL+"/api/mute", "")
	if body["muted"] != false {
		t.Errorf("muted = %v, want false", body["muted"])
	}
}

func TestVoiceLevel(t *testing.T) {
	ctl := newFakeController()
	srv := newTestServer(t, ctl, nil)

	resp, _ := post(t, srv.URL+"/api/voice/level", `{"rms":0.42}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if ctl.level != 0.42 {
		t.Errorf("level = %v, want 0.42", ctl.level)
	}

	resp, _ = post(t, srv.URL+"/api/voice/level", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing rms: status = %d, want 400", resp.StatusCode)
	}
}

func TestSummary(t *testing.T) {
	ctl := newFakeController()
	ctl.summary = conversation.Summary{SessionID: "s-1", Text: "knee strain"}
	srv := newTestServer(t, ctl, nil)

	resp, body := post(t, srv.URL+"/api/summary", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if body["text"] != "knee strain" {
		t.Errorf("text = %v", body["text"])
	}
}

func TestSummary_Rejections(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{&engine.Rejection{Reason: "needs more conversation", Err: engine.ErrNeedsMoreConversation}, http.StatusConflict},
		{&engine.Rejection{Reason: "try again", Err: fmt.Errorf("%w: boom", engine.ErrSummaryFailed)}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		ctl := newFakeController()
		ctl.errs["summary"] = tt.err
		srv := newTestServer(t, ctl, nil)

		resp, body := post(t, srv.URL+"/api/summary", "")
		if resp.StatusCode != tt.status {
			t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
		}
		if strings.Contains(fmt.Sprint(body["error"]), "boom") {
			t.Errorf("raw cause leaked: %v", body["error"])
		}
	}
}

func TestNewSession_DefaultsAndOverrides(t *testing.T) {
	ctl := newFakeController()
	srv := newTestServer(t, ctl, nil)

	resp, _ := post(t, srv.URL+"/api/sessions/new", "")
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}
	if ctl.newKey != "default-key" || ctl.newIC.AgentType != "general" {
		t.Errorf("new consultation = %q %+v", ctl.newKey, ctl.newIC)
	}

	post(t, srv.URL+"/api/sessions/new", `{"key":"k2","agent_type":"intake"}`)
	if ctl.newKey != "k2" || ctl.newIC.AgentType != "intake" {
		t.Errorf("new consultation = %q %+v", ctl.newKey, ctl.newIC)
	}
}

func TestEvents_SnapshotThenUpdates(t *testing.T) {
	ctl := newFakeController()
	srv := newTestServer(t, ctl, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Errorf("content-type = %q, want text/event-stream", ct)
	}

	ctl.updates <- engine.Update{Kind: engine.UpdateDraft, Text: "Hel"}

	sc := bufio.NewScanner(resp.Body)
	var events []string
	var sawHeartbeat bool
	for sc.Scan() && len(events) < 2 {
		line := sc.Text()
		if !strings.HasPrefix(line, "event: ") {
			continue
		}
		name := strings.TrimPrefix(line, "event: ")
		if name == "heartbeat" {
			sawHeartbeat = true
			continue
		}
		events = append(events, name)
		if name == "draft" {
			sc.Scan()
			if !strings.Contains(sc.Text(), `"text":"Hel"`) {
				t.Errorf("draft data = %q", sc.Text())
			}
		}
	}
	if len(events) != 2 || events[0] != "snapshot" || events[1] != "draft" {
		t.Errorf("events = %v, want [snapshot draft]", events)
	}

	// Keep reading until a heartbeat arrives.
	for !sawHeartbeat && sc.Scan() {
		if sc.Text() == "event: heartbeat" {
			sawHeartbeat = true
		}
	}
	if !sawHeartbeat {
		t.Error("no heartbeat")
	}
}

func TestEvents_ClosedWhenOrchestratorCloses(t *testing.T) {
	ctl := newFakeController()
	srv := newTestServer(t, ctl, nil)
	close(ctl.updates)

	resp, err := http.Get(srv.URL + "/api/events")
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()
	sc := bufio.NewScanner(resp.Body)
	var last string
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "event: ") {
			last = sc.Text()
		}
	}
	if last != "event: closed" {
		t.Errorf("last event = %q, want closed", last)
	}
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if ctl.unsubs != 1 {
		t.Errorf("unsubscribed %d times, want 1", ctl.unsubs)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New("dash")
	m.Interruption("energy")
	srv := newTestServer(t, newFakeController(), m)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	sc := bufio.NewScanner(resp.Body)
	found := false
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), `dash_interruptions_total{source="energy"} 1`) {
			found = true
		}
	}
	if !found {
		t.Error("interruption counter not exported")
	}
}

func TestMetricsEndpoint_AbsentWithoutMetrics(t *testing.T) {
	srv := newTestServer(t, newFakeController(), nil)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestUnknownRoute_Returns404(t *testing.T) {
	srv := newTestServer(t, newFakeController(), nil)

	resp, err := http.Get(srv.URL + "/nonexistent")
	if err != nil {
		t.Fatalf("GET /nonexistent: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
