package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/consult/internal/config"
	"github.com/zulandar/consult/internal/conversation"
	"github.com/zulandar/consult/internal/engine"
	"github.com/zulandar/consult/internal/resume"
	"github.com/zulandar/consult/internal/store"
	"github.com/zulandar/consult/internal/stream"
)

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "consult dev") {
		t.Errorf("expected output to contain 'consult dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "consult 1.0.0") {
		t.Errorf("expected output to contain 'consult 1.0.0', got: %s", out)
	}
	if !strings.Contains(out, "built: 2026-01-01") {
		t.Errorf("expected output to contain 'built: 2026-01-01', got: %s", out)
	}
}

func TestRootCmdHelp(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("help command failed: %v", err)
	}

	out := buf.String()
	for _, sub := range []string{"version", "chat", "serve", "session", "db"} {
		if !strings.Contains(out, sub) {
			t.Errorf("expected help output to list %q subcommand, got: %s", sub, out)
		}
	}
}

func TestChatCmd_RequiresKey(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"chat"})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error without --key")
	}
}

func TestChatCmd_MissingConfig(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"chat", "--key", "u1", "--config", filepath.Join(t.TempDir(), "nope.yaml")})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing config")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want load config failure", err)
	}
}

func TestSubcommandFlags(t *testing.T) {
	root := newRootCmd()
	tests := []struct {
		path  []string
		flags []string
	}{
		{[]string{"chat"}, []string{"config", "key", "agent", "debug"}},
		{[]string{"serve"}, []string{"config", "key", "agent", "port", "debug"}},
		{[]string{"session", "show"}, []string{"config", "key"}},
		{[]string{"session", "clear"}, []string{"config", "key"}},
		{[]string{"db", "migrate"}, []string{"config"}},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.path, " "), func(t *testing.T) {
			cmd, _, err := root.Find(tt.path)
			if err != nil {
				t.Fatalf("find %v: %v", tt.path, err)
			}
			for _, f := range tt.flags {
				if cmd.Flags().Lookup(f) == nil {
					t.Errorf("missing --%s flag", f)
				}
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Storage
// ---------------------------------------------------------------------------

func TestOpenStorage(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name       string
		cfg        config.StoreConfig
		wantPruner bool
		wantJrnl   bool
	}{
		{"memory", config.StoreConfig{Driver: config.StoreMemory, RetentionDays: 1}, true, false},
		{"file", config.StoreConfig{Driver: config.StoreFile, Path: filepath.Join(dir, "sessions.toml")}, true, false},
		{"sqlite", config.StoreConfig{Driver: config.StoreSQLite, Path: filepath.Join(dir, "consult.db")}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := openStorage(tt.cfg)
			if err != nil {
				t.Fatalf("openStorage: %v", err)
			}
			defer st.close()

			if (st.pruner != nil) != tt.wantPruner {
				t.Errorf("pruner present = %v, want %v", st.pruner != nil, tt.wantPruner)
			}
			if (st.journal != nil) != tt.wantJrnl {
				t.Errorf("journal present = %v, want %v", st.journal != nil, tt.wantJrnl)
			}

			ctx := context.Background()
			if err := st.kv.Set(ctx, "k", "v"); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, err := st.kv.Get(ctx, "k")
			if err != nil || got != "v" {
				t.Errorf("Get = %q, %v; want v", got, err)
			}
		})
	}
}

func TestOpenStorage_UnknownDriver(t *testing.T) {
	if _, err := openStorage(config.StoreConfig{Driver: "etcd"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestConsoleSink(t *testing.T) {
	buf := new(bytes.Buffer)
	if consoleSink(buf, true) != buf {
		t.Error("enabled sink should be the writer")
	}
	if consoleSink(buf, false) == buf {
		t.Error("disabled sink should discard")
	}
}

// ---------------------------------------------------------------------------
// Chat loop
// ---------------------------------------------------------------------------

type fakeHistory struct{}

func (fakeHistory) GetHistory(context.Context, string, int) ([]conversation.HistoryEntry, error) {
	return nil, nil
}

type fakeBackend struct{}

func (fakeBackend) CreateSession(_ context.Context, key string, ic conversation.InitContext) (conversation.SessionInfo, error) {
	return conversation.SessionInfo{ID: "s-1", AgentType: ic.AgentType}, nil
}

func (fakeBackend) GenerateSummary(_ context.Context, sessionID string) (conversation.Summary, error) {
	return conversation.Summary{SessionID: sessionID, Text: "you said hello"}, nil
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestOrchestrator(t *testing.T, tr stream.Transport) (*engine.Orchestrator, *resume.Manager) {
	t.Helper()
	mgr, err := resume.NewManager(resume.ManagerOpts{Store: store.NewMemory(0)})
	if err != nil {
		t.Fatalf("resume manager: %v", err)
	}
	orch, err := engine.New(engine.Opts{
		Transport: tr,
		History:   fakeHistory{},
		Backend:   fakeBackend{},
		Resume:    mgr,
		Summary:   engine.SummaryPolicy{MinMessages: 2, MinUserMessages: 1},
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { orch.Close() })
	return orch, mgr
}

func TestChatLoop_SendAndSummary(t *testing.T) {
	tr := stream.NewMockTransport()
	tr.Script = []stream.Event{
		{Chunk: "hi "},
		{Chunk: "there"},
		{Final: &stream.Response{Text: "hi there", Complete: true}},
	}
	orch, mgr := newTestOrchestrator(t, tr)

	out := new(lockedBuffer)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := chatLoop(ctx, orch, chatOpts{
		Key:         "u1",
		InitContext: conversation.InitContext{AgentType: "general"},
		In:          strings.NewReader("hello\n/summary\n/quit\n"),
		Out:         out,
	})
	if err != nil {
		t.Fatalf("chatLoop: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"consultation s-1 (general), 0 earlier messages",
		"agent> hi there",
		"summary> you said hello",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q, got:\n%s", want, got)
		}
	}
	if strings.Contains(got, "you> ") {
		t.Errorf("non-interactive loop should not prompt, got:\n%s", got)
	}

	reqs := tr.Requests()
	if len(reqs) != 1 || reqs[0].Content != "hello" {
		t.Errorf("requests = %+v, want one for hello", reqs)
	}
	if id, ok := mgr.GetActive(context.Background(), "u1"); !ok || id != "s-1" {
		t.Errorf("active session = %q, %v; want s-1", id, ok)
	}
}

func TestChatLoop_SummaryTooEarly(t *testing.T) {
	orch, _ := newTestOrchestrator(t, stream.NewMockTransport())

	out := new(lockedBuffer)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := chatLoop(ctx, orch, chatOpts{
		Key:         "u1",
		InitContext: conversation.InitContext{AgentType: "general"},
		In:          strings.NewReader("/summary\n"),
		Out:         out,
	})
	if err != nil {
		t.Fatalf("chatLoop: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "! ") {
		t.Errorf("expected a rejection line, got:\n%s", got)
	}
	if strings.Contains(got, "summary>") {
		t.Errorf("summary should be refused, got:\n%s", got)
	}
}

func TestChatLoop_NewConsultation(t *testing.T) {
	orch, _ := newTestOrchestrator(t, stream.NewMockTransport())

	out := new(lockedBuffer)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := chatLoop(ctx, orch, chatOpts{
		Key:         "u1",
		InitContext: conversation.InitContext{AgentType: "general"},
		In:          strings.NewReader("/new\n/quit\n"),
		Out:         out,
	})
	if err != nil {
		t.Fatalf("chatLoop: %v", err)
	}
	if n := strings.Count(out.String(), "consultation s-1"); n != 2 {
		t.Errorf("expected the session banner twice, got %d:\n%s", n, out.String())
	}
}

func TestPresentable(t *testing.T) {
	rej := &engine.Rejection{Reason: "say something first"}
	if got := presentable(rej); got != "say something first" {
		t.Errorf("presentable(rejection) = %q", got)
	}
	if got := presentable(context.DeadlineExceeded); got != "something went wrong, please try again" {
		t.Errorf("presentable(raw) = %q", got)
	}
}

// executeWith runs the root command with args and returns its output.
func executeWith(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "consult.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestSessionCmd_ShowAndClear(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "sessions.toml")
	cfgPath := writeConfig(t, "backend:\n  base_url: http://localhost:9000/api\nstore:\n  driver: file\n  path: "+storePath+"\n")

	f, err := store.NewFile(storePath)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	mgr, _ := resume.NewManager(resume.ManagerOpts{Store: f})
	if !mgr.SaveActive(context.Background(), "u1", resume.Record{SessionID: "s-9", AgentType: "legal"}) {
		t.Fatal("SaveActive failed")
	}

	out, err := executeWith(t, "session", "show", "--config", cfgPath, "--key", "u1")
	if err != nil {
		t.Fatalf("session show: %v", err)
	}
	if !strings.Contains(out, "s-9") || !strings.Contains(out, "legal") {
		t.Errorf("show output = %q", out)
	}

	if _, err := executeWith(t, "session", "clear", "--config", cfgPath, "--key", "u1"); err != nil {
		t.Fatalf("session clear: %v", err)
	}

	out, err = executeWith(t, "session", "show", "--config", cfgPath, "--key", "u1")
	if err != nil {
		t.Fatalf("session show: %v", err)
	}
	if !strings.Contains(out, "No active consultation") {
		t.Errorf("show after clear = %q", out)
	}
}

func TestDBMigrateCmd(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "consult.db")
	cfgPath := writeConfig(t, "backend:\n  base_url: http://localhost:9000/api\nstore:\n  driver: sqlite\n  path: "+dbPath+"\n")

	out, err := executeWith(t, "db", "migrate", "--config", cfgPath)
	if err != nil {
		t.Fatalf("db migrate: %v", err)
	}
	if !strings.Contains(out, "Migrated 2 tables") {
		t.Errorf("output = %q", out)
	}
}

func TestDBMigrateCmd_RejectsKVStores(t *testing.T) {
	cfgPath := writeConfig(t, "backend:\n  base_url: http://localhost:9000/api\nstore:\n  driver: memory\n")
	if _, err := executeWith(t, "db", "migrate", "--config", cfgPath); err == nil {
		t.Fatal("expected error for memory store")
	}
}
