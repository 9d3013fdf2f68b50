package agent

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tether/internal/llm"
	"tether/internal/tools"
	"tether/internal/usage"
)

// scriptedClient returns canned responses in order, then repeats the
// last one.
type scriptedClient struct {
	responses []string
	calls     int
}

func (s *scriptedClient) Generate(ctx context.Context, prompt string, stream bool, onFragment llm.FragmentFunc) llm.Result {
	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	text := s.responses[i]
	if stream && onFragment != nil {
		onFragment(text)
	}
	return llm.Result{Text: text, Attempts: 1, Fragments: 1}
}

// recordingStore captures usage records in memory.
type recordingStore struct {
	records []usage.Record
}

func (r *recordingStore) Record(ctx context.Context, rec usage.Record) error {
	r.records = append(r.records, rec)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestLoop(t *testing.T, client Generator, store UsageRecorder) (*Loop, string) {
	t.Helper()
	dir := t.TempDir()
	files, err := tools.NewFileTools(dir)
	if err != nil {
		t.Fatalf("NewFileTools: %v", err)
	}
	shell := tools.NewShellExec(dir, 5*time.Second)
	dispatcher := tools.NewDispatcher(files, shell, testLogger())

	loop := NewLoop(testLogger(), Config{
		Client:     client,
		Dispatcher: dispatcher,
		Stream:     true,
		Usage:      store,
	})
	return loop, dir
}

func TestProcessTurn_PlainResponse(t *testing.T) {
	client := &scriptedClient{responses: []string{"Hello! How can I help?"}}
	loop, _ := newTestLoop(t, client, nil)

	got := loop.ProcessTurn(context.Background(), "hi")
	if got != "Hello! How can I help?" {
		t.Errorf("ProcessTurn() = %q", got)
	}
	if client.calls != 1 {
		t.Errorf("generate calls = %d, want 1", client.calls)
	}

	// History: system, user, assistant.
	if n := loop.Conversation().Len(); n != 3 {
		t.Errorf("history length = %d, want 3", n)
	}
}

func TestProcessTurn_SingleToolCall(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"tool": "write_file", "parameters": {"path": "hello.py", "content": "print('hi')\n"}}`,
		"I created hello.py for you.",
	}}
	loop, dir := newTestLoop(t, client, nil)

	got := loop.ProcessTurn(context.Background(), "create hello.py")
	if got != "I created hello.py for you." {
		t.Errorf("ProcessTurn() = %q", got)
	}

	data, err := os.ReadFile(filepath.Join(dir, "hello.py"))
	if err != nil {
		t.Fatalf("tool did not write the file: %v", err)
	}
	if string(data) != "print('hi')\n" {
		t.Errorf("file content = %q", data)
	}

	// The raw tool-call text must be in the history as an assistant turn.
	var sawRawCall, sawResult bool
	for _, turn := range loop.Conversation().Turns() {
		if turn.Role == RoleAssistant && strings.Contains(turn.Content, `"tool"`) {
			sawRawCall = true
		}
		if turn.Role == RoleUser && strings.HasPrefix(turn.Content, "Tool result:") {
			sawResult = true
		}
	}
	if !sawRawCall {
		t.Error("assistant tool-call text missing from history")
	}
	if !sawResult {
		t.Error("tool result missing from history")
	}
}

func TestProcessTurn_ToolCallCap(t *testing.T) {
	// The model asks for the same tool forever.
	client := &scriptedClient{responses: []string{
		`{"tool": "list_directory", "parameters": {"path": "."}}`,
	}}
	loop, _ := newTestLoop(t, client, nil)

	got := loop.ProcessTurn(context.Background(), "loop forever")
	if got != stuckMessage {
		t.Errorf("ProcessTurn() = %q, want the stuck message", got)
	}
	// Cap 5: five dispatched calls plus the sixth detection that
	// triggers termination.
	if client.calls != 6 {
		t.Errorf("generate calls = %d, want 6", client.calls)
	}

	// The sixth call is detected but not dispatched: exactly five tool
	// results in the history.
	var results int
	for _, turn := range loop.Conversation().Turns() {
		if turn.Role == RoleUser && strings.HasPrefix(turn.Content, "Tool result:") {
			results++
		}
	}
	if results != 5 {
		t.Errorf("dispatched tool results = %d, want 5", results)
	}

	// The sixth response still lands in the history as assistant text.
	turns := loop.Conversation().Turns()
	last := turns[len(turns)-1]
	if last.Role != RoleAssistant || !strings.Contains(last.Content, `"tool"`) {
		t.Errorf("last turn = %+v, want the undispatched assistant call", last)
	}
}

func TestProcessTurn_CapResetsPerTurn(t *testing.T) {
	call := `{"tool": "list_directory", "parameters": {"path": "."}}`
	client := &scriptedClient{responses: []string{call}}
	loop, _ := newTestLoop(t, client, nil)

	if got := loop.ProcessTurn(context.Background(), "first"); got != stuckMessage {
		t.Fatalf("first turn = %q, want stuck message", got)
	}

	// A fresh user turn gets a fresh counter: the same scripted client
	// hits the cap again rather than terminating immediately.
	callsBefore := client.calls
	if got := loop.ProcessTurn(context.Background(), "second"); got != stuckMessage {
		t.Fatalf("second turn = %q, want stuck message", got)
	}
	if client.calls-callsBefore != 6 {
		t.Errorf("second turn used %d generate calls, want 6", client.calls-callsBefore)
	}
}

func TestProcessTurn_ToolFailureFeedsBack(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"tool": "read_file", "parameters": {"path": "missing.py"}}`,
		"That file does not exist yet.",
	}}
	loop, _ := newTestLoop(t, client, nil)

	got := loop.ProcessTurn(context.Background(), "read missing.py")
	if got != "That file does not exist yet." {
		t.Errorf("ProcessTurn() = %q", got)
	}

	var sawError bool
	for _, turn := range loop.Conversation().Turns() {
		if strings.Contains(turn.Content, "Error reading file") {
			sawError = true
		}
	}
	if !sawError {
		t.Error("tool error text should feed back into the conversation")
	}
}

func TestProcessTurn_StreamsToOut(t *testing.T) {
	client := &scriptedClient{responses: []string{"streamed text"}}
	loop, _ := newTestLoop(t, client, nil)

	var buf bytes.Buffer
	loop.out = &buf

	loop.ProcessTurn(context.Background(), "hi")
	if !strings.Contains(buf.String(), "streamed text") {
		t.Errorf("out = %q, want streamed fragments", buf.String())
	}
}

func TestProcessTurn_RecordsUsage(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"tool": "list_directory", "parameters": {"path": "."}}`,
		"Empty so far.",
	}}
	store := &recordingStore{}
	loop, _ := newTestLoop(t, client, store)

	loop.ProcessTurn(context.Background(), "what's here?")

	if len(store.records) != 1 {
		t.Fatalf("recorded %d usage records, want 1", len(store.records))
	}
	rec := store.records[0]
	if rec.RequestID == "" {
		t.Error("usage record should carry a request ID")
	}
	if rec.ToolCalls != 1 {
		t.Errorf("ToolCalls = %d, want 1", rec.ToolCalls)
	}
	if rec.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2 (one per generate call)", rec.Attempts)
	}
	if rec.ResponseBytes == 0 {
		t.Error("ResponseBytes should be non-zero")
	}
}

func TestLoop_Reset(t *testing.T) {
	client := &scriptedClient{responses: []string{"ok"}}
	loop, _ := newTestLoop(t, client, nil)

	loop.ProcessTurn(context.Background(), "hi")
	if loop.Conversation().Len() <= 1 {
		t.Fatal("expected history before reset")
	}

	loop.Reset()
	if n := loop.Conversation().Len(); n != 1 {
		t.Errorf("history after Reset = %d turns, want 1", n)
	}
}

func TestProcessTurn_MultiStepChain(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"tool": "write_file", "parameters": {"path": "a.txt", "content": "alpha"}}`,
		`{"tool": "read_file", "parameters": {"path": "a.txt"}}`,
		"a.txt contains alpha.",
	}}
	loop, _ := newTestLoop(t, client, nil)

	got := loop.ProcessTurn(context.Background(), "write then read a.txt")
	if got != "a.txt contains alpha." {
		t.Errorf("ProcessTurn() = %q", got)
	}

	var sawContent bool
	for _, turn := range loop.Conversation().Turns() {
		if strings.Contains(turn.Content, "File: a.txt") && strings.Contains(turn.Content, "alpha") {
			sawContent = true
		}
	}
	if !sawContent {
		t.Error("read_file result missing from history")
	}
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("x", 200)
	got := preview(long, 150)
	if len(got) != 153 {
		t.Errorf("preview length = %d, want 153", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("preview should end with ellipsis: %q", got)
	}
	if preview("short\nvalue", 150) != "short value" {
		t.Errorf("preview should flatten newlines")
	}
}

func TestNewRequestID_Unique(t *testing.T) {
	a, b := newRequestID(), newRequestID()
	if a == "" || a == b {
		t.Errorf("request IDs should be unique and non-empty: %q %q", a, b)
	}
}
