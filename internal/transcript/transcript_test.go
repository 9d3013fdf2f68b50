package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tether/internal/agent"
)

func sampleTurns() []agent.Turn {
	return []agent.Turn{
		{Role: agent.RoleSystem, Content: "You are a coding assistant."},
		{Role: agent.RoleUser, Content: "create hello.py"},
		{Role: agent.RoleAssistant, Content: "Done. The file prints `hello`."},
	}
}

func TestRender(t *testing.T) {
	doc := Render(sampleTurns())

	for _, want := range []string{
		"# Conversation transcript",
		"## System",
		"## User",
		"## Assistant",
		"create hello.py",
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("Render() missing %q", want)
		}
	}

	// Turn order must survive.
	if strings.Index(doc, "## User") > strings.Index(doc, "## Assistant") {
		t.Error("Render() turns out of order")
	}
}

func TestSave_Markdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "session.md")

	if err := Save(path, sampleTurns()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !strings.Contains(string(data), "## User") {
		t.Errorf("markdown output missing headings:\n%s", data)
	}
	if strings.Contains(string(data), "<html>") {
		t.Error(".md output should not be HTML")
	}
}

func TestSave_HTML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.html")

	if err := Save(path, sampleTurns()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "<html>") || !strings.Contains(out, "</html>") {
		t.Error("HTML output should be a full document")
	}
	if !strings.Contains(out, "<h2") {
		t.Error("headings should be rendered to <h2> elements")
	}
	if !strings.Contains(out, "<code>hello</code>") {
		t.Error("inline code should be rendered")
	}
}

func TestSave_EmptyTurns(t *testing.T) {
	if err := Save(filepath.Join(t.TempDir(), "x.md"), nil); err == nil {
		t.Error("Save with no turns should error")
	}
}
