// Package transcript exports conversation history to files.
//
// The native format is Markdown: one heading per turn, content
// verbatim. When the destination path carries an .html or .htm
// extension, the Markdown is rendered to a standalone HTML page.
package transcript

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"tether/internal/agent"
)

// md renders GitHub-flavored Markdown. Unsafe HTML stays enabled so
// raw HTML the model emitted survives the round trip.
var md = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithUnsafe()),
)

// Save writes the conversation to path. Markdown by default, rendered
// HTML when path ends in .html or .htm. Parent directories are created
// as needed.
func Save(path string, turns []agent.Turn) error {
	if len(turns) == 0 {
		return fmt.Errorf("transcript: no turns to save")
	}

	doc := Render(turns)

	ext := strings.ToLower(filepath.Ext(path))
	var out []byte
	switch ext {
	case ".html", ".htm":
		var buf bytes.Buffer
		buf.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
		buf.WriteString("<title>Conversation transcript</title>\n</head>\n<body>\n")
		if err := md.Convert([]byte(doc), &buf); err != nil {
			return fmt.Errorf("transcript: render HTML: %w", err)
		}
		buf.WriteString("</body>\n</html>\n")
		out = buf.Bytes()
	default:
		out = []byte(doc)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("transcript: create directory: %w", err)
		}
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("transcript: write file: %w", err)
	}
	return nil
}

// Render flattens turns into a Markdown document. Assistant and user
// content goes in verbatim; tool results already arrive as user turns,
// so no special casing is needed.
func Render(turns []agent.Turn) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Conversation transcript\n\nExported %s\n\n",
		time.Now().Format("2006-01-02 15:04"))

	for _, t := range turns {
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n", headingFor(t.Role), t.Content)
	}
	return sb.String()
}

func headingFor(role string) string {
	switch role {
	case agent.RoleSystem:
		return "System"
	case agent.RoleUser:
		return "User"
	case agent.RoleAssistant:
		return "Assistant"
	}
	return role
}
