// Package tools defines the capabilities the agent can invoke and the
// dispatcher that executes them.
//
// The tool set is a closed enum: every invocation is dispatched through
// one exhaustive switch, so adding a tool is a compile-time change, not
// a runtime registration. All operations resolve paths against a single
// workspace root and return a textual result even on failure. The
// dispatcher never lets a local error escape to the agent loop, because
// the model needs to see the failure text to self-correct.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// Kind identifies a tool.
type Kind string

// The closed set of tools.
const (
	KindReadFile     Kind = "read_file"
	KindWriteFile    Kind = "write_file"
	KindAppendFile   Kind = "append_file"
	KindListDir      Kind = "list_directory"
	KindExecuteShell Kind = "execute_shell"
	KindSearchCode   Kind = "search_code"
)

// ParseKind maps a tool name from model output to a Kind.
// Returns false for unknown names.
func ParseKind(name string) (Kind, bool) {
	switch Kind(name) {
	case KindReadFile, KindWriteFile, KindAppendFile,
		KindListDir, KindExecuteShell, KindSearchCode:
		return Kind(name), true
	}
	return "", false
}

// Invocation is a validated tool call extracted from model output.
// Construction happens only in the extract package; an Invocation
// always carries a known Kind, though parameters are validated at
// dispatch time.
type Invocation struct {
	Kind   Kind
	Params map[string]string
}

// requiredParams lists the parameters each kind must carry. Missing
// parameters fail the dispatch with a descriptive result string.
var requiredParams = map[Kind][]string{
	KindReadFile:     {"path"},
	KindWriteFile:    {"path", "content"},
	KindAppendFile:   {"path", "content"},
	KindListDir:      nil, // path defaults to "."
	KindExecuteShell: {"command"},
	KindSearchCode:   {"pattern"}, // file_glob defaults to "*"
}

// Dispatcher executes tool invocations against the local workspace.
//
// It tracks which files the agent has observed to exist this session
// (via read, write, or list) and uses that set as a soft guard: writes
// to a known path get an overwrite warning, appends to an unknown path
// are refused unless the file actually exists. The set is best-effort
// guidance, not a filesystem cache: files changed or deleted outside
// the session are not noticed.
type Dispatcher struct {
	files  *FileTools
	shell  *ShellExec
	logger *slog.Logger

	known map[string]bool
}

// NewDispatcher creates a dispatcher rooted at the given workspace.
func NewDispatcher(files *FileTools, shell *ShellExec, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		files:  files,
		shell:  shell,
		logger: logger,
		known:  make(map[string]bool),
	}
}

// Reset clears the known-file set. Called when the conversation is reset.
func (d *Dispatcher) Reset() {
	d.known = make(map[string]bool)
}

// Knows reports whether path has been observed this session.
func (d *Dispatcher) Knows(path string) bool {
	return d.known[normalizePath(path)]
}

// markKnown records that path was observed to exist.
func (d *Dispatcher) markKnown(path string) {
	d.known[normalizePath(path)] = true
}

// normalizePath is the key form for the known-file set: cleaned,
// slash-separated, workspace-relative.
func normalizePath(path string) string {
	return filepath.ToSlash(filepath.Clean(path))
}

// Execute runs one invocation and returns its textual result. Every
// failure mode (missing parameter, I/O error, shell timeout) comes
// back as a descriptive string so it can be appended to the
// conversation for the model to react to.
func (d *Dispatcher) Execute(ctx context.Context, inv Invocation) string {
	for _, name := range requiredParams[inv.Kind] {
		if inv.Params[name] == "" {
			return fmt.Sprintf("Error: tool %s requires parameter %q", inv.Kind, name)
		}
	}

	switch inv.Kind {
	case KindReadFile:
		return d.readFile(inv.Params["path"])
	case KindWriteFile:
		return d.writeFile(inv.Params["path"], inv.Params["content"])
	case KindAppendFile:
		return d.appendFile(inv.Params["path"], inv.Params["content"])
	case KindListDir:
		path := inv.Params["path"]
		if path == "" {
			path = "."
		}
		return d.listDirectory(path)
	case KindExecuteShell:
		return d.shell.Execute(ctx, inv.Params["command"])
	case KindSearchCode:
		glob := inv.Params["file_glob"]
		if glob == "" {
			glob = "*"
		}
		return d.searchCode(inv.Params["pattern"], glob)
	}

	// ParseKind guarantees a known Kind; this covers hand-constructed
	// invocations in tests and future kinds missed in the switch.
	return fmt.Sprintf("Error: unknown tool %q", inv.Kind)
}

func (d *Dispatcher) readFile(path string) string {
	content, err := d.files.Read(path)
	if err != nil {
		return fmt.Sprintf("Error reading file: %v", err)
	}
	d.markKnown(path)
	return fmt.Sprintf("File: %s\n%s", path, content)
}

func (d *Dispatcher) writeFile(path, content string) string {
	var warning string
	if d.Knows(path) {
		warning = fmt.Sprintf("WARNING: overwriting existing file %s!\n", path)
	}
	if err := d.files.Write(path, content); err != nil {
		return fmt.Sprintf("Error writing file: %v", err)
	}
	d.markKnown(path)
	return warning + fmt.Sprintf("Successfully wrote to %s (file overwritten)", path)
}

func (d *Dispatcher) appendFile(path, content string) string {
	if !d.Knows(path) {
		// The soft guard missed this path; fall back to an existence
		// probe before refusing, in case the file predates the session.
		if !d.files.Exists(path) {
			return fmt.Sprintf("Error: File %s does not exist. Use write_file to create it first.", path)
		}
		d.markKnown(path)
	}
	if err := d.files.Append(path, content); err != nil {
		return fmt.Sprintf("Error appending to file: %v", err)
	}
	return fmt.Sprintf("Successfully appended to %s", path)
}

func (d *Dispatcher) listDirectory(path string) string {
	entries, err := d.files.List(path)
	if err != nil {
		return fmt.Sprintf("Error listing directory: %v", err)
	}
	if len(entries) == 0 {
		return "Empty directory"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Directory: %s\n", path)
	for _, e := range entries {
		if e.IsDir {
			fmt.Fprintf(&sb, "  %s/\n", e.Name)
		} else {
			fmt.Fprintf(&sb, "  %s (%d bytes)\n", e.Name, e.Size)
			// Every listed file is now known, scoped under path.
			if path == "." {
				d.markKnown(e.Name)
			} else {
				d.markKnown(filepath.Join(path, e.Name))
			}
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (d *Dispatcher) searchCode(pattern, glob string) string {
	matches, err := d.files.Search(pattern, glob)
	if err != nil {
		return fmt.Sprintf("Error searching code: %v", err)
	}
	if len(matches) == 0 {
		return "No matches found"
	}
	return strings.Join(matches, "\n")
}
