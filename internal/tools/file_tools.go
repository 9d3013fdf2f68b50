// File operation capabilities, all confined to a workspace root.
package tools

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// FileTools provides file read/write/list/search within a workspace.
// All paths are resolved relative to the workspace root; attempts to
// escape the root are refused.
type FileTools struct {
	workspacePath string
}

// NewFileTools creates a FileTools rooted at workspacePath. The
// directory is created if it does not exist.
func NewFileTools(workspacePath string) (*FileTools, error) {
	abs, err := filepath.Abs(workspacePath)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &FileTools{workspacePath: abs}, nil
}

// WorkspacePath returns the absolute workspace root.
func (ft *FileTools) WorkspacePath() string {
	return ft.workspacePath
}

// resolvePath converts a workspace-relative path to an absolute path.
// Returns an error if the path would escape the workspace.
func (ft *FileTools) resolvePath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", path)
	}

	abs := filepath.Clean(filepath.Join(ft.workspacePath, path))

	rel, err := filepath.Rel(ft.workspacePath, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}

	return abs, nil
}

// Read returns the contents of a file.
func (ft *FileTools) Read(path string) (string, error) {
	abs, err := ft.resolvePath(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("read file: %w", err)
	}
	return string(data), nil
}

// Write writes content to a file, creating parent directories as
// needed and overwriting any existing content. The content passes
// through best-effort escape-sequence normalization first.
func (ft *FileTools) Write(path, content string) error {
	abs, err := ft.resolvePath(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	if err := os.WriteFile(abs, []byte(UnescapeContent(content)), 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// Append appends content to an existing file, with the same
// escape-sequence normalization as Write.
func (ft *FileTools) Append(path, content string) error {
	abs, err := ft.resolvePath(path)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(abs, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file not found: %s", path)
		}
		return fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(UnescapeContent(content)); err != nil {
		return fmt.Errorf("append to file: %w", err)
	}
	return nil
}

// Exists reports whether path names an existing regular file.
func (ft *FileTools) Exists(path string) bool {
	abs, err := ft.resolvePath(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && info.Mode().IsRegular()
}

// Entry describes one directory entry from List.
type Entry struct {
	Name  string
	IsDir bool
	Size  int64
}

// List returns the entries of a directory, sorted by name.
func (ft *FileTools) List(path string) ([]Entry, error) {
	abs, err := ft.resolvePath(path)
	if err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory not found: %s", path)
		}
		return nil, fmt.Errorf("read directory: %w", err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		e := Entry{Name: de.Name(), IsDir: de.IsDir()}
		if !e.IsDir {
			if info, err := de.Info(); err == nil {
				e.Size = info.Size()
			}
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Search scans every file under the workspace whose base name matches
// glob for lines containing pattern as a literal substring. Matches
// come back as "path:line: content" with workspace-relative paths.
// Unreadable files are skipped silently.
func (ft *FileTools) Search(pattern, glob string) ([]string, error) {
	var matches []string

	err := filepath.WalkDir(ft.workspacePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable subtrees
		}
		if d.IsDir() {
			// Hidden directories (.git and friends) are noise in a
			// code search, not source.
			if name := d.Name(); name != "." && strings.HasPrefix(name, ".") && p != ft.workspacePath {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(glob, d.Name()); !ok {
			return nil
		}

		rel, err := filepath.Rel(ft.workspacePath, p)
		if err != nil {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return nil
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		lineNum := 0
		for scanner.Scan() {
			lineNum++
			line := scanner.Text()
			if strings.Contains(line, pattern) {
				matches = append(matches,
					fmt.Sprintf("%s:%d: %s", filepath.ToSlash(rel), lineNum, strings.TrimSpace(line)))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk workspace: %w", err)
	}

	return matches, nil
}

// UnescapeContent converts literal backslash-escape sequences
// (\n, \t, and friends) in content to the characters they name.
// The model communicates newlines as escaped text inside JSON string
// values, so file content frequently arrives double-escaped.
//
// This is a best-effort normalization, not a strict contract: content
// that fails to unescape (for example because it contains lone
// backslashes that don't form a valid sequence) is returned unchanged.
func UnescapeContent(content string) string {
	if !strings.Contains(content, `\`) {
		return content
	}
	// strconv.Unquote does the sequence decoding, but it requires a
	// quoted Go string literal: interior quotes and raw newlines must
	// be escaped before wrapping.
	quoted := strings.ReplaceAll(content, `"`, `\"`)
	quoted = strings.ReplaceAll(quoted, "\n", `\n`)
	quoted = strings.ReplaceAll(quoted, "\t", `\t`)
	unquoted, err := strconv.Unquote(`"` + quoted + `"`)
	if err != nil {
		return content
	}
	return unquoted
}
