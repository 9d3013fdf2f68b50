package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// starterConfig is the tether.yaml written by init. Every key is
// present with its default so a new user can see the whole surface.
const starterConfig = `# Tether configuration.
#
# The server URL is the only required setting. Point it at the
# /generate endpoint host, typically a public tunnel URL such as
# https://xxxx.ngrok-free.app. Environment variables are expanded,
# so secrets can stay out of this file.

server:
  url: "${TETHER_SERVER_URL}"
  request_timeout_sec: 120
  max_retries: 2
  stream: true

workspace:
  path: "workspace"

agent:
  max_tool_calls: 5
  max_prompt_turns: 12

shell:
  timeout_sec: 30

# Where the usage database lives.
data_dir: "data"

# trace, debug, info, warn, error
log_level: "warn"
# text or json
log_format: "text"
`

// runInit initializes a Tether working directory: the workspace and
// data subdirectories plus a starter config. Existing files are never
// overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Tether workspace in %s\n", dir)

	for _, sub := range []string{"workspace", "data"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	configPath := filepath.Join(dir, "tether.yaml")
	if err := writeIfMissing(configPath, []byte(starterConfig)); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Set TETHER_SERVER_URL (or edit tether.yaml) and run 'tether chat'.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, so init never overwrites user customizations.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil // already exists, skip
	}
	return os.WriteFile(path, content, 0o644)
}
