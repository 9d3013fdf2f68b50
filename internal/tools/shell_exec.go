// Shell execution capability for the agent.
package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// ShellExec runs shell commands in the workspace with a wall-clock
// timeout. The timeout is the only bound: there is no cancellation
// path once a command is issued, and no sandboxing beyond the working
// directory.
type ShellExec struct {
	workingDir     string
	timeout        time.Duration
	maxOutputBytes int
}

// DefaultShellTimeout bounds one command when no timeout is configured.
const DefaultShellTimeout = 30 * time.Second

// NewShellExec creates a shell executor with the workspace root as its
// working directory. A zero timeout selects DefaultShellTimeout.
func NewShellExec(workingDir string, timeout time.Duration) *ShellExec {
	if timeout <= 0 {
		timeout = DefaultShellTimeout
	}
	return &ShellExec{
		workingDir:     workingDir,
		timeout:        timeout,
		maxOutputBytes: 100 * 1024,
	}
}

// Execute runs command via the shell and returns its combined
// stdout+stderr. A timeout is reported as a distinct error result;
// other failures (non-zero exit, spawn errors) fold into the output
// text. Execute never returns an error value; the result string is
// the whole contract.
func (s *ShellExec) Execute(ctx context.Context, command string) string {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.workingDir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("Error: Command timed out (%s limit)", s.timeout)
	}

	output := truncateOutput(out.String(), s.maxOutputBytes)
	if err != nil {
		if output == "" {
			return fmt.Sprintf("Error executing command: %v", err)
		}
		// Non-zero exit with output: the output is what the model
		// needs to see; the exit status is appended for context.
		return fmt.Sprintf("%s\n(exit status: %v)", output, err)
	}

	if output == "" {
		return "Command executed successfully"
	}
	return output
}

// truncateOutput truncates s to maxBytes, adding a note if truncated.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n\n[... output truncated ...]"
}
