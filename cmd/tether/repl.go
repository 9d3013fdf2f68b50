package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tether/internal/agent"
	"tether/internal/config"
	"tether/internal/llm"
	"tether/internal/tools"
	"tether/internal/transcript"
	"tether/internal/usage"
)

// session bundles everything a running agent needs. Built once per
// invocation by newSession and shared by chat and ask.
type session struct {
	cfg      *config.Config
	logger   *slog.Logger
	logLevel *slog.LevelVar
	client   *llm.Client
	loop     *agent.Loop
	store    *usage.Store
}

// newSession loads config, wires the tool and model layers, and
// verifies the endpoint is reachable. An unreachable endpoint is
// fatal: the agent has nothing to do without a model.
func newSession(ctx context.Context, stdout, stderr io.Writer, configPath string, ov overrides) (*session, error) {
	cfg, cfgPath, err := loadConfig(configPath, ov)
	if err != nil {
		return nil, err
	}

	levelVar := new(slog.LevelVar)
	if cfg.LogLevel != "" {
		lvl, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		levelVar.Set(lvl)
	} else {
		levelVar.Set(slog.LevelWarn)
	}
	// Logs go to stderr so streamed model text on stdout stays clean.
	logger := newLogger(stderr, levelVar, cfg.LogFormat)
	logger.Info("config loaded", "path", cfgPath)

	client := llm.NewClient(cfg.Server.URL, llm.Options{
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSec) * time.Second,
		MaxRetries:     cfg.Server.MaxRetries,
	}, logger)

	health, err := client.Ping(ctx)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s is not reachable: %w", cfg.Server.URL, err)
	}
	logger.Info("endpoint healthy", "status", health.Status, "model", health.Model)

	files, err := tools.NewFileTools(cfg.Workspace.Path)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	shell := tools.NewShellExec(files.WorkspacePath(), time.Duration(cfg.Shell.TimeoutSec)*time.Second)
	dispatcher := tools.NewDispatcher(files, shell, logger)

	var store *usage.Store
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		store, err = usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
		if err != nil {
			return nil, err
		}
	}

	loop := agent.NewLoop(logger, agent.Config{
		Client:         client,
		Dispatcher:     dispatcher,
		MaxToolCalls:   cfg.Agent.MaxToolCalls,
		MaxPromptTurns: cfg.Agent.MaxPromptTurns,
		Stream:         *cfg.Server.Stream,
		Out:            stdout,
		Usage:          store,
		Model:          health.Model,
	})

	return &session{
		cfg:      cfg,
		logger:   logger,
		logLevel: levelVar,
		client:   client,
		loop:     loop,
		store:    store,
	}, nil
}

// Close releases session resources.
func (s *session) Close() {
	if s.store != nil {
		s.store.Close()
	}
}

// runAsk handles "tether ask <question>": one turn, no REPL. The final
// text is already printed by the loop's streaming output.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath string, ov overrides, question string) error {
	s, err := newSession(ctx, stdout, stderr, configPath, ov)
	if err != nil {
		return err
	}
	defer s.Close()

	s.loop.ProcessTurn(ctx, question)
	return nil
}

// runChat is the interactive session. Each line of input is either a
// REPL command or a user message for the agent. Input is read to EOF
// or an exit command; context cancellation (Ctrl-C) also ends the
// session between turns.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath string, ov overrides) error {
	s, err := newSession(ctx, stdout, stderr, configPath, ov)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Fprintf(stdout, "Connected to %s\n", s.cfg.Server.URL)
	fmt.Fprintln(stdout, "Type a request, or: exit, reset, debug, usage, save <path>")

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprint(stdout, "\nYou: ")
		if !scanner.Scan() {
			fmt.Fprintln(stdout)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if handled, quit := s.handleCommand(stdout, line); quit {
			return nil
		} else if handled {
			continue
		}

		fmt.Fprint(stdout, "\nAgent: ")
		s.loop.ProcessTurn(ctx, line)
	}
}

// handleCommand intercepts REPL commands. Returns (handled, quit).
func (s *session) handleCommand(stdout io.Writer, line string) (bool, bool) {
	cmd, rest, _ := strings.Cut(line, " ")
	switch strings.ToLower(cmd) {
	case "exit", "quit", "q":
		fmt.Fprintln(stdout, "Goodbye!")
		return true, true

	case "reset":
		s.loop.Reset()
		fmt.Fprintln(stdout, "Conversation reset.")
		return true, false

	case "debug":
		if s.logLevel.Level() == slog.LevelDebug {
			s.logLevel.Set(slog.LevelWarn)
			fmt.Fprintln(stdout, "Debug logging off.")
		} else {
			s.logLevel.Set(slog.LevelDebug)
			fmt.Fprintln(stdout, "Debug logging on.")
		}
		return true, false

	case "usage":
		s.printUsage(stdout)
		return true, false

	case "save":
		path := strings.TrimSpace(rest)
		if path == "" {
			fmt.Fprintln(stdout, "Usage: save <path>  (.md for Markdown, .html for HTML)")
			return true, false
		}
		if err := transcript.Save(path, s.loop.Conversation().Turns()); err != nil {
			fmt.Fprintf(stdout, "Save failed: %v\n", err)
		} else {
			fmt.Fprintf(stdout, "Transcript saved to %s\n", path)
		}
		return true, false
	}
	return false, false
}

// printUsage reports all-time usage totals from the store.
func (s *session) printUsage(w io.Writer) {
	if s.store == nil {
		fmt.Fprintln(w, "Usage tracking is disabled (no data_dir configured).")
		return
	}
	sum, err := s.store.Summary(time.Unix(0, 0), time.Now().Add(time.Minute))
	if err != nil {
		fmt.Fprintf(w, "Usage query failed: %v\n", err)
		return
	}
	fmt.Fprintf(w, "Turns:      %d\n", sum.TotalRecords)
	fmt.Fprintf(w, "Attempts:   %d\n", sum.TotalAttempts)
	fmt.Fprintf(w, "Fragments:  %d\n", sum.TotalFragments)
	fmt.Fprintf(w, "Bytes:      %d\n", sum.TotalBytes)
	fmt.Fprintf(w, "Tool calls: %d\n", sum.TotalToolCalls)
	fmt.Fprintf(w, "Model time: %s\n", sum.TotalDuration.Truncate(time.Second))
}
