// Tether is a terminal coding agent backed by a remote model endpoint.
//
// The model runs elsewhere (typically a notebook GPU behind a public
// tunnel); Tether holds the conversation, extracts tool calls from the
// model's text, and executes them against a local workspace.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	tether chat              Start an interactive session (default)
//	tether ask <question>    Ask a single question and exit
//	tether init [dir]        Initialize a working directory with defaults
//	tether version           Print version and build information
//	tether -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"tether/internal/buildinfo"
	"tether/internal/config"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run]. This keeps os.Exit, os.Stdout, and
// os.Args out of the application logic so the full lifecycle can be
// driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the tether command. All OS-level
// dependencies are injected as parameters. Arguments are parsed by
// hand: the flag package relies on package-level globals, which makes
// it impossible to call run() concurrently from tests, and the
// argument surface is small enough that manual parsing is clearer
// than bringing in a CLI framework.
//
// run returns nil on clean shutdown and a non-nil error for any
// failure. The caller (main) is responsible for printing the error
// and exiting.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var workspace string
	var serverURL string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-workspace" && i+1 < len(args):
			workspace = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-workspace="):
			workspace = strings.TrimPrefix(args[i], "-workspace=")
		case args[i] == "-server" && i+1 < len(args):
			serverURL = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-server="):
			serverURL = strings.TrimPrefix(args[i], "-server=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	overrides := overrides{workspace: workspace, serverURL: serverURL}

	switch command {
	case "chat", "":
		return runChat(ctx, stdin, stdout, stderr, configPath, overrides)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: tether ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, overrides, strings.Join(cmdArgs, " "))
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// overrides carries flag values that take precedence over the config
// file.
type overrides struct {
	workspace string
	serverURL string
}

// loadConfig locates and parses the YAML configuration, then applies
// command-line overrides. If explicit is non-empty, that exact path
// is used and must exist. Without any config file, built-in defaults
// apply, but only when -server supplies an endpoint; a session without
// an endpoint cannot do anything.
func loadConfig(explicit string, ov overrides) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)

	var cfg *config.Config
	switch {
	case err == nil:
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
	case explicit != "":
		return nil, "", err
	case ov.serverURL != "":
		cfg = config.Default()
		cfgPath = "(defaults)"
	default:
		return nil, "", fmt.Errorf("no config file found; run 'tether init' or pass -server <url>")
	}

	if ov.serverURL != "" {
		cfg.Server.URL = ov.serverURL
	}
	if ov.workspace != "" {
		cfg.Workspace.Path = ov.workspace
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, err
	}
	return cfg, cfgPath, nil
}

// newLogger builds the application logger. The level is dynamic so
// the REPL's debug command can raise and lower it mid-session.
func newLogger(w io.Writer, level *slog.LevelVar, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// tether is invoked with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Tether - Remote-Model Coding Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: tether [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat         Start an interactive session (default)")
	fmt.Fprintln(w, "  ask          Ask a single question and exit")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>     Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -server <url>      Remote endpoint URL (overrides config)")
	fmt.Fprintln(w, "  -workspace <path>  Workspace directory for file tools (overrides config)")
	fmt.Fprintln(w, "  -o, --output fmt   Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./tether.yaml, ~/.config/tether/tether.yaml, /etc/tether/tether.yaml")
	return nil
}
