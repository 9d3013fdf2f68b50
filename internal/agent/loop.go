package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"tether/internal/extract"
	"tether/internal/llm"
	"tether/internal/tools"
	"tether/internal/usage"
)

// Generator is the slice of the LLM client the loop needs.
type Generator interface {
	Generate(ctx context.Context, prompt string, stream bool, onFragment llm.FragmentFunc) llm.Result
}

// UsageRecorder persists per-turn accounting. Failures are logged and
// ignored; accounting must never take down a session.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Loop drives one user turn to completion: prompt, model text,
// optional tool call, dispatch, continuation, bounded by a per-turn
// invocation cap.
//
// The loop is an explicit iterative state machine rather than a
// recursive one, so the cap is enforced by a plain counter and the
// stack depth is constant no matter how long a tool cascade runs.
// Control flow is single-threaded: one user turn is fully resolved,
// including any chain of tool calls, before the next is accepted.
type Loop struct {
	logger     *slog.Logger
	client     Generator
	dispatcher *tools.Dispatcher
	conv       *Conversation

	maxToolCalls int
	stream       bool
	out          io.Writer // streamed fragments and tool notices

	usage UsageRecorder // optional
	model string        // endpoint-reported model, for usage records
}

// Config bundles the loop's collaborators and bounds.
type Config struct {
	Client     Generator
	Dispatcher *tools.Dispatcher
	// SystemPrompt overrides the default instruction turn when non-empty.
	SystemPrompt string
	// MaxToolCalls caps tool invocations within one user turn (default 5).
	MaxToolCalls int
	// MaxPromptTurns caps prompt segments (default 12).
	MaxPromptTurns int
	// Stream selects streaming generation.
	Stream bool
	// Out receives streamed fragments; defaults to io.Discard.
	Out io.Writer
	// Usage, when set, receives one record per completed user turn.
	Usage UsageRecorder
	// Model names the endpoint's model in usage records.
	Model string
}

// NewLoop creates an agent loop.
func NewLoop(logger *slog.Logger, cfg Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	sysPrompt := cfg.SystemPrompt
	if sysPrompt == "" {
		sysPrompt = SystemPrompt
	}
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = 5
	}
	if cfg.MaxPromptTurns <= 0 {
		cfg.MaxPromptTurns = 12
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}

	return &Loop{
		logger:       logger,
		client:       cfg.Client,
		dispatcher:   cfg.Dispatcher,
		conv:         NewConversation(sysPrompt, cfg.MaxPromptTurns),
		maxToolCalls: cfg.MaxToolCalls,
		stream:       cfg.Stream,
		out:          cfg.Out,
		usage:        cfg.Usage,
		model:        cfg.Model,
	}
}

// Conversation exposes the loop's conversation for transcript export
// and tests.
func (l *Loop) Conversation() *Conversation {
	return l.conv
}

// Reset clears the conversation history and the dispatcher's
// known-file set, returning the session to its initial state.
func (l *Loop) Reset() {
	l.conv.Reset()
	if l.dispatcher != nil {
		l.dispatcher.Reset()
	}
}

// ProcessTurn resolves one user message, including any chain of tool
// calls it triggers, and returns the final assistant text. A genuine
// user message always starts with a fresh invocation counter;
// continuation iterations within the turn share it, so tool cascades
// are bounded cumulatively.
//
// ProcessTurn never returns an error: transport failures arrive as
// error text from the client, dispatch failures as result strings, and
// a runaway tool cascade as the fixed stuck message.
func (l *Loop) ProcessTurn(ctx context.Context, userText string) string {
	requestID := newRequestID()
	start := time.Now()

	l.logger.Debug("turn started", "request_id", requestID, "history", l.conv.Len())
	l.conv.Append(RoleUser, userText)

	var (
		toolCalls int
		attempts  int
		fragments int
		respBytes int
		final     string
	)

	for {
		prompt := l.conv.BuildPrompt()

		res := l.client.Generate(ctx, prompt, l.stream, func(fragment string) {
			fmt.Fprint(l.out, fragment)
		})
		if l.stream {
			fmt.Fprintln(l.out)
		} else {
			fmt.Fprintln(l.out, res.Text)
		}

		attempts += res.Attempts
		fragments += res.Fragments
		respBytes += len(res.Text)

		// The raw model text lands in the history exactly once per
		// response, tool call or not, so the transcript reflects what
		// the model actually said.
		l.conv.Append(RoleAssistant, res.Text)

		inv, found := extract.Parse(strings.TrimSpace(res.Text))
		if !found {
			l.logger.Debug("no tool call detected", "request_id", requestID)
			final = res.Text
			break
		}

		toolCalls++
		if toolCalls > l.maxToolCalls {
			// The sole forced-termination path: the call is detected
			// but not dispatched, and no continuation is appended.
			l.logger.Warn("tool call cap reached",
				"request_id", requestID, "cap", l.maxToolCalls)
			final = stuckMessage
			break
		}

		l.logger.Info("executing tool",
			"request_id", requestID, "tool", inv.Kind, "call", toolCalls)
		fmt.Fprintf(l.out, "[Executing: %s]\n", inv.Kind)

		result := l.dispatcher.Execute(ctx, inv)
		l.logger.Debug("tool result", "request_id", requestID,
			"tool", inv.Kind, "bytes", len(result))
		fmt.Fprintf(l.out, "[Result: %s]\n", preview(result, 150))

		l.conv.Append(RoleUser, "Tool result:\n"+result)
		l.conv.Append(RoleUser, continuationPrompt)
	}

	l.recordUsage(ctx, usage.Record{
		RequestID:     requestID,
		Model:         l.model,
		Attempts:      attempts,
		Fragments:     fragments,
		ResponseBytes: respBytes,
		ToolCalls:     toolCalls,
		DurationMS:    time.Since(start).Milliseconds(),
	})

	l.logger.Debug("turn complete", "request_id", requestID,
		"tool_calls", toolCalls, "elapsed", time.Since(start))
	return final
}

// recordUsage persists the turn's accounting record, if a recorder is
// configured.
func (l *Loop) recordUsage(ctx context.Context, rec usage.Record) {
	if l.usage == nil {
		return
	}
	if err := l.usage.Record(ctx, rec); err != nil {
		l.logger.Warn("usage record failed", "request_id", rec.RequestID, "error", err)
	}
}

// newRequestID mints a UUIDv7 (time-ordered) request ID, falling back
// to v4 if the system entropy source misbehaves.
func newRequestID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// preview truncates s for console display.
func preview(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
