// Package llm provides the client for the remote text-generation endpoint.
//
// The endpoint is a thin HTTP front end in front of a model runtime,
// typically reachable through a public tunnel. It exposes two routes:
// GET /health for a liveness probe and POST /generate for completion.
// In streaming mode /generate responds with newline-delimited JSON
// objects, each carrying a "response" text fragment; in batch mode it
// responds with a single JSON object carrying the full text.
//
// The client recovers from transient failures itself: every generate
// call is retried up to a bounded attempt count, and exhausted retries
// produce an error *string* rather than an error value. The agent loop
// always receives some text to inspect for a tool call, even when the
// endpoint is misbehaving.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"tether/internal/config"
	"tether/internal/httpkit"
)

// maxFragmentLine bounds a single NDJSON line from the stream. Model
// runtimes emit small fragments, but a misbehaving proxy could buffer
// an entire response into one line.
const maxFragmentLine = 1 << 20 // 1MB

// Client talks to the remote generation endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	logger     *slog.Logger
}

// Options configures a Client.
type Options struct {
	// RequestTimeout bounds one complete generate attempt, including
	// the full stream read (default 120s, matching the endpoint's own
	// generation timeout).
	RequestTimeout time.Duration
	// MaxRetries is the number of attempts per generate call (default 2).
	MaxRetries int
}

// NewClient creates a client for the endpoint at baseURL. Trailing
// slashes are trimmed. The tunnel interstitial-skip header is injected
// on every request; ngrok serves an HTML warning page to unrecognized
// clients otherwise.
func NewClient(baseURL string, opts Options, logger *slog.Logger) *Client {
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 120 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 2
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(opts.RequestTimeout),
			httpkit.WithHeader("ngrok-skip-browser-warning", "true"),
		),
		maxRetries: opts.MaxRetries,
		logger:     logger,
	}
}

// Health is the (informational) health probe response body.
type Health struct {
	Status string `json:"status"`
	Model  string `json:"model"`
}

// Ping probes the endpoint's /health route. A non-200 status or a
// transport fault is an error; the session cannot start without a
// reachable model. The response body is decoded on a best-effort
// basis for logging only.
func (c *Client) Ping(ctx context.Context) (*Health, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("health check returned status %d: %s", resp.StatusCode, body)
	}

	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		// The body is informational; a health route that returns 200
		// with a non-JSON body still counts as healthy.
		c.logger.Debug("health body not decodable", "error", err)
		return &Health{Status: "ok"}, nil
	}
	return &h, nil
}

// FragmentFunc receives streamed text fragments as they arrive.
type FragmentFunc func(fragment string)

// Result describes one completed generate call, including accounting
// detail for the usage store.
type Result struct {
	// Text is the full response text. When all attempts fail this is
	// an error description, never empty.
	Text string
	// Attempts is how many attempts were made (1-based).
	Attempts int
	// Fragments counts non-empty streamed fragments delivered.
	Fragments int
	// Failed reports that Text is an error description rather than
	// model output.
	Failed bool
}

// generateRequest is the /generate request body.
type generateRequest struct {
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// generateChunk is one NDJSON stream line; in batch mode the single
// response object has the same shape.
type generateChunk struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Generate requests a completion for prompt. In streaming mode each
// non-empty fragment is passed to onFragment as it arrives; the
// returned Result.Text always carries the full concatenated text.
//
// Retry policy, applied per attempt up to the configured budget:
//   - transport faults and non-200 statuses are retried;
//   - a streamed attempt that produced zero non-empty fragments is
//     retried (an empty stream is indistinguishable from a stall);
//   - a batch attempt with an empty response string is retried.
//
// Fragments from a retried empty attempt are never duplicated: an
// attempt only reaches the retry path when nothing was delivered.
// A stream that dies midway after delivering content is not retried;
// the partial text is returned rather than replayed from the top.
func (c *Client) Generate(ctx context.Context, prompt string, stream bool, onFragment FragmentFunc) Result {
	c.logger.Log(ctx, config.LevelTrace, "generate request", "stream", stream, "prompt", prompt)

	var res Result
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		res.Attempts = attempt
		last := attempt == c.maxRetries

		if err := ctx.Err(); err != nil {
			res.Text = fmt.Sprintf("Error communicating with LLM: %v", err)
			res.Failed = true
			return res
		}

		text, fragments, err := c.attempt(ctx, prompt, stream, onFragment)
		res.Fragments += fragments

		switch {
		case err != nil && fragments > 0:
			// The stream died after delivering content. Retrying would
			// emit the leading fragments a second time, so hand back
			// what arrived.
			c.logger.Warn("stream interrupted, returning partial response",
				"attempt", attempt, "fragments", fragments, "error", err)
			res.Text = text
			return res
		case err != nil:
			if !last {
				c.logger.Debug("generate attempt failed, retrying",
					"attempt", attempt, "max", c.maxRetries, "error", err)
				continue
			}
			res.Text = fmt.Sprintf("Error communicating with LLM: %v", err)
			res.Failed = true
			return res
		case text == "":
			if !last {
				c.logger.Debug("empty response, retrying",
					"attempt", attempt, "max", c.maxRetries)
				continue
			}
			res.Text = "Error: LLM returned an empty response"
			res.Failed = true
			return res
		default:
			c.logger.Log(ctx, config.LevelTrace, "generate response", "text", text)
			res.Text = text
			return res
		}
	}

	// Unreachable: the last attempt always returns above.
	res.Text = "Error: LLM generate retries exhausted"
	res.Failed = true
	return res
}

// attempt performs one generate request. It returns the concatenated
// text, the number of non-empty fragments delivered to onFragment,
// and an error for transport faults, non-200 statuses, or a stream
// that terminated abnormally.
func (c *Client) attempt(ctx context.Context, prompt string, stream bool, onFragment FragmentFunc) (string, int, error) {
	body, err := json.Marshal(generateRequest{Prompt: prompt, Stream: stream})
	if err != nil {
		return "", 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		// 4xx/5xx bodies may carry an optional {"error": ...} field.
		var chunk generateChunk
		if json.Unmarshal([]byte(errBody), &chunk) == nil && chunk.Error != "" {
			return "", 0, fmt.Errorf("server returned status %d: %s", resp.StatusCode, chunk.Error)
		}
		return "", 0, fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	if !stream {
		var chunk generateChunk
		if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
			return "", 0, fmt.Errorf("decode response: %w", err)
		}
		return chunk.Response, 0, nil
	}

	// Streaming: newline-delimited JSON, one fragment per line.
	var sb strings.Builder
	fragments := 0

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxFragmentLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk generateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return sb.String(), fragments, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Response == "" {
			continue
		}
		sb.WriteString(chunk.Response)
		fragments++
		if onFragment != nil {
			onFragment(chunk.Response)
		}
	}
	if err := scanner.Err(); err != nil {
		return sb.String(), fragments, fmt.Errorf("read stream: %w", err)
	}

	return sb.String(), fragments, nil
}
