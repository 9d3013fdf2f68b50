package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testClient(url string) *Client {
	return NewClient(url, Options{RequestTimeout: 5 * time.Second, MaxRetries: 2}, testLogger())
}

func TestPing_Healthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %q, want /health", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "model": "test-model"})
	}))
	defer srv.Close()

	h, err := testClient(srv.URL).Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if h.Status != "ok" || h.Model != "test-model" {
		t.Errorf("health = %+v", h)
	}
}

func TestPing_NonJSONBodyStillHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "OK")
	}))
	defer srv.Close()

	if _, err := testClient(srv.URL).Ping(context.Background()); err != nil {
		t.Fatalf("Ping with non-JSON 200 body should succeed: %v", err)
	}
}

func TestPing_ServerDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "loading model", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Ping(context.Background())
	if err == nil {
		t.Fatal("Ping should fail on a 503")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("error = %v, want status in message", err)
	}
}

func TestPing_Unreachable(t *testing.T) {
	if _, err := testClient("http://127.0.0.1:1").Ping(context.Background()); err == nil {
		t.Fatal("Ping to an unreachable endpoint should fail")
	}
}

func TestGenerate_TunnelHeaderSent(t *testing.T) {
	var gotHeader atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader.Store(r.Header.Get("ngrok-skip-browser-warning"))
		json.NewEncoder(w).Encode(map[string]string{"response": "hi"})
	}))
	defer srv.Close()

	testClient(srv.URL).Generate(context.Background(), "p", false, nil)
	if v, _ := gotHeader.Load().(string); v != "true" {
		t.Errorf("ngrok-skip-browser-warning = %q, want %q", v, "true")
	}
}

func TestGenerate_Batch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			t.Error("stream flag should be false")
		}
		if req.Prompt != "say hi" {
			t.Errorf("prompt = %q", req.Prompt)
		}
		json.NewEncoder(w).Encode(map[string]string{"response": "hello there"})
	}))
	defer srv.Close()

	res := testClient(srv.URL).Generate(context.Background(), "say hi", false, nil)
	if res.Failed {
		t.Fatalf("Generate failed: %s", res.Text)
	}
	if res.Text != "hello there" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
}

func TestGenerate_Streaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, frag := range []string{"Hel", "lo ", "world"} {
			fmt.Fprintf(w, "{\"response\": %q}\n", frag)
		}
	}))
	defer srv.Close()

	var got []string
	res := testClient(srv.URL).Generate(context.Background(), "p", true, func(f string) {
		got = append(got, f)
	})
	if res.Text != "Hello world" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Fragments != 3 {
		t.Errorf("Fragments = %d, want 3", res.Fragments)
	}
	if strings.Join(got, "") != "Hello world" {
		t.Errorf("callback fragments = %v", got)
	}
}

func TestGenerate_RetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "oom", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"response": "recovered"})
	}))
	defer srv.Close()

	res := testClient(srv.URL).Generate(context.Background(), "p", false, nil)
	if res.Failed {
		t.Fatalf("Generate should recover on retry: %s", res.Text)
	}
	if res.Text != "recovered" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
}

func TestGenerate_RetriesEmptyStream(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// A stream with only empty fragments counts as no response.
			fmt.Fprintln(w, `{"response": ""}`)
			return
		}
		fmt.Fprintln(w, `{"response": "second try"}`)
	}))
	defer srv.Close()

	var got []string
	res := testClient(srv.URL).Generate(context.Background(), "p", true, func(f string) {
		got = append(got, f)
	})
	if res.Text != "second try" {
		t.Errorf("Text = %q", res.Text)
	}
	// The empty first attempt delivered nothing, so nothing duplicates.
	if len(got) != 1 || got[0] != "second try" {
		t.Errorf("callback fragments = %v, want exactly one", got)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
}

func TestGenerate_AllAttemptsFail(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "broken", http.StatusInternalServerError)
	}))
	defer srv.Close()

	res := testClient(srv.URL).Generate(context.Background(), "p", false, nil)
	if !res.Failed {
		t.Fatal("Generate should report failure")
	}
	if !strings.Contains(res.Text, "Error communicating with LLM") {
		t.Errorf("Text = %q, want communication error text", res.Text)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("server saw %d calls, want 2 (retry budget)", n)
	}
}

func TestGenerate_EmptyResponseExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"response": ""})
	}))
	defer srv.Close()

	res := testClient(srv.URL).Generate(context.Background(), "p", false, nil)
	if !res.Failed {
		t.Fatal("Generate should report failure on persistent empty responses")
	}
	if !strings.Contains(res.Text, "empty response") {
		t.Errorf("Text = %q, want empty-response error text", res.Text)
	}
}

func TestGenerate_PartialStreamNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprintln(w, `{"response": "partial "}`)
		fmt.Fprintln(w, `{"response": "text"}`)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		// Kill the connection mid-stream.
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, _ := hj.Hijack()
			conn.Close()
		}
	}))
	defer srv.Close()

	res := testClient(srv.URL).Generate(context.Background(), "p", true, nil)
	if res.Text != "partial text" {
		t.Errorf("Text = %q, want the delivered partial text", res.Text)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("server saw %d calls, want 1 (partial streams are not replayed)", n)
	}
}

func TestGenerate_ErrorFieldInBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "prompt too long"})
	}))
	defer srv.Close()

	res := testClient(srv.URL).Generate(context.Background(), "p", false, nil)
	if !res.Failed {
		t.Fatal("Generate should fail on a 400")
	}
}
