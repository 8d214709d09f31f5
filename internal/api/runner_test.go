package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ShayCichocki/relay/internal/agent"
)

type recordingReporter struct {
	mu          sync.Mutex
	checkpoints []string
	tools       []string
	errors      []string
}

func (r *recordingReporter) Checkpoint(desc string, _ *float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkpoints = append(r.checkpoints, desc)
}

func (r *recordingReporter) ToolUsage(tool string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = append(r.tools, tool)
}

func (r *recordingReporter) Error(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, msg)
}

// fakeMessagesAPI serves /v1/messages with the given status and body and
// records the system prompt of each request.
func fakeMessagesAPI(t *testing.T, status int, body string) (*httptest.Server, *[]string) {
	t.Helper()
	var (
		mu      sync.Mutex
		systems []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			http.NotFound(w, r)
			return
		}
		var req struct {
			System []struct {
				Text string `json:"text"`
			} `json:"system"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil && len(req.System) > 0 {
			mu.Lock()
			systems = append(systems, req.System[0].Text)
			mu.Unlock()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &systems
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{APIKey: "test-key", BaseURL: baseURL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

const okMessage = `{
	"id": "msg_1",
	"type": "message",
	"role": "assistant",
	"model": "claude-sonnet-4-20250514",
	"content": [{"type": "text", "text": "patched "}, {"type": "text", "text": "the handler"}],
	"stop_reason": "end_turn",
	"usage": {"input_tokens": 12, "output_tokens": 7}
}`

func TestClaudeRunner_RunTask(t *testing.T) {
	srv, systems := fakeMessagesAPI(t, http.StatusOK, okMessage)
	client := newTestClient(t, srv.URL)
	runner := NewClaudeRunner(client, nil)

	rep := &recordingReporter{}
	ctx := agent.WithReporter(context.Background(), rep)

	out, err := runner.RunTask(ctx, "precision-editor", "fix the nil deref")
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if out != "patched the handler" {
		t.Errorf("output = %q", out)
	}

	in, outTok := client.Tracker().Total()
	if in != 12 || outTok != 7 {
		t.Errorf("tokens = %d/%d, want 12/7", in, outTok)
	}
	if len(*systems) != 1 || (*systems)[0] != SystemPrompt("precision-editor") {
		t.Errorf("system prompts = %v", *systems)
	}
	if len(rep.checkpoints) != 2 {
		t.Errorf("checkpoints = %v, want request and response", rep.checkpoints)
	}
}

func TestClaudeRunner_APIError(t *testing.T) {
	srv, _ := fakeMessagesAPI(t, http.StatusInternalServerError,
		`{"type":"error","error":{"type":"api_error","message":"overloaded"}}`)
	runner := NewClaudeRunner(newTestClient(t, srv.URL), nil)

	rep := &recordingReporter{}
	_, err := runner.RunTask(agent.WithReporter(context.Background(), rep), "code-analyzer", "x")
	if err == nil {
		t.Fatal("expected error from 500 response")
	}
	if !transient(err) {
		t.Errorf("500 should be transient: %v", err)
	}
	if len(rep.errors) != 1 {
		t.Errorf("reported errors = %v, want 1", rep.errors)
	}
}

func TestClaudeRunner_ClientErrorIsFinal(t *testing.T) {
	srv, _ := fakeMessagesAPI(t, http.StatusBadRequest,
		`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`)
	runner := NewClaudeRunner(newTestClient(t, srv.URL), nil)

	_, err := runner.RunTask(context.Background(), "code-analyzer", "x")
	if err == nil {
		t.Fatal("expected error from 400 response")
	}
	if transient(err) {
		t.Errorf("400 should not be transient: %v", err)
	}
}

func TestClaudeRunner_EmptyResponse(t *testing.T) {
	srv, _ := fakeMessagesAPI(t, http.StatusOK, `{
		"id": "msg_2", "type": "message", "role": "assistant", "model": "m",
		"content": [], "stop_reason": "end_turn",
		"usage": {"input_tokens": 1, "output_tokens": 0}
	}`)
	runner := NewClaudeRunner(newTestClient(t, srv.URL), nil)

	_, err := runner.RunTask(context.Background(), "general-purpose", "x")
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestSystemPrompt_UnknownType(t *testing.T) {
	got := SystemPrompt("translator")
	if !strings.Contains(got, `"translator"`) {
		t.Errorf("SystemPrompt(translator) = %q", got)
	}
	if SystemPrompt("security-fixer") == got {
		t.Error("known type should have its own prompt")
	}
}
