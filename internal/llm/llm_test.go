package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubClient fails a configurable number of times before succeeding.
type stubClient struct {
	mu       sync.Mutex
	failures int
	calls    int
	reply    string
	model    string
}

func (s *stubClient) Complete(ctx context.Context, prompt string) (string, error) {
	return s.CompleteWithSystem(ctx, "", prompt)
}

func (s *stubClient) CompleteWithSystem(ctx context.Context, system, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return "", errors.New("stub failure")
	}
	return s.reply, nil
}

func (s *stubClient) SetModel(name string) { s.model = name }
func (s *stubClient) Model() string        { return s.model }

func newTestCollaborator(client Client) *Collaborator {
	c := NewCollaborator(client, nil, zap.NewNop(), time.Second)
	c.sleep = func(time.Duration) {} // no real backoff in tests
	return c
}

func TestCompleteRetriesThenSucceeds(t *testing.T) {
	stub := &stubClient{failures: 2, reply: "hello", model: "m"}
	c := newTestCollaborator(stub)

	got := c.Complete(context.Background(), "say hello")
	assert.Equal(t, "hello", got)
	assert.Equal(t, 3, stub.calls)
	assert.Equal(t, 0, c.fails())
}

func TestCannedAfterRepeatedFailures(t *testing.T) {
	stub := &stubClient{failures: 1000, model: "m"}
	c := newTestCollaborator(stub)

	// three full failed calls trip the canned threshold
	for i := 0; i < 3; i++ {
		got := c.Complete(context.Background(), "please generate a test")
		assert.NotEmpty(t, got)
	}
	callsBefore := stub.calls

	got := c.Complete(context.Background(), "please generate a test")
	assert.Equal(t, cannedGenerateTest, got)
	// the provider is no longer called
	assert.Equal(t, callsBefore, stub.calls)

	// every canned response decodes
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(got), &payload))
}

func TestCannedSelectionByIntent(t *testing.T) {
	assert.Equal(t, cannedGenerateTest, canned("Generate a new test spec"))
	assert.Equal(t, cannedFix, canned("Please fix this failing code"))
	assert.Equal(t, cannedInsights, canned("What patterns or insights do you see?"))
	assert.Equal(t, cannedGeneric, canned("hello there"))
}

func TestErrorRecorderCategorizesFailures(t *testing.T) {
	stub := &stubClient{failures: 1000, model: "m"}
	c := newTestCollaborator(stub)

	recorded := map[string]int{}
	c.SetErrorRecorder(func(category, details string) { recorded[category]++ })

	c.Complete(context.Background(), "x")
	assert.Equal(t, 1, recorded["collaborator_unavailable"])

	// a client that only ever times out reports the timeout category
	c = newTestCollaborator(&timeoutClient{model: "m"})
	c.SetErrorRecorder(func(category, details string) { recorded[category]++ })
	c.Complete(context.Background(), "x")
	assert.Equal(t, 1, recorded["collaborator_timeout"])
}

// timeoutClient always fails with a deadline error.
type timeoutClient struct{ model string }

func (t *timeoutClient) Complete(ctx context.Context, prompt string) (string, error) {
	return "", context.DeadlineExceeded
}

func (t *timeoutClient) CompleteWithSystem(ctx context.Context, system, prompt string) (string, error) {
	return "", context.DeadlineExceeded
}

func (t *timeoutClient) SetModel(name string) { t.model = name }
func (t *timeoutClient) Model() string        { return t.model }

func TestSwitchModelResetsFailureStreak(t *testing.T) {
	stub := &stubClient{failures: 1000, model: "old"}
	c := newTestCollaborator(stub)
	for i := 0; i < 3; i++ {
		c.Complete(context.Background(), "x")
	}
	require.True(t, c.failedOut())

	c.SwitchModel("new")
	assert.False(t, c.failedOut())
	assert.Equal(t, "new", stub.model)
}

func TestOllamaChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.Messages)
		json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: ollamaMessage{Role: "assistant", Content: "pong"},
			Done:    true,
		})
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, "llama3", 0.5)
	got, err := client.Complete(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", got)
}

func TestOllamaQwenTemplate(t *testing.T) {
	var captured ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: ollamaMessage{Role: "assistant", Content: "ok"},
		})
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, "qwen2.5-coder:7b", 0)
	_, err := client.CompleteWithSystem(context.Background(), "be terse", "hello")
	require.NoError(t, err)

	// qwen models get the inline system template, not a system message
	require.Len(t, captured.Messages, 1)
	assert.True(t, strings.HasPrefix(captured.Messages[0].Content, "<|system|>"))
	assert.Contains(t, captured.Messages[0].Content, "be terse")
}

func TestOllamaProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		w.Write([]byte(`{"models": [{"name": "llama3:latest"}, {"name": "qwen2.5-coder:7b"}]}`))
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, "qwen2.5-coder:7b", 0)
	reachable, hasModel := client.Probe(context.Background())
	assert.True(t, reachable)
	assert.True(t, hasModel)

	client.SetModel("missing-model")
	reachable, hasModel = client.Probe(context.Background())
	assert.True(t, reachable)
	assert.False(t, hasModel)
}

func TestOllamaProbeUnreachable(t *testing.T) {
	client := NewOllamaClient("http://127.0.0.1:1", "m", 0)
	reachable, _ := client.Probe(context.Background())
	assert.False(t, reachable)
}

func TestOllamaProvision(t *testing.T) {
	pulled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/pull", r.URL.Path)
		pulled = true
		w.Write([]byte(`{"status": "success"}`))
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, "llama3", 0)
	require.NoError(t, client.Provision(context.Background()))
	assert.True(t, pulled)
}
