package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/lmstudio-bridge/internal/endpoint"
	"github.com/haasonsaas/lmstudio-bridge/pkg/models"
)

// scriptedServer replies to successive /chat/completions calls with the
// bodies in responses, in order, and records every request body it saw.
type scriptedServer struct {
	t         *testing.T
	responses []string
	call      int
	seen      []map[string]any
}

func newScriptedServer(t *testing.T, responses ...string) *httptest.Server {
	t.Helper()
	s := &scriptedServer{t: t, responses: responses}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/models":
			w.Write([]byte(`{"data":[{"id":"test-model"}]}`))
			return
		case "/chat/completions":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			s.seen = append(s.seen, body)
			idx := s.call
			s.call++
			require.Less(t, idx, len(s.responses), "unexpected extra chat completion call")
			w.Write([]byte(s.responses[idx]))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newTestOrchestrator(t *testing.T, srv *httptest.Server, cfg *Config) *Orchestrator {
	t.Helper()
	client := endpoint.NewClient(&endpoint.Config{
		BaseURL:        srv.URL,
		RequestTimeout: 2 * time.Second,
		ProbeTimeout:   2 * time.Second,
	}, nil)
	return New(client, cfg, nil)
}

func TestRun_PlainCompletion(t *testing.T) {
	srv := newScriptedServer(t, `{"choices":[{"message":{"content":"hi"},"finish_reason":"stop"}]}`)
	defer srv.Close()

	o := newTestOrchestrator(t, srv, nil)
	result, err := o.Run(context.Background(), RunRequest{
		Model:    "test-model",
		Messages: []models.Message{{Role: models.RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", result.Text)
	assert.False(t, result.Cancelled)
}

func TestRun_AutoContinueOnLength(t *testing.T) {
	srv := newScriptedServer(t,
		`{"choices":[{"message":{"content":"part A"},"finish_reason":"length"}]}`,
		`{"choices":[{"message":{"content":"part B"},"finish_reason":"stop"}]}`,
	)
	defer srv.Close()

	o := newTestOrchestrator(t, srv, nil)
	result, err := o.Run(context.Background(), RunRequest{
		Model:    "test-model",
		Messages: []models.Message{{Role: models.RoleUser, Content: "write something long"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "part Apart B", result.Text)
}

func TestRun_SingleToolRoundWithCheckpointDone(t *testing.T) {
	srv := newScriptedServer(t,
		`{"choices":[{"message":{"content":"","tool_calls":[{"id":"c1","type":"function","function":{"name":"search","arguments":"{\"q\":\"x\"}"}}]},"finish_reason":"tool_calls"}]}`,
		`{"choices":[{"message":{"content":"{\"enough_information\":true,\"progress_note\":\"have answer\"}"},"finish_reason":"stop"}]}`,
		`{"choices":[{"message":{"content":"answer"},"finish_reason":"stop"}]}`,
	)
	defer srv.Close()

	o := newTestOrchestrator(t, srv, nil)
	executor := func(ctx context.Context, name string, args map[string]any) (string, error) {
		assert.Equal(t, "search", name)
		assert.Equal(t, "x", args["q"])
		return "found", nil
	}

	result, err := o.Run(context.Background(), RunRequest{
		Model:        "test-model",
		Messages:     []models.Message{{Role: models.RoleUser, Content: "look it up"}},
		ToolExecutor: executor,
	})
	require.NoError(t, err)
	assert.Equal(t, "answer", result.Text)
}

func TestRun_MalformedToolArguments(t *testing.T) {
	srv := newScriptedServer(t,
		`{"choices":[{"message":{"content":"","tool_calls":[{"id":"c1","type":"function","function":{"name":"search","arguments":"not json"}}]},"finish_reason":"tool_calls"}]}`,
		`{"choices":[{"message":{"content":"{\"enough_information\":true,\"progress_note\":\"\"}"},"finish_reason":"stop"}]}`,
		`{"choices":[{"message":{"content":"answer"},"finish_reason":"stop"}]}`,
	)
	defer srv.Close()

	o := newTestOrchestrator(t, srv, nil)
	var gotArgs map[string]any
	executor := func(ctx context.Context, name string, args map[string]any) (string, error) {
		gotArgs = args
		return "ok", nil
	}

	_, err := o.Run(context.Background(), RunRequest{
		Model:        "test-model",
		Messages:     []models.Message{{Role: models.RoleUser, Content: "go"}},
		ToolExecutor: executor,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"_raw": "not json"}, gotArgs)
}

func TestRun_ToolExecutionFailureReportedAsToolOutput(t *testing.T) {
	srv := newScriptedServer(t,
		`{"choices":[{"message":{"content":"","tool_calls":[{"id":"c1","type":"function","function":{"name":"search","arguments":"{}"}}]},"finish_reason":"tool_calls"}]}`,
		`{"choices":[{"message":{"content":"{\"enough_information\":true,\"progress_note\":\"\"}"},"finish_reason":"stop"}]}`,
		`{"choices":[{"message":{"content":"done"},"finish_reason":"stop"}]}`,
	)
	defer srv.Close()

	o := newTestOrchestrator(t, srv, nil)
	executor := func(ctx context.Context, name string, args map[string]any) (string, error) {
		return "", assert.AnError
	}

	result, err := o.Run(context.Background(), RunRequest{
		Model:        "test-model",
		Messages:     []models.Message{{Role: models.RoleUser, Content: "go"}},
		ToolExecutor: executor,
	})
	require.NoError(t, err)
	assert.Equal(t, "done", result.Text)
}

func TestRun_ToolCallsWithoutExecutorReturnsAccumulatorAsFinal(t *testing.T) {
	srv := newScriptedServer(t,
		`{"choices":[{"message":{"content":"let me check","tool_calls":[{"id":"c1","type":"function","function":{"name":"search","arguments":"{}"}}]},"finish_reason":"tool_calls"}]}`,
	)
	defer srv.Close()

	o := newTestOrchestrator(t, srv, nil)
	result, err := o.Run(context.Background(), RunRequest{
		Model:    "test-model",
		Messages: []models.Message{{Role: models.RoleUser, Content: "go"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "let me check", result.Text)
}

func TestRun_CancelledBeforeFirstRound(t *testing.T) {
	srv := newScriptedServer(t)
	defer srv.Close()

	var flag atomic.Bool
	flag.Store(true)

	o := newTestOrchestrator(t, srv, nil)
	result, err := o.Run(context.Background(), RunRequest{
		Model:     "test-model",
		Messages:  []models.Message{{Role: models.RoleUser, Content: "hi"}},
		Cancelled: &flag,
	})
	require.Error(t, err)
	var cancelled *endpoint.Cancelled
	require.ErrorAs(t, err, &cancelled)
	assert.Empty(t, cancelled.PartialText)
	assert.True(t, result.Cancelled)
	assert.Empty(t, result.Text)
}

func TestRun_MaxToolRoundsZeroFailsWithoutModelCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request to %s; max_tool_rounds=0 must not call the model", r.URL.Path)
	}))
	defer srv.Close()

	o := newTestOrchestrator(t, srv, &Config{MaxToolRounds: 0})
	_, err := o.Run(context.Background(), RunRequest{
		Model:    "test-model",
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	var roundErr *RoundLimitExceeded
	require.ErrorAs(t, err, &roundErr)
	assert.Equal(t, 0, roundErr.MaxRounds)
}

func TestRun_RoundLimitExceededWhenToolsNeverResolve(t *testing.T) {
	toolCallResp := `{"choices":[{"message":{"content":"","tool_calls":[{"id":"c1","type":"function","function":{"name":"search","arguments":"{}"}}]},"finish_reason":"tool_calls"}]}`
	checkpointNotDone := `{"choices":[{"message":{"content":"{\"enough_information\":false,\"progress_note\":\"still looking\"}"},"finish_reason":"stop"}]}`

	responses := []string{}
	for i := 0; i < 2; i++ {
		responses = append(responses, toolCallResp, checkpointNotDone)
	}
	srv := newScriptedServer(t, responses...)
	defer srv.Close()

	o := newTestOrchestrator(t, srv, &Config{MaxToolRounds: 2})
	executor := func(ctx context.Context, name string, args map[string]any) (string, error) {
		return "still nothing", nil
	}

	_, err := o.Run(context.Background(), RunRequest{
		Model:        "test-model",
		Messages:     []models.Message{{Role: models.RoleUser, Content: "go"}},
		ToolExecutor: executor,
	})
	require.Error(t, err)
	var roundErr *RoundLimitExceeded
	require.ErrorAs(t, err, &roundErr)
}

func TestRun_SystemPromptInsertedOnce(t *testing.T) {
	var capturedMessages []any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/models":
			w.Write([]byte(`{"data":[{"id":"test-model"}]}`))
		case "/chat/completions":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			capturedMessages, _ = body["messages"].([]any)
			w.Write([]byte(`{"choices":[{"message":{"content":"hi"},"finish_reason":"stop"}]}`))
		}
	}))
	defer srv.Close()

	o := newTestOrchestrator(t, srv, nil)
	_, err := o.Run(context.Background(), RunRequest{
		Model: "test-model",
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "be nice"},
			{Role: models.RoleUser, Content: "hello"},
		},
		Settings: &models.ConversationSettings{SystemPrompt: "be nice"},
	})
	require.NoError(t, err)

	systemCount := 0
	for _, m := range capturedMessages {
		if m.(map[string]any)["role"] == "system" {
			systemCount++
		}
	}
	assert.Equal(t, 1, systemCount)
	assert.Equal(t, "system", capturedMessages[0].(map[string]any)["role"])
}

func TestRun_ContextLimitZeroKeepsOnlyLastMessage(t *testing.T) {
	var capturedMessages []any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/models":
			w.Write([]byte(`{"data":[{"id":"test-model"}]}`))
		case "/chat/completions":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			capturedMessages, _ = body["messages"].([]any)
			w.Write([]byte(`{"choices":[{"message":{"content":"hi"},"finish_reason":"stop"}]}`))
		}
	}))
	defer srv.Close()

	o := newTestOrchestrator(t, srv, nil)
	_, err := o.Run(context.Background(), RunRequest{
		Model: "test-model",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "earlier turn"},
			{Role: models.RoleAssistant, Content: "earlier reply"},
			{Role: models.RoleUser, Content: "latest turn"},
		},
		Settings: &models.ConversationSettings{ContextLimit: 0},
	})
	require.NoError(t, err)
	require.Len(t, capturedMessages, 1)
	msg := capturedMessages[0].(map[string]any)
	assert.Equal(t, "latest turn", msg["content"])
}
