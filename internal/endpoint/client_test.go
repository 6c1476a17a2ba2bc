package endpoint

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/lmstudio-bridge/pkg/models"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	return NewClient(&Config{
		BaseURL:        srv.URL,
		RequestTimeout: 2 * time.Second,
		ProbeTimeout:   2 * time.Second,
	}, nil)
}

func TestClient_Complete_PlainCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, false, body["stream"])

		msgs, _ := body["messages"].([]any)
		require.Len(t, msgs, 1)

		w.Write([]byte(`{"choices":[{"message":{"content":"hi"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	result, err := client.Complete(context.Background(), CompletionRequest{
		Model:    "test-model",
		Messages: []models.Message{{Role: models.RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", result.Text)
	assert.Equal(t, "stop", result.FinishReason)
}

func TestClient_Complete_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream error"))
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	_, err := client.Complete(context.Background(), CompletionRequest{Model: "m"})
	require.Error(t, err)
	var epErr *EndpointError
	require.ErrorAs(t, err, &epErr)
	assert.Equal(t, http.StatusBadGateway, epErr.Status)
}

func TestClient_Probe_Failure(t *testing.T) {
	client := NewClient(&Config{BaseURL: "http://127.0.0.1:1", ProbeTimeout: 200 * time.Millisecond}, nil)
	err := client.Probe(context.Background(), 0)
	require.Error(t, err)
	var connErr *ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestClient_Probe_OverrideWinsOverConfigDefault(t *testing.T) {
	client := NewClient(&Config{BaseURL: "http://127.0.0.1:1", ProbeTimeout: 2 * time.Second}, nil)

	start := time.Now()
	err := client.Probe(context.Background(), 50*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, time.Second, "Probe should have used the 50ms override, not the 2s config default")
}

func TestClient_Complete_TimeoutOverrideWinsOverConfigDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(`{"choices":[{"message":{"content":"late"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	client := NewClient(&Config{BaseURL: srv.URL, RequestTimeout: 2 * time.Second, ProbeTimeout: 2 * time.Second}, nil)
	_, err := client.Complete(context.Background(), CompletionRequest{
		Model:   "m",
		Timeout: 5 * time.Millisecond,
	})
	require.Error(t, err)
}

func TestClient_LoadedModelID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"id":"llama-3"}]}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	id, err := client.LoadedModelID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "llama-3", id)
}

func TestClient_LoadedModelID_EmptyWhenNoneLoaded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	id, err := client.LoadedModelID(context.Background())
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestClient_LoadModel_And_UnloadModel(t *testing.T) {
	var sawLoad, sawUnload bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/models/load":
			sawLoad = true
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "llama-3", body["model"])
		case "/models/unload":
			sawUnload = true
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "old-instance", body["instance_id"])
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	require.NoError(t, client.LoadModel(context.Background(), "llama-3"))
	require.NoError(t, client.UnloadModel(context.Background(), "old-instance"))
	assert.True(t, sawLoad)
	assert.True(t, sawUnload)
}
