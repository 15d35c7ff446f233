package enhancer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"flux-gen-service/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeOpenRouter(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/key", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-good" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"No auth credentials found","code":401}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"label":"test"}}`))
	})
	mux.HandleFunc("/api/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"anthropic/claude-3-haiku","name":"Claude 3 Haiku","description":"fast","context_length":200000},{"id":"x/no-name"}]}`))
	})
	mux.HandleFunc("/api/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		assert.Equal(t, "http://localhost:3000", r.Header.Get("HTTP-Referer"))
		assert.Equal(t, "Flux Generator", r.Header.Get("X-Title"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["model"] == "broken/model" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":{"message":"upstream error"}}`))
			return
		}
		if body["model"] == "slow/model" {
			time.Sleep(300 * time.Millisecond)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"gen-1","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"A detailed cat"}}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(ClientOptions{
		BaseURL:     srv.URL + "/api/v1/",
		Referer:     "http://localhost:3000",
		Title:       "Flux Generator",
		ChatTimeout: 100 * time.Millisecond,
	})
}

func TestNormalizeBaseURL(t *testing.T) {
	assert.Equal(t, "https://openrouter.ai/api/v1", NormalizeBaseURL(""))
	assert.Equal(t, "https://openrouter.ai/api/v1", NormalizeBaseURL("https://openrouter.ai/api/v1/"))
	assert.Equal(t, "https://openrouter.ai/api/v1", NormalizeBaseURL("https://openrouter.ai/api/v1/chat/completions"))
}

func TestClientValidateKey(t *testing.T) {
	c := newTestClient(newFakeOpenRouter(t, nil))

	assert.NoError(t, c.ValidateKey(context.Background(), "sk-good"))

	err := c.ValidateKey(context.Background(), "sk-bad")
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}

func TestClientValidateKeyUnreachable(t *testing.T) {
	srv := newFakeOpenRouter(t, nil)
	c := newTestClient(srv)
	srv.Close()

	err := c.ValidateKey(context.Background(), "sk-good")
	assert.Equal(t, model.KindEnhancementFailed, model.KindOf(err))
}

func TestClientListModels(t *testing.T) {
	c := newTestClient(newFakeOpenRouter(t, nil))

	models, err := c.ListModels(context.Background(), "sk-good")
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, model.ModelInfo{ID: "anthropic/claude-3-haiku", Name: "Claude 3 Haiku", Description: "fast", ContextLength: 200000}, models[0])
	assert.Equal(t, "x/no-name", models[1].Name)
}

func TestClientComplete(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(newFakeOpenRouter(t, &hits))

	out, err := c.Complete(context.Background(), "sk-good", CompletionRequest{Model: "anthropic/claude-3-haiku", System: "s", User: "u", MaxTokens: 500, Temperature: 0.7})
	require.NoError(t, err)
	assert.Equal(t, "A detailed cat", out)
	assert.EqualValues(t, 1, hits.Load())
}

func TestClientCompleteErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(newFakeOpenRouter(t, &hits))

	_, err := c.Complete(context.Background(), "sk-good", CompletionRequest{Model: "broken/model", System: "s", User: "u"})
	require.Error(t, err)
	assert.EqualValues(t, 1, hits.Load())
}

func TestClientCompleteTimeout(t *testing.T) {
	c := newTestClient(newFakeOpenRouter(t, nil))

	_, err := c.Complete(context.Background(), "sk-good", CompletionRequest{Model: "slow/model", System: "s", User: "u"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}
