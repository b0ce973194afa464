package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_AnalyzeOpenAICompatible(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"content": `{"error_kind":"TypeError"}`}},
			},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(OpenAI, "test-key", logrus.New())
	c.baseURL = srv.URL

	out, err := c.Analyze(context.Background(), "analyze this log")
	require.NoError(t, err)
	assert.Contains(t, out, "TypeError")
}

func TestHTTPClient_AnthropicShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"content": []map[string]interface{}{{"text": "def test_x():\n    assert True\n"}},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(Anthropic, "test-key", logrus.New())
	c.baseURL = srv.URL

	out, err := c.SynthesizeTest(context.Background(), "write a test")
	require.NoError(t, err)
	assert.Contains(t, out, "def test_x")
}

func TestHTTPClient_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(OpenAI, "test-key", logrus.New())
	c.baseURL = srv.URL

	_, err := c.SynthesizeFix(context.Background(), "fix this")
	assert.Error(t, err)
}

func TestDefaultConfig_ClampsTemperature(t *testing.T) {
	cfg := DefaultConfig(OpenAI)
	assert.LessOrEqual(t, cfg.Temperature, MaxTemperature)
}
