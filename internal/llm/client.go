// Package llm implements the LLM client contract (spec.md §6): three
// structured entry points — analyze, test-synthesize, fix-synthesize —
// each taking a prompt and returning a raw UTF-8 response. Parsing and
// validation of that response into a typed artifact is the caller's
// job (internal/stages), per the design note that the three call sites
// have distinct response schemas and must never be modeled as one union.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Provider selects which backend HTTPClient talks to, mirroring the
// teacher's multi-provider LLMClient.
type Provider string

const (
	OpenAI    Provider = "openai"
	Anthropic Provider = "anthropic"
	Gemini    Provider = "gemini"
	DeepSeek  Provider = "deepseek"
	LiteLLM   Provider = "litellm"
)

// MaxTemperature is the contract's ceiling (spec.md §6: "Temperature ≤ 0.2").
const MaxTemperature = 0.2

// Client is the three-entry-point contract every stage depends on.
type Client interface {
	Analyze(ctx context.Context, prompt string) (string, error)
	SynthesizeTest(ctx context.Context, prompt string) (string, error)
	SynthesizeFix(ctx context.Context, prompt string) (string, error)
}

// Config holds per-provider generation parameters.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// DefaultConfig returns the teacher's per-provider defaults, clamped to
// this contract's temperature ceiling.
func DefaultConfig(p Provider) Config {
	cfg := Config{Temperature: 0.1, MaxTokens: 4000, Timeout: 60 * time.Second}
	switch p {
	case OpenAI:
		cfg.Model = "gpt-4o"
	case Anthropic:
		cfg.Model = "claude-3-5-sonnet-20241022"
	case Gemini:
		cfg.Model = "gemini-2.0-flash-exp"
	case DeepSeek:
		cfg.Model = "deepseek-chat"
	case LiteLLM:
		cfg.Model = "gpt-4o"
	}
	if cfg.Temperature > MaxTemperature {
		cfg.Temperature = MaxTemperature
	}
	return cfg
}

func baseURL(p Provider) string {
	switch p {
	case OpenAI:
		return "https://api.openai.com"
	case Anthropic:
		return "https://api.anthropic.com"
	case Gemini:
		return "https://generativelanguage.googleapis.com"
	case DeepSeek:
		return "https://api.deepseek.com"
	case LiteLLM:
		return "http://localhost:4000"
	default:
		return "https://api.openai.com"
	}
}

// analyzeSystemPrompt, testSystemPrompt and fixSystemPrompt are the
// system messages for each of the three contract calls. The exact
// prompt wording for the structured response shape each expects lives
// in internal/stages, which owns the request/response schema; these are
// the stable framing messages sent alongside whatever prompt the stage
// builds.
const (
	analyzeSystemPrompt = "You are a CI failure analysis assistant. Respond with a single JSON document and nothing else."
	testSystemPrompt    = "You are a regression test author. Respond with a single test function in the project's language and nothing else."
	fixSystemPrompt     = "You are a minimal-diff bug-fix assistant. Respond with a single JSON object and nothing else."
)

// HTTPClient is the production Client, talking to one of the providers
// above over plain net/http — the same transport the teacher uses, with
// no provider SDK dependency (grounded: no pack repo imports one either).
type HTTPClient struct {
	provider Provider
	apiKey   string
	baseURL  string
	http     *http.Client
	cfg      Config
	logger   *logrus.Logger
}

// NewHTTPClient builds a client for provider using apiKey, logging
// through logger.
func NewHTTPClient(provider Provider, apiKey string, logger *logrus.Logger) *HTTPClient {
	cfg := DefaultConfig(provider)
	return &HTTPClient{
		provider: provider,
		apiKey:   apiKey,
		baseURL:  baseURL(provider),
		http:     &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
		logger:   logger,
	}
}

func (c *HTTPClient) Analyze(ctx context.Context, prompt string) (string, error) {
	return c.complete(ctx, analyzeSystemPrompt, prompt)
}

func (c *HTTPClient) SynthesizeTest(ctx context.Context, prompt string) (string, error) {
	return c.complete(ctx, testSystemPrompt, prompt)
}

func (c *HTTPClient) SynthesizeFix(ctx context.Context, prompt string) (string, error) {
	return c.complete(ctx, fixSystemPrompt, prompt)
}

func (c *HTTPClient) complete(ctx context.Context, systemMsg, prompt string) (string, error) {
	start := time.Now()
	defer func() {
		c.logger.WithFields(logrus.Fields{
			"provider": c.provider,
			"model":    c.cfg.Model,
			"duration": time.Since(start),
		}).Debug("llm request completed")
	}()

	switch c.provider {
	case Anthropic:
		return c.completeAnthropic(ctx, systemMsg, prompt)
	case Gemini:
		return c.completeGemini(ctx, prompt)
	default:
		// OpenAI, DeepSeek, and LiteLLM all speak the OpenAI chat-completions
		// shape.
		return c.completeOpenAICompatible(ctx, systemMsg, prompt)
	}
}

func (c *HTTPClient) completeOpenAICompatible(ctx context.Context, systemMsg, prompt string) (string, error) {
	payload := map[string]interface{}{
		"model": c.cfg.Model,
		"messages": []map[string]interface{}{
			{"role": "system", "content": systemMsg},
			{"role": "user", "content": prompt},
		},
		"temperature": c.cfg.Temperature,
		"max_tokens":  c.cfg.MaxTokens,
	}

	resp, err := c.post(ctx, "/v1/chat/completions", payload, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	})
	if err != nil {
		return "", err
	}

	choices, ok := resp["choices"].([]interface{})
	if !ok || len(choices) == 0 {
		return "", fmt.Errorf("llm: no choices in response")
	}
	choice, ok := choices[0].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("llm: malformed choice")
	}
	message, ok := choice["message"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("llm: malformed message")
	}
	content, _ := message["content"].(string)
	return content, nil
}

func (c *HTTPClient) completeAnthropic(ctx context.Context, systemMsg, prompt string) (string, error) {
	payload := map[string]interface{}{
		"model": c.cfg.Model,
		"messages": []map[string]interface{}{
			{"role": "user", "content": prompt},
		},
		"system":      systemMsg,
		"max_tokens":  c.cfg.MaxTokens,
		"temperature": c.cfg.Temperature,
	}

	resp, err := c.post(ctx, "/v1/messages", payload, func(req *http.Request) {
		req.Header.Set("x-api-key", c.apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	})
	if err != nil {
		return "", err
	}

	content, ok := resp["content"].([]interface{})
	if !ok || len(content) == 0 {
		return "", fmt.Errorf("llm: no content blocks in anthropic response")
	}
	block, ok := content[0].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("llm: malformed anthropic content block")
	}
	text, _ := block["text"].(string)
	return text, nil
}

func (c *HTTPClient) completeGemini(ctx context.Context, prompt string) (string, error) {
	payload := map[string]interface{}{
		"contents": []map[string]interface{}{
			{"parts": []map[string]interface{}{{"text": prompt}}},
		},
		"generationConfig": map[string]interface{}{
			"temperature":     c.cfg.Temperature,
			"maxOutputTokens": c.cfg.MaxTokens,
		},
	}

	path := fmt.Sprintf("/v1beta/models/%s:generateContent?key=%s", c.cfg.Model, c.apiKey)
	resp, err := c.post(ctx, path, payload, nil)
	if err != nil {
		return "", err
	}

	candidates, ok := resp["candidates"].([]interface{})
	if !ok || len(candidates) == 0 {
		return "", fmt.Errorf("llm: no candidates in gemini response")
	}
	candidate, _ := candidates[0].(map[string]interface{})
	content, _ := candidate["content"].(map[string]interface{})
	parts, _ := content["parts"].([]interface{})
	if len(parts) == 0 {
		return "", fmt.Errorf("llm: no parts in gemini candidate")
	}
	part, _ := parts[0].(map[string]interface{})
	text, _ := part["text"].(string)
	return text, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, payload interface{}, decorate func(*http.Request)) (map[string]interface{}, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if decorate != nil {
		decorate(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("llm: provider returned %d: %s", resp.StatusCode, string(raw))
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}
	return decoded, nil
}
