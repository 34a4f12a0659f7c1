package providers

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(Config{
		AnthropicAPIKey:  "ant-key",
		AnthropicBaseURL: "https://api.anthropic.com",
		OpenAIAPIKey:     "oai-key",
		OpenAIBaseURL:    "https://api.openai.com",
		GoogleAPIKey:     "goog-key",
		GoogleBaseURL:    "https://generativelanguage.googleapis.com",
	})
}

func TestRegistry_ForPath(t *testing.T) {
	r := newTestRegistry()

	p, ok := r.ForPath("/v1/messages")
	require.True(t, ok)
	assert.Equal(t, ProviderAnthropic, p.Name)

	p, ok = r.ForPath("/v1/chat/completions")
	require.True(t, ok)
	assert.Equal(t, ProviderOpenAI, p.Name)

	p, ok = r.ForPath("/v1/models/gemini-2.0-flash:generateContent")
	require.True(t, ok)
	assert.Equal(t, ProviderGoogle, p.Name)

	_, ok = r.ForPath("/admin")
	assert.False(t, ok)
}

func TestRegistry_GoogleFallthroughRequiresKey(t *testing.T) {
	r := NewRegistry(Config{
		AnthropicAPIKey:  "ant-key",
		AnthropicBaseURL: "https://api.anthropic.com",
	})

	_, ok := r.ForPath("/v1/models/gemini-2.0-flash:generateContent")
	assert.False(t, ok)
}

func TestProvider_ApplyAuth(t *testing.T) {
	r := newTestRegistry()

	t.Run("anthropic", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/messages", nil)
		req.Header.Set("x-api-key", "client-key")
		req.Header.Set("Authorization", "Bearer client-token")

		p, _ := r.ForPath("/v1/messages")
		p.ApplyAuth(req)

		assert.Equal(t, "ant-key", req.Header.Get("x-api-key"))
		assert.Empty(t, req.Header.Get("Authorization"))
		assert.Equal(t, "2023-06-01", req.Header.Get("anthropic-version"))
	})

	t.Run("anthropic keeps client version", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/messages", nil)
		req.Header.Set("anthropic-version", "2024-01-01")

		p, _ := r.ForPath("/v1/messages")
		p.ApplyAuth(req)

		assert.Equal(t, "2024-01-01", req.Header.Get("anthropic-version"))
	})

	t.Run("openai", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		req.Header.Set("Authorization", "Bearer client-token")

		p, _ := r.ForPath("/v1/chat/completions")
		p.ApplyAuth(req)

		assert.Equal(t, "Bearer oai-key", req.Header.Get("Authorization"))
	})
}

func TestProvider_UpstreamURL(t *testing.T) {
	r := newTestRegistry()
	p, _ := r.ForPath("/v1/messages")
	assert.Equal(t, "https://api.anthropic.com/v1/messages", p.UpstreamURL("/v1/messages"))
}

func TestParseRequest(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4-20250514",
		"stream": true,
		"system": "be terse",
		"metadata": {"agent_id": "agent-7"},
		"messages": [
			{"role": "user", "content": "hi there"},
			{"role": "assistant", "content": [
				{"type": "text", "text": "hello"},
				{"type": "tool_use", "name": "bash", "input": {}}
			]}
		]
	}`)

	parsed, err := ParseRequest(body)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-20250514", parsed.Model)
	assert.True(t, parsed.Stream)
	assert.Equal(t, 2, parsed.MessageCount)
	assert.Equal(t, "be terse", parsed.System)
	assert.Equal(t, "agent-7", parsed.AgentID)
	assert.Equal(t, []string{"hi there", "hello"}, parsed.Contents)
	assert.Equal(t, []string{"bash"}, parsed.ToolNames)
}

func TestParseRequest_Invalid(t *testing.T) {
	_, err := ParseRequest([]byte(`{`))
	assert.Error(t, err)

	_, err = ParseRequest([]byte(`{"messages": []}`))
	assert.Error(t, err, "missing model")
}

func TestRewriteModel(t *testing.T) {
	body := []byte(`{"model": "claude-sonnet", "max_tokens": 100, "messages": [{"role":"user","content":"hi"}]}`)

	out, err := RewriteModel(body, "claude-haiku")
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.JSONEq(t, `"claude-haiku"`, string(doc["model"]))
	assert.JSONEq(t, `100`, string(doc["max_tokens"]))
	assert.JSONEq(t, `[{"role":"user","content":"hi"}]`, string(doc["messages"]))
}
