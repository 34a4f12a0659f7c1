package usage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromBuffered_Anthropic(t *testing.T) {
	body := []byte(`{
		"id": "msg_123",
		"content": [{"type": "text", "text": "hello"}],
		"usage": {
			"input_tokens": 10,
			"output_tokens": 20,
			"cache_creation_input_tokens": 0,
			"cache_read_input_tokens": 0
		}
	}`)

	u, ok := FromBuffered("anthropic", body)
	require.True(t, ok)
	assert.Equal(t, 10, u.InputTokens)
	assert.Equal(t, 20, u.OutputTokens)
	assert.Equal(t, 30, u.TotalTokens())
}

func TestFromBuffered_OpenAI(t *testing.T) {
	body := []byte(`{
		"choices": [{"message": {"content": "hi"}}],
		"usage": {
			"prompt_tokens": 50,
			"completion_tokens": 25,
			"prompt_tokens_details": {"cached_tokens": 30}
		}
	}`)

	u, ok := FromBuffered("openai", body)
	require.True(t, ok)
	assert.Equal(t, 50, u.InputTokens)
	assert.Equal(t, 25, u.OutputTokens)
	assert.Equal(t, 30, u.CacheReadTokens)
	assert.Equal(t, 0, u.CacheCreationTokens)
}

func TestFromBuffered_Google(t *testing.T) {
	body := []byte(`{
		"candidates": [{"content": {"parts": [{"text": "hi"}]}}],
		"usageMetadata": {
			"promptTokenCount": 7,
			"candidatesTokenCount": 14,
			"cachedContentTokenCount": 3
		}
	}`)

	u, ok := FromBuffered("google", body)
	require.True(t, ok)
	assert.Equal(t, 7, u.InputTokens)
	assert.Equal(t, 14, u.OutputTokens)
	assert.Equal(t, 3, u.CacheReadTokens)
}

func TestFromBuffered_NoUsage(t *testing.T) {
	_, ok := FromBuffered("anthropic", []byte(`{"content": []}`))
	assert.False(t, ok)

	_, ok = FromBuffered("anthropic", []byte(`not json`))
	assert.False(t, ok)

	_, ok = FromBuffered("unknown", []byte(`{"usage": {"input_tokens": 1}}`))
	assert.False(t, ok)
}

func TestStreamAccumulator_AnthropicSumsStartAndDelta(t *testing.T) {
	a := NewStreamAccumulator("anthropic")

	a.Offer([]byte(`{"type":"message_start","message":{"usage":{"input_tokens":12,"cache_read_input_tokens":8,"output_tokens":1}}}`))
	a.Offer([]byte(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}`))
	a.Offer([]byte(`{"type":"message_delta","usage":{"output_tokens":40}}`))
	a.Offer([]byte(`{"type":"message_stop"}`))

	u := a.Finalize()
	assert.Equal(t, 12, u.InputTokens)
	assert.Equal(t, 8, u.CacheReadTokens)
	assert.Equal(t, 41, u.OutputTokens, "message_start output is summed with message_delta")
	assert.False(t, u.Estimated)
}

func TestStreamAccumulator_OpenAITerminalChunk(t *testing.T) {
	a := NewStreamAccumulator("openai")

	a.Offer([]byte(`{"choices":[{"delta":{"content":"hi"}}]}`))
	a.Offer([]byte(`{"choices":[],"usage":{"prompt_tokens":9,"completion_tokens":18}}`))

	u := a.Finalize()
	assert.Equal(t, 9, u.InputTokens)
	assert.Equal(t, 18, u.OutputTokens)
	assert.False(t, u.Estimated)
}

func TestStreamAccumulator_GoogleTerminalChunk(t *testing.T) {
	a := NewStreamAccumulator("google")

	a.Offer([]byte(`{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}`))
	a.Offer([]byte(`{"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":11}}`))

	u := a.Finalize()
	assert.Equal(t, 5, u.InputTokens)
	assert.Equal(t, 11, u.OutputTokens)
}

func TestStreamAccumulator_MissingTerminalEstimatesFromBytes(t *testing.T) {
	a := NewStreamAccumulator("anthropic")

	a.Offer([]byte(`{"type":"message_start","message":{"usage":{"input_tokens":12,"cache_read_input_tokens":8}}}`))
	a.AddBytes(100)
	a.AddBytes(60)

	u := a.Finalize()
	assert.Equal(t, 12, u.InputTokens, "input from message_start survives")
	assert.Equal(t, 40, u.OutputTokens, "output estimated as bytes/4")
	assert.True(t, u.Estimated)
}

func TestStreamAccumulator_IgnoresGarbage(t *testing.T) {
	a := NewStreamAccumulator("anthropic")
	a.Offer([]byte(`not json at all`))
	a.AddBytes(8)

	u := a.Finalize()
	assert.Equal(t, 2, u.OutputTokens)
	assert.True(t, u.Estimated)
}
