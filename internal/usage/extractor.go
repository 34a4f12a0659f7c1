package usage

import (
	"encoding/json"

	"github.com/accgate/accgate/internal/pricing"
)

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

type openaiUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

type googleUsage struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount"`
}

// FromBuffered extracts token usage from a complete response body. The second
// return is false when the body carries no recognizable usage block.
func FromBuffered(provider string, body []byte) (pricing.Usage, bool) {
	switch provider {
	case "anthropic":
		var resp struct {
			Usage *anthropicUsage `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil || resp.Usage == nil {
			return pricing.Usage{}, false
		}
		return pricing.Usage{
			InputTokens:         resp.Usage.InputTokens,
			OutputTokens:        resp.Usage.OutputTokens,
			CacheCreationTokens: resp.Usage.CacheCreationInputTokens,
			CacheReadTokens:     resp.Usage.CacheReadInputTokens,
		}, true

	case "openai":
		var resp struct {
			Usage *openaiUsage `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil || resp.Usage == nil {
			return pricing.Usage{}, false
		}
		return pricing.Usage{
			InputTokens:     resp.Usage.PromptTokens,
			OutputTokens:    resp.Usage.CompletionTokens,
			CacheReadTokens: resp.Usage.PromptTokensDetails.CachedTokens,
		}, true

	case "google":
		var resp struct {
			UsageMetadata *googleUsage `json:"usageMetadata"`
		}
		if err := json.Unmarshal(body, &resp); err != nil || resp.UsageMetadata == nil {
			return pricing.Usage{}, false
		}
		return pricing.Usage{
			InputTokens:     resp.UsageMetadata.PromptTokenCount,
			OutputTokens:    resp.UsageMetadata.CandidatesTokenCount,
			CacheReadTokens: resp.UsageMetadata.CachedContentTokenCount,
		}, true
	}

	return pricing.Usage{}, false
}
