package usage

import (
	"encoding/json"

	"github.com/accgate/accgate/internal/pricing"
)

// StreamAccumulator folds SSE data payloads into a usage total. Anthropic
// reports input usage on message_start and the final output count on
// message_delta; the two are summed. OpenAI and Google report a single
// terminal usage chunk.
type StreamAccumulator struct {
	provider    string
	usage       pricing.Usage
	sawInput    bool
	sawTerminal bool
	bytes       int64
}

func NewStreamAccumulator(provider string) *StreamAccumulator {
	return &StreamAccumulator{provider: provider}
}

// Offer parses one SSE data payload. Payloads that are not valid JSON or
// carry no usage information are ignored.
func (a *StreamAccumulator) Offer(payload []byte) {
	switch a.provider {
	case "anthropic":
		a.offerAnthropic(payload)
	case "openai":
		a.offerOpenAI(payload)
	case "google":
		a.offerGoogle(payload)
	}
}

func (a *StreamAccumulator) offerAnthropic(payload []byte) {
	var event struct {
		Type    string `json:"type"`
		Message *struct {
			Usage *anthropicUsage `json:"usage"`
		} `json:"message"`
		Usage *anthropicUsage `json:"usage"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return
	}

	switch event.Type {
	case "message_start":
		if event.Message == nil || event.Message.Usage == nil {
			return
		}
		u := event.Message.Usage
		a.usage.InputTokens = u.InputTokens
		a.usage.CacheCreationTokens = u.CacheCreationInputTokens
		a.usage.CacheReadTokens = u.CacheReadInputTokens
		a.usage.OutputTokens += u.OutputTokens
		a.sawInput = true
	case "message_delta":
		if event.Usage == nil {
			return
		}
		a.usage.OutputTokens += event.Usage.OutputTokens
		a.sawTerminal = true
	}
}

func (a *StreamAccumulator) offerOpenAI(payload []byte) {
	var chunk struct {
		Usage *openaiUsage `json:"usage"`
	}
	if err := json.Unmarshal(payload, &chunk); err != nil || chunk.Usage == nil {
		return
	}
	a.usage.InputTokens = chunk.Usage.PromptTokens
	a.usage.OutputTokens = chunk.Usage.CompletionTokens
	a.usage.CacheReadTokens = chunk.Usage.PromptTokensDetails.CachedTokens
	a.sawInput = true
	a.sawTerminal = true
}

func (a *StreamAccumulator) offerGoogle(payload []byte) {
	var chunk struct {
		UsageMetadata *googleUsage `json:"usageMetadata"`
	}
	if err := json.Unmarshal(payload, &chunk); err != nil || chunk.UsageMetadata == nil {
		return
	}
	a.usage.InputTokens = chunk.UsageMetadata.PromptTokenCount
	a.usage.OutputTokens = chunk.UsageMetadata.CandidatesTokenCount
	a.usage.CacheReadTokens = chunk.UsageMetadata.CachedContentTokenCount
	a.sawInput = true
	a.sawTerminal = true
}

// AddBytes records relayed payload bytes for the estimation fallback.
func (a *StreamAccumulator) AddBytes(n int) {
	a.bytes += int64(n)
}

// Finalize returns the accumulated usage. A stream that ended without a
// terminal usage event gets its output estimated from relayed bytes.
func (a *StreamAccumulator) Finalize() pricing.Usage {
	u := a.usage
	if !a.sawTerminal {
		u.OutputTokens = int(a.bytes / 4)
		u.Estimated = true
	}
	return u
}
