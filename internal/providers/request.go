package providers

import (
	"encoding/json"
	"fmt"
)

// ParsedRequest is the minimal view of an inbound chat body the pipeline
// needs: model selection, streaming flag, user content for estimation and
// scanning, and the agent identity if the client supplied one.
type ParsedRequest struct {
	Model        string
	Stream       bool
	MessageCount int
	Contents     []string
	System       string
	AgentID      string
	ToolNames    []string
}

type inboundMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Name string `json:"name"`
}

// ParseRequest extracts the fields above from a raw Anthropic or OpenAI style
// body. The body itself is forwarded upstream untouched except for model
// rewrites.
func ParseRequest(body []byte) (*ParsedRequest, error) {
	var req struct {
		Model    string           `json:"model"`
		Stream   bool             `json:"stream"`
		System   json.RawMessage  `json:"system"`
		Messages []inboundMessage `json:"messages"`
		Metadata struct {
			AgentID string `json:"agent_id"`
			UserID  string `json:"user_id"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if req.Model == "" {
		return nil, fmt.Errorf("missing model")
	}

	parsed := &ParsedRequest{
		Model:        req.Model,
		Stream:       req.Stream,
		MessageCount: len(req.Messages),
		AgentID:      req.Metadata.AgentID,
	}
	if parsed.AgentID == "" {
		parsed.AgentID = req.Metadata.UserID
	}

	if len(req.System) > 0 {
		var s string
		if err := json.Unmarshal(req.System, &s); err == nil {
			parsed.System = s
		}
	}

	for _, m := range req.Messages {
		text, tools := flattenContent(m.Content)
		if text != "" {
			parsed.Contents = append(parsed.Contents, text)
		}
		parsed.ToolNames = append(parsed.ToolNames, tools...)
	}

	return parsed, nil
}

// flattenContent handles both the plain-string and block-array content forms.
func flattenContent(raw json.RawMessage) (string, []string) {
	if len(raw) == 0 {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", nil
	}

	var text string
	var tools []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if text != "" {
				text += "\n"
			}
			text += b.Text
		case "tool_use":
			tools = append(tools, b.Name)
		}
	}
	return text, tools
}

// RewriteModel replaces the model field in a raw JSON body, preserving all
// other fields for verbatim relay.
func RewriteModel(body []byte, model string) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	encoded, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	doc["model"] = encoded
	return json.Marshal(doc)
}
