package security

import (
	"context"

	"github.com/accgate/accgate/internal/models"
)

// ToolAbuseDetector flags tool_use blocks naming tools the effective policy
// disallows. The engine fills Event.DisallowedTools from the resolved policy.
type ToolAbuseDetector struct{}

func NewToolAbuseDetector() *ToolAbuseDetector { return &ToolAbuseDetector{} }

func (d *ToolAbuseDetector) Name() string       { return "tool_abuse" }
func (d *ToolAbuseDetector) ThreatType() string { return ThreatToolAbuse }
func (d *ToolAbuseDetector) Mode() Mode         { return ModeSync }
func (d *ToolAbuseDetector) Priority() int      { return 15 }

func (d *ToolAbuseDetector) Inspect(ctx context.Context, event *Event) (*Detection, error) {
	if len(event.ToolNames) == 0 || len(event.DisallowedTools) == 0 {
		return nil, nil
	}

	disallowed := make(map[string]struct{}, len(event.DisallowedTools))
	for _, name := range event.DisallowedTools {
		disallowed[name] = struct{}{}
	}

	for _, name := range event.ToolNames {
		if _, ok := disallowed[name]; ok {
			return &Detection{
				ThreatType: ThreatToolAbuse,
				Severity:   models.SeverityHigh,
				Confidence: 1.0,
				Source:     models.SourceRule,
				Evidence:   map[string]interface{}{"tool": name},
			}, nil
		}
	}
	return nil, nil
}
