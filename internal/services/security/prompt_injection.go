package security

import (
	"context"
	"regexp"
	"strings"

	"github.com/accgate/accgate/internal/models"
)

type injectionRule struct {
	pattern    *regexp.Regexp
	severity   models.Severity
	confidence float64
	label      string
}

var injectionRules = []injectionRule{
	{regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions`), models.SeverityHigh, 0.9, "instruction_override"},
	{regexp.MustCompile(`(?i)disregard\s+(your|the)\s+(system\s+)?prompt`), models.SeverityHigh, 0.9, "instruction_override"},
	{regexp.MustCompile(`(?i)you\s+are\s+now\s+(DAN|in\s+developer\s+mode)`), models.SeverityHigh, 0.85, "jailbreak_persona"},
	{regexp.MustCompile(`(?i)pretend\s+(you\s+have|there\s+are)\s+no\s+(rules|restrictions|guidelines)`), models.SeverityMedium, 0.7, "jailbreak_persona"},
	{regexp.MustCompile(`(?i)reveal\s+(your|the)\s+system\s+prompt`), models.SeverityMedium, 0.75, "prompt_extraction"},
	{regexp.MustCompile(`(?i)repeat\s+everything\s+(above|before)\s+this`), models.SeverityMedium, 0.6, "prompt_extraction"},
	{regexp.MustCompile(`(?i)\bbase64\s+decode\s+and\s+execute\b`), models.SeverityHigh, 0.8, "encoded_payload"},
	{regexp.MustCompile(`(?i)new\s+instructions?\s*:\s*`), models.SeverityLow, 0.4, "instruction_injection"},
}

// PromptInjectionDetector matches known jailbreak and instruction-override
// phrasings in user content.
type PromptInjectionDetector struct{}

func NewPromptInjectionDetector() *PromptInjectionDetector { return &PromptInjectionDetector{} }

func (d *PromptInjectionDetector) Name() string       { return "prompt_injection" }
func (d *PromptInjectionDetector) ThreatType() string { return ThreatPromptInjection }
func (d *PromptInjectionDetector) Mode() Mode         { return ModeSync }
func (d *PromptInjectionDetector) Priority() int      { return 10 }

func (d *PromptInjectionDetector) Inspect(ctx context.Context, event *Event) (*Detection, error) {
	content := strings.Join(event.Contents, "\n")
	if content == "" {
		return nil, nil
	}

	var best *Detection
	for _, rule := range injectionRules {
		if !rule.pattern.MatchString(content) {
			continue
		}
		det := &Detection{
			ThreatType: ThreatPromptInjection,
			Severity:   rule.severity,
			Confidence: rule.confidence,
			Source:     models.SourceRule,
			Evidence:   map[string]interface{}{"rule": rule.label},
		}
		if best == nil || det.Confidence > best.Confidence {
			best = det
		}
	}
	return best, nil
}
