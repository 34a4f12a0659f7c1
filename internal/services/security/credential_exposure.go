package security

import (
	"context"
	"math"
	"regexp"
	"strings"

	"github.com/accgate/accgate/internal/models"
)

type credentialPattern struct {
	pattern *regexp.Regexp
	label   string
}

var credentialPatterns = []credentialPattern{
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}\b`), "openai_api_key"},
	{regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{20,}\b`), "anthropic_api_key"},
	{regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), "aws_access_key"},
	{regexp.MustCompile(`\bghp_[A-Za-z0-9]{36}\b`), "github_token"},
	{regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`), "slack_token"},
	{regexp.MustCompile(`\bAIza[A-Za-z0-9_-]{35}\b`), "google_api_key"},
	{regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH |)PRIVATE KEY-----`), "private_key_pem"},
}

// entropyCandidate matches long unbroken secret-shaped tokens worth an
// entropy check.
var entropyCandidate = regexp.MustCompile(`\b[A-Za-z0-9+/_=-]{32,}\b`)

// CredentialExposureDetector finds API keys, private key material, and
// high-entropy strings in either direction. On the response path the default
// remedy is redaction; explicit key matches escalate to critical.
type CredentialExposureDetector struct {
	EntropyThreshold float64
}

func NewCredentialExposureDetector() *CredentialExposureDetector {
	return &CredentialExposureDetector{EntropyThreshold: 4.5}
}

func (d *CredentialExposureDetector) Name() string       { return "credential_exposure" }
func (d *CredentialExposureDetector) ThreatType() string { return ThreatCredentialExposure }
func (d *CredentialExposureDetector) Mode() Mode         { return ModeSync }
func (d *CredentialExposureDetector) Priority() int      { return 20 }

func (d *CredentialExposureDetector) Inspect(ctx context.Context, event *Event) (*Detection, error) {
	text := string(event.Payload)
	if text == "" {
		text = strings.Join(event.Contents, "\n")
	}
	if text == "" {
		return nil, nil
	}

	for _, cp := range credentialPatterns {
		if match := cp.pattern.FindString(text); match != "" {
			det := &Detection{
				ThreatType: ThreatCredentialExposure,
				Severity:   models.SeverityCritical,
				Confidence: 0.97,
				Source:     models.SourceRule,
				Evidence: map[string]interface{}{
					"pattern": cp.label,
					"preview": redactMatch(match),
				},
			}
			if len(event.Payload) > 0 {
				det.RedactedPayload = []byte(cp.pattern.ReplaceAllString(text, "[REDACTED]"))
			}
			return det, nil
		}
	}

	for _, candidate := range entropyCandidate.FindAllString(text, 10) {
		if shannonEntropy(candidate) >= d.EntropyThreshold {
			det := &Detection{
				ThreatType: ThreatCredentialExposure,
				Severity:   models.SeverityHigh,
				Confidence: 0.6,
				Source:     models.SourceHeuristic,
				Evidence: map[string]interface{}{
					"pattern": "high_entropy_string",
					"entropy": shannonEntropy(candidate),
				},
			}
			if len(event.Payload) > 0 {
				det.RedactedPayload = []byte(strings.ReplaceAll(text, candidate, "[REDACTED]"))
			}
			return det, nil
		}
	}

	return nil, nil
}

func redactMatch(s string) string {
	if len(s) <= 8 {
		return "[REDACTED]"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	for _, r := range s {
		freq[r]++
	}
	n := float64(len(s))
	entropy := 0.0
	for _, count := range freq {
		p := float64(count) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}
