package security

import (
	"context"

	"github.com/google/uuid"

	"github.com/accgate/accgate/internal/models"
)

// Event is the unit of inspection shared by sync and async detectors: either
// an inbound request or one relayed response chunk.
type Event struct {
	RequestID     string
	TenantID      uuid.UUID
	AgentID       string
	Direction     models.Direction
	Contents      []string
	Payload       []byte
	ToolNames     []string
	ResponseBytes int64

	// DisallowedTools is filled by the engine from the resolved policy before
	// detectors run.
	DisallowedTools []string
}

// Detection is a detector finding. Detectors return findings, never errors
// that fail the request.
type Detection struct {
	ThreatType string
	Severity   models.Severity
	Confidence float64
	Source     models.DetectionSource
	Evidence   map[string]interface{}

	// RedactedPayload, when set, replaces the event payload if the resolved
	// action is redact.
	RedactedPayload []byte
}

type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Detector is the contract every detector implements. Sync detectors run in
// the request path under a wall-time budget; async detectors run out of band
// and may still act on in-flight streams.
type Detector interface {
	Name() string
	ThreatType() string
	Mode() Mode
	Priority() int
	Inspect(ctx context.Context, event *Event) (*Detection, error)
}

// Threat types produced by the built-in detectors.
const (
	ThreatPromptInjection    = "prompt_injection"
	ThreatCredentialExposure = "credential_exposure"
	ThreatExfiltration       = "data_exfiltration"
	ThreatRunawayLoop        = "runaway_loop"
	ThreatToolAbuse          = "tool_abuse"
	ThreatAnomaly            = "anomaly"
	ThreatDetectorError      = "detector_error"
)
