package security

import (
	"context"
	"regexp"

	"github.com/accgate/accgate/internal/models"
)

var base64Blob = regexp.MustCompile(`[A-Za-z0-9+/]{512,}={0,2}`)

// ExfiltrationDetector flags responses whose size or embedded base64 payloads
// suggest bulk data movement.
type ExfiltrationDetector struct {
	MaxResponseBytes int64
	MaxBase64Bytes   int
}

func NewExfiltrationDetector() *ExfiltrationDetector {
	return &ExfiltrationDetector{
		MaxResponseBytes: 2 << 20, // 2 MiB
		MaxBase64Bytes:   8 << 10, // 8 KiB
	}
}

func (d *ExfiltrationDetector) Name() string       { return "exfiltration" }
func (d *ExfiltrationDetector) ThreatType() string { return ThreatExfiltration }
func (d *ExfiltrationDetector) Mode() Mode         { return ModeSync }
func (d *ExfiltrationDetector) Priority() int      { return 30 }

func (d *ExfiltrationDetector) Inspect(ctx context.Context, event *Event) (*Detection, error) {
	if event.Direction != models.DirectionResponse {
		return nil, nil
	}

	if event.ResponseBytes > d.MaxResponseBytes {
		return &Detection{
			ThreatType: ThreatExfiltration,
			Severity:   models.SeverityHigh,
			Confidence: 0.7,
			Source:     models.SourceHeuristic,
			Evidence: map[string]interface{}{
				"reason":         "response_size",
				"response_bytes": event.ResponseBytes,
			},
		}, nil
	}

	if blob := base64Blob.FindString(string(event.Payload)); len(blob) > d.MaxBase64Bytes {
		return &Detection{
			ThreatType: ThreatExfiltration,
			Severity:   models.SeverityMedium,
			Confidence: 0.6,
			Source:     models.SourceHeuristic,
			Evidence: map[string]interface{}{
				"reason":     "base64_blob",
				"blob_bytes": len(blob),
			},
		}, nil
	}

	return nil, nil
}
