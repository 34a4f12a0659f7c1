package security

import (
	"context"
	"fmt"
	"math"

	"github.com/accgate/accgate/internal/models"
)

// AnomalyDetector compares per-request volume against the tenant's rolling
// baseline. It runs async only; baselines need history, not latency.
type AnomalyDetector struct {
	baselines *BaselineStore
	ZScoreMax float64
}

func NewAnomalyDetector(baselines *BaselineStore) *AnomalyDetector {
	return &AnomalyDetector{baselines: baselines, ZScoreMax: 3.0}
}

func (d *AnomalyDetector) Name() string       { return "anomaly" }
func (d *AnomalyDetector) ThreatType() string { return ThreatAnomaly }
func (d *AnomalyDetector) Mode() Mode         { return ModeAsync }
func (d *AnomalyDetector) Priority() int      { return 50 }

func (d *AnomalyDetector) Inspect(ctx context.Context, event *Event) (*Detection, error) {
	metric := "response_bytes"
	if event.Direction == models.DirectionRequest {
		metric = "request_bytes"
	}
	value := float64(event.ResponseBytes)
	if value == 0 {
		value = float64(len(event.Payload))
	}
	tenant := event.TenantID.String()

	z, ok := d.baselines.ZScore(ctx, tenant, metric, value)

	// The sample always feeds the baseline, anomalous or not.
	if err := d.baselines.Add(ctx, tenant, metric, value); err != nil {
		return nil, fmt.Errorf("baseline update failed: %w", err)
	}

	if !ok || z < d.ZScoreMax {
		return nil, nil
	}

	severity := models.SeverityMedium
	if z >= 2*d.ZScoreMax {
		severity = models.SeverityHigh
	}
	return &Detection{
		ThreatType: ThreatAnomaly,
		Severity:   severity,
		Confidence: math.Min(0.9, 0.5+z/20),
		Source:     models.SourceModel,
		Evidence: map[string]interface{}{
			"metric":  metric,
			"z_score": z,
			"value":   value,
		},
	}, nil
}
