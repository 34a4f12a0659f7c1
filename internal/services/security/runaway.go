package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/accgate/accgate/internal/models"
)

// RunawayLoopDetector spots agents stuck in a loop: call-rate spikes per
// minute and hour, and the same payload repeating inside a short window.
type RunawayLoopDetector struct {
	redis         *redis.Client
	logger        *zap.Logger
	PerMinute     int64
	PerHour       int64
	RepeatPayload int64
}

func NewRunawayLoopDetector(client *redis.Client, logger *zap.Logger) *RunawayLoopDetector {
	return &RunawayLoopDetector{
		redis:         client,
		logger:        logger.Named("runaway"),
		PerMinute:     60,
		PerHour:       500,
		RepeatPayload: 5,
	}
}

func (d *RunawayLoopDetector) Name() string       { return "runaway_loop" }
func (d *RunawayLoopDetector) ThreatType() string { return ThreatRunawayLoop }
func (d *RunawayLoopDetector) Mode() Mode         { return ModeSync }
func (d *RunawayLoopDetector) Priority() int      { return 40 }

func (d *RunawayLoopDetector) Inspect(ctx context.Context, event *Event) (*Detection, error) {
	if event.Direction != models.DirectionRequest {
		return nil, nil
	}

	now := time.Now()
	subject := fmt.Sprintf("%s:%s", event.TenantID, event.AgentID)

	minuteKey := fmt.Sprintf("sec:runaway:%s:m:%d", subject, now.Unix()/60)
	perMinute, err := d.bump(ctx, minuteKey, 2*time.Minute)
	if err != nil {
		return nil, err
	}

	hourKey := fmt.Sprintf("sec:runaway:%s:h:%d", subject, now.Unix()/3600)
	perHour, err := d.bump(ctx, hourKey, 2*time.Hour)
	if err != nil {
		return nil, err
	}

	var repeats int64
	if content := strings.Join(event.Contents, "\n"); content != "" {
		sum := sha256.Sum256([]byte(content))
		payloadKey := fmt.Sprintf("sec:runaway:%s:p:%s", subject, hex.EncodeToString(sum[:8]))
		repeats, err = d.bump(ctx, payloadKey, 5*time.Minute)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case repeats >= d.RepeatPayload:
		return d.detection(models.SeverityHigh, 0.85, map[string]interface{}{
			"reason": "repeated_payload", "repeats": repeats,
		}), nil
	case perMinute > d.PerMinute:
		return d.detection(models.SeverityHigh, 0.8, map[string]interface{}{
			"reason": "rate_per_minute", "count": perMinute,
		}), nil
	case perHour > d.PerHour:
		return d.detection(models.SeverityMedium, 0.7, map[string]interface{}{
			"reason": "rate_per_hour", "count": perHour,
		}), nil
	}
	return nil, nil
}

func (d *RunawayLoopDetector) bump(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := d.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("runaway counter failed: %w", err)
	}
	if count == 1 {
		if err := d.redis.Expire(ctx, key, ttl).Err(); err != nil {
			d.logger.Debug("counter expiry failed", zap.Error(err))
		}
	}
	return count, nil
}

func (d *RunawayLoopDetector) detection(sev models.Severity, conf float64, evidence map[string]interface{}) *Detection {
	return &Detection{
		ThreatType: ThreatRunawayLoop,
		Severity:   sev,
		Confidence: conf,
		Source:     models.SourceHeuristic,
		Evidence:   evidence,
	}
}
