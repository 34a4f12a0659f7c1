package security

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/accgate/accgate/internal/models"
)

var (
	detectorSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accgate_security_detector_skips_total",
		Help: "Sync detectors skipped because the phase wall budget was exhausted.",
	}, []string{"detector"})

	asyncDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "accgate_security_async_drops_total",
		Help: "Async detector submissions dropped because the queue was full.",
	})

	detectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accgate_security_detections_total",
		Help: "Detections by threat type and resolved action.",
	}, []string{"threat_type", "action"})
)

type Config struct {
	DB             *gorm.DB
	Defaults       Policy
	RequestBudget  time.Duration
	ResponseBudget time.Duration
	AsyncQueueSize int
	AsyncWorkers   int
	Logger         *zap.Logger
}

// ScanResult aggregates sync detections for one event into a single action.
type ScanResult struct {
	Action          ActionType
	Detections      []*Detection
	TriggeringType  string
	RedactedPayload []byte
}

// Engine owns detector lifecycle. Sync detectors run in the request path
// under a wall budget; async detectors consume a bounded queue and may kill
// in-flight streams through the registry.
type Engine struct {
	db             *gorm.DB
	policies       *policyStore
	killRegistry   *KillRegistry
	requestBudget  time.Duration
	responseBudget time.Duration
	logger         *zap.Logger

	syncDetectors  []Detector
	asyncDetectors []Detector
	asyncQueue     chan *Event
}

func NewEngine(cfg *Config, detectors ...Detector) *Engine {
	reqBudget := cfg.RequestBudget
	if reqBudget == 0 {
		reqBudget = 10 * time.Millisecond
	}
	respBudget := cfg.ResponseBudget
	if respBudget == 0 {
		respBudget = 10 * time.Millisecond
	}
	queueSize := cfg.AsyncQueueSize
	if queueSize == 0 {
		queueSize = 1024
	}
	workers := cfg.AsyncWorkers
	if workers == 0 {
		workers = 2
	}

	logger := cfg.Logger.Named("security")
	e := &Engine{
		db:             cfg.DB,
		policies:       newPolicyStore(cfg.DB, cfg.Defaults, logger),
		killRegistry:   NewKillRegistry(),
		requestBudget:  reqBudget,
		responseBudget: respBudget,
		logger:         logger,
		asyncQueue:     make(chan *Event, queueSize),
	}

	for _, d := range detectors {
		if d.Mode() == ModeAsync {
			e.asyncDetectors = append(e.asyncDetectors, d)
		} else {
			e.syncDetectors = append(e.syncDetectors, d)
		}
	}
	sort.SliceStable(e.syncDetectors, func(i, j int) bool {
		return e.syncDetectors[i].Priority() < e.syncDetectors[j].Priority()
	})

	for i := 0; i < workers; i++ {
		go e.asyncWorker()
	}

	return e
}

func (e *Engine) Registry() *KillRegistry { return e.killRegistry }

// ScanRequest runs sync detectors against an inbound request.
func (e *Engine) ScanRequest(ctx context.Context, event *Event) ScanResult {
	return e.scan(ctx, event, e.requestBudget)
}

// ScanResponseChunk runs sync detectors against one relayed response chunk.
func (e *Engine) ScanResponseChunk(ctx context.Context, event *Event) ScanResult {
	return e.scan(ctx, event, e.responseBudget)
}

func (e *Engine) scan(ctx context.Context, event *Event, budget time.Duration) ScanResult {
	policy := e.policies.PolicyFor(ctx, event.TenantID, event.AgentID)
	if policy.Level == models.DetectionDisabled {
		return ScanResult{Action: ActionNone}
	}
	event.DisallowedTools = policy.DisallowedTools

	deadline := time.Now().Add(budget)
	result := ScanResult{Action: ActionNone}

	for _, d := range e.syncDetectors {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			detectorSkips.WithLabelValues(d.Name()).Inc()
			e.logger.Debug("detector skipped, budget exhausted",
				zap.String("detector", d.Name()),
				zap.String("request_id", event.RequestID))
			continue
		}

		detCtx, cancel := context.WithTimeout(ctx, remaining)
		detection, err := d.Inspect(detCtx, event)
		cancel()

		if err != nil {
			// A failing detector never fails the request.
			e.persistEvent(event, &Detection{
				ThreatType: ThreatDetectorError,
				Severity:   models.SeverityInfo,
				Source:     models.SourceRule,
				Evidence:   map[string]interface{}{"detector": d.Name(), "error": err.Error()},
			}, ActionLog)
			continue
		}
		if detection == nil {
			continue
		}

		action := resolveAction(detection, event.Direction, policy)
		detectionsTotal.WithLabelValues(detection.ThreatType, string(action)).Inc()
		e.persistEvent(event, detection, action)

		result.Detections = append(result.Detections, detection)
		if restrictiveness[action] > restrictiveness[result.Action] {
			result.Action = action
			result.TriggeringType = detection.ThreatType
		}
		if action == ActionRedact && detection.RedactedPayload != nil {
			result.RedactedPayload = detection.RedactedPayload
		}
	}

	return result
}

// SubmitAsync offers an event to the async detectors without blocking. A full
// queue drops the event and bumps the drop counter.
func (e *Engine) SubmitAsync(event *Event) bool {
	select {
	case e.asyncQueue <- event:
		return true
	default:
		asyncDrops.Inc()
		return false
	}
}

func (e *Engine) asyncWorker() {
	for event := range e.asyncQueue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		policy := e.policies.PolicyFor(ctx, event.TenantID, event.AgentID)
		if policy.Level == models.DetectionDisabled {
			cancel()
			continue
		}
		event.DisallowedTools = policy.DisallowedTools

		for _, d := range e.asyncDetectors {
			detection, err := d.Inspect(ctx, event)
			if err != nil {
				e.logger.Debug("async detector error",
					zap.String("detector", d.Name()), zap.Error(err))
				continue
			}
			if detection == nil {
				continue
			}

			action := resolveAction(detection, event.Direction, policy)
			detectionsTotal.WithLabelValues(detection.ThreatType, string(action)).Inc()
			e.persistEvent(event, detection, action)

			// Async kills race the stream pump; if the stream already ended
			// the kill is a no-op.
			if action == ActionKill {
				e.killRegistry.Kill(event.RequestID, detection.ThreatType)
			}
		}
		cancel()
	}
}

// persistEvent writes a SecurityEvent row off the hot path.
func (e *Engine) persistEvent(event *Event, detection *Detection, action ActionType) {
	if e.db == nil {
		return
	}

	row := models.SecurityEvent{
		TenantID:    event.TenantID,
		RequestID:   event.RequestID,
		Direction:   event.Direction,
		ThreatType:  detection.ThreatType,
		Severity:    detection.Severity,
		Confidence:  detection.Confidence,
		Source:      detection.Source,
		ActionTaken: string(action),
	}
	if event.AgentID != "" {
		agentID := event.AgentID
		row.AgentID = &agentID
	}
	if detection.Evidence != nil {
		if raw, err := json.Marshal(detection.Evidence); err == nil {
			row.Evidence = datatypes.JSON(raw)
		}
	}

	go func() {
		if err := e.db.Create(&row).Error; err != nil {
			e.logger.Warn("security event persist failed", zap.Error(err))
		}
	}()
}
