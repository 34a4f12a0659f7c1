package security

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/accgate/accgate/internal/models"
)

// Policy is the effective enforcement posture for a (tenant, agent) pair.
type Policy struct {
	Level             models.DetectionLevel
	AutoKillEnabled   bool
	AutoKillThreshold float64
	DisallowedTools   []string
}

// baseAction maps a detection to its undegraded action. Severity carries most
// of the weight; threat type picks the response class.
func baseAction(d *Detection, direction models.Direction) ActionType {
	switch d.ThreatType {
	case ThreatPromptInjection:
		switch d.Severity {
		case models.SeverityCritical, models.SeverityHigh:
			return ActionBlock
		case models.SeverityMedium:
			return ActionAlert
		default:
			return ActionLog
		}
	case ThreatCredentialExposure:
		if direction == models.DirectionResponse {
			if d.Severity == models.SeverityCritical {
				return ActionKill
			}
			return ActionRedact
		}
		if d.Severity == models.SeverityCritical || d.Severity == models.SeverityHigh {
			return ActionBlock
		}
		return ActionAlert
	case ThreatExfiltration:
		switch d.Severity {
		case models.SeverityCritical:
			return ActionKill
		case models.SeverityHigh:
			return ActionBlock
		case models.SeverityMedium:
			return ActionThrottle
		default:
			return ActionLog
		}
	case ThreatRunawayLoop:
		if d.Severity == models.SeverityCritical {
			return ActionKill
		}
		return ActionThrottle
	case ThreatToolAbuse:
		return ActionBlock
	case ThreatAnomaly:
		if d.Severity == models.SeverityHigh || d.Severity == models.SeverityCritical {
			return ActionAlert
		}
		return ActionLog
	}
	return ActionLog
}

// resolveAction applies the detection level and kill gating to a base action.
// monitor degrades everything to log; warn degrades blocking actions to
// alert; kill additionally needs the auto-kill flag and confidence gate.
func resolveAction(d *Detection, direction models.Direction, p Policy) ActionType {
	action := baseAction(d, direction)

	switch p.Level {
	case models.DetectionDisabled:
		return ActionNone
	case models.DetectionMonitor:
		return ActionLog
	case models.DetectionWarn:
		if action.Blocking() {
			return ActionAlert
		}
		return action
	}

	if action == ActionKill {
		if !p.AutoKillEnabled || d.Confidence < p.AutoKillThreshold {
			return ActionBlock
		}
	}
	return action
}

type policyCacheEntry struct {
	policy  Policy
	expires time.Time
}

// policyStore resolves AgentPolicy rows with a short in-memory cache. An
// agent-specific row overrides the tenant default row; neither existing
// yields the configured process defaults.
type policyStore struct {
	db       *gorm.DB
	defaults Policy
	ttl      time.Duration
	logger   *zap.Logger

	mu    sync.RWMutex
	cache map[string]policyCacheEntry
}

func newPolicyStore(db *gorm.DB, defaults Policy, logger *zap.Logger) *policyStore {
	return &policyStore{
		db:       db,
		defaults: defaults,
		ttl:      30 * time.Second,
		logger:   logger,
		cache:    make(map[string]policyCacheEntry),
	}
}

func (s *policyStore) PolicyFor(ctx context.Context, tenantID uuid.UUID, agentID string) Policy {
	key := fmt.Sprintf("%s:%s", tenantID, agentID)

	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.policy
	}

	policy := s.load(ctx, tenantID, agentID)

	s.mu.Lock()
	s.cache[key] = policyCacheEntry{policy: policy, expires: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	return policy
}

func (s *policyStore) load(ctx context.Context, tenantID uuid.UUID, agentID string) Policy {
	if s.db == nil {
		return s.defaults
	}

	var row models.AgentPolicy
	if agentID != "" {
		err := s.db.WithContext(ctx).
			Where("tenant_id = ? AND agent_id = ?", tenantID, agentID).
			First(&row).Error
		if err == nil {
			return fromModel(&row)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn("agent policy lookup failed", zap.Error(err))
			return s.defaults
		}
	}

	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND agent_id IS NULL", tenantID).
		First(&row).Error
	if err == nil {
		return fromModel(&row)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Warn("tenant policy lookup failed", zap.Error(err))
	}
	return s.defaults
}

func fromModel(row *models.AgentPolicy) Policy {
	return Policy{
		Level:             row.DetectionLevel,
		AutoKillEnabled:   row.AutoKillEnabled,
		AutoKillThreshold: row.AutoKillThreshold,
		DisallowedTools:   row.DisallowedTools,
	}
}
