package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/accgate/accgate/internal/models"
)

// Input is the request view routing conditions match against.
type Input struct {
	Provider      string
	Model         string
	MessageCount  int
	Contents      []string
	TokenEstimate int
	AgentID       string
	Now           time.Time

	// Available reports whether a provider is configured. A nil check treats
	// every provider as available.
	Available func(provider string) bool
}

// Result records what the router did, for response headers and the usage log.
type Result struct {
	OriginalModel  string
	Routed         bool
	RuleID         uuid.UUID
	Reason         string
	TargetProvider string
	TargetModel    string
}

type Config struct {
	DB       *gorm.DB
	Redis    *redis.Client
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// Router evaluates tenant routing rules in (priority, created_at) order; the
// first active match rewrites the target model.
type Router struct {
	db       *gorm.DB
	redis    *redis.Client
	cacheTTL time.Duration
	logger   *zap.Logger
}

func New(cfg *Config) *Router {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &Router{
		db:       cfg.DB,
		redis:    cfg.Redis,
		cacheTTL: ttl,
		logger:   cfg.Logger.Named("routing"),
	}
}

// Route applies the first matching rule. Rule-loading failures leave the
// request unrouted; routing is an optimization, never a gate.
func (r *Router) Route(ctx context.Context, tenantID uuid.UUID, in Input) Result {
	result := Result{
		OriginalModel:  in.Model,
		TargetProvider: in.Provider,
		TargetModel:    in.Model,
	}

	rules, err := r.rules(ctx, tenantID)
	if err != nil {
		r.logger.Warn("rule load failed, request unrouted",
			zap.String("tenant_id", tenantID.String()), zap.Error(err))
		return result
	}

	for i := range rules {
		rule := &rules[i]
		if !rule.Active {
			continue
		}
		reason, ok := r.matches(rule, in)
		if !ok {
			continue
		}

		target, targetModel := rule.TargetProvider, rule.TargetModel
		if in.Available != nil && !in.Available(target) {
			if rule.FallbackProvider == nil || rule.FallbackModel == nil || !in.Available(*rule.FallbackProvider) {
				r.logger.Warn("rule target unavailable, rule skipped",
					zap.String("rule_id", rule.ID.String()),
					zap.String("target_provider", target))
				continue
			}
			target, targetModel = *rule.FallbackProvider, *rule.FallbackModel
			reason += ", fallback target"
		}

		result.Routed = true
		result.RuleID = rule.ID
		result.Reason = reason
		result.TargetProvider = target
		result.TargetModel = targetModel
		r.recordApplied(rule.ID)
		return result
	}

	return result
}

// matches evaluates a rule's condition document. Absent condition fields do
// not constrain the match; the first failing field rejects the rule.
func (r *Router) matches(rule *models.RoutingRule, in Input) (string, bool) {
	var cond models.RuleCondition
	if len(rule.Condition) > 0 {
		if err := json.Unmarshal(rule.Condition, &cond); err != nil {
			r.logger.Warn("unparseable rule condition",
				zap.String("rule_id", rule.ID.String()), zap.Error(err))
			return "", false
		}
	}

	if cond.SourceModelRegex != "" {
		re, err := regexp.Compile(cond.SourceModelRegex)
		if err != nil || !re.MatchString(in.Model) {
			return "", false
		}
	}
	if cond.MinMessages > 0 && in.MessageCount < cond.MinMessages {
		return "", false
	}
	if cond.TokenEstimateMax > 0 && in.TokenEstimate > cond.TokenEstimateMax {
		return "", false
	}
	if cond.AgentID != "" && cond.AgentID != in.AgentID {
		return "", false
	}
	if len(cond.ContentKeywords) > 0 && !containsAnyKeyword(in.Contents, cond.ContentKeywords) {
		return "", false
	}
	if cond.TimeOfDayRange != "" && !inTimeRange(cond.TimeOfDayRange, in.Now) {
		return "", false
	}

	return fmt.Sprintf("rule %q matched", rule.Name), true
}

func containsAnyKeyword(contents, keywords []string) bool {
	joined := strings.ToLower(strings.Join(contents, "\n"))
	for _, kw := range keywords {
		if kw != "" && strings.Contains(joined, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// inTimeRange checks "HH:MM-HH:MM" ranges; ranges crossing midnight wrap.
func inTimeRange(spec string, now time.Time) bool {
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return false
	}
	start, err1 := time.Parse("15:04", strings.TrimSpace(parts[0]))
	end, err2 := time.Parse("15:04", strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return false
	}

	minutes := now.Hour()*60 + now.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()

	if startMin <= endMin {
		return minutes >= startMin && minutes < endMin
	}
	return minutes >= startMin || minutes < endMin
}

func rulesKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("routing:rules:%s", tenantID)
}

// rules returns the tenant's rules through the Redis read-through cache.
func (r *Router) rules(ctx context.Context, tenantID uuid.UUID) ([]models.RoutingRule, error) {
	raw, err := r.redis.Get(ctx, rulesKey(tenantID)).Bytes()
	if err == nil {
		var rules []models.RoutingRule
		if err := json.Unmarshal(raw, &rules); err == nil {
			return rules, nil
		}
	} else if err != redis.Nil {
		r.logger.Debug("rule cache fetch failed", zap.Error(err))
	}

	if r.db == nil {
		return nil, fmt.Errorf("rule store not configured")
	}

	var rules []models.RoutingRule
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("priority asc, created_at asc").
		Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to load routing rules: %w", err)
	}

	if raw, err := json.Marshal(rules); err == nil {
		if err := r.redis.Set(ctx, rulesKey(tenantID), raw, r.cacheTTL).Err(); err != nil {
			r.logger.Debug("rule cache store failed", zap.Error(err))
		}
	}

	return rules, nil
}

// Invalidate drops a tenant's cached rules after a rule change.
func (r *Router) Invalidate(ctx context.Context, tenantID uuid.UUID) error {
	return r.redis.Del(ctx, rulesKey(tenantID)).Err()
}

// recordApplied bumps rule statistics off the hot path.
func (r *Router) recordApplied(ruleID uuid.UUID) {
	if r.db == nil {
		return
	}
	go func() {
		if err := r.db.Model(&models.RoutingRule{}).
			Where("id = ?", ruleID).
			UpdateColumn("times_applied", gorm.Expr("times_applied + 1")).Error; err != nil {
			r.logger.Debug("rule stats update failed", zap.Error(err))
		}
	}()
}

// RecordSavings accumulates a rule's estimated savings once actual usage is
// known at settlement.
func (r *Router) RecordSavings(ruleID uuid.UUID, savings decimal.Decimal) {
	if r.db == nil || !savings.IsPositive() {
		return
	}
	go func() {
		if err := r.db.Model(&models.RoutingRule{}).
			Where("id = ?", ruleID).
			UpdateColumn("estimated_savings", gorm.Expr("estimated_savings + ?", savings)).Error; err != nil {
			r.logger.Debug("rule savings update failed", zap.Error(err))
		}
	}()
}
