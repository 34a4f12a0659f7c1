package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/accgate/accgate/internal/models"
)

// Snapshot is the cached evaluation view of a budget. Decisions read
// snapshots, never the authoritative row; over-commit is bounded by the
// snapshot TTL and corrected at settlement.
type Snapshot struct {
	ID             uuid.UUID           `json:"id"`
	Name           string              `json:"name"`
	Scope          models.BudgetScope  `json:"scope"`
	ScopeKey       string              `json:"scope_key,omitempty"`
	LimitUSD       decimal.Decimal     `json:"limit_usd"`
	CurrentSpend   decimal.Decimal     `json:"current_spend"`
	OnBreach       models.BreachAction `json:"on_breach"`
	DowngradeModel string              `json:"downgrade_model,omitempty"`
	WarnPct        int                 `json:"warn_pct"`
	CriticalPct    int                 `json:"critical_pct"`
}

// Matches reports whether this budget's scope applies to the request.
func (s Snapshot) Matches(req Request) bool {
	switch s.Scope {
	case models.BudgetScopeGlobal:
		return true
	case models.BudgetScopeAgent:
		return s.ScopeKey != "" && s.ScopeKey == req.AgentID
	case models.BudgetScopeModel:
		return s.ScopeKey != "" && s.ScopeKey == req.Model
	case models.BudgetScopeWorkflow:
		return s.ScopeKey != "" && s.ScopeKey == req.WorkflowID
	}
	return false
}

func snapshotOf(b *models.Budget) Snapshot {
	s := Snapshot{
		ID:           b.ID,
		Name:         b.Name,
		Scope:        b.Scope,
		LimitUSD:     b.LimitUSD,
		CurrentSpend: b.CurrentSpend,
		OnBreach:     b.OnBreach,
		WarnPct:      b.WarnPct,
		CriticalPct:  b.CriticalPct,
	}
	if b.ScopeKey != nil {
		s.ScopeKey = *b.ScopeKey
	}
	if b.DowngradeModel != nil {
		s.DowngradeModel = *b.DowngradeModel
	}
	return s
}

func snapshotKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("budget:snap:%s", tenantID)
}

// snapshots returns the tenant's budget snapshots, read through the Redis
// cache. Cache misses load from the database, applying period rollover first.
func (e *Engine) snapshots(ctx context.Context, tenantID uuid.UUID) ([]Snapshot, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchBudget)
	defer cancel()

	raw, err := e.redis.Get(fetchCtx, snapshotKey(tenantID)).Bytes()
	if err == nil {
		var snaps []Snapshot
		if err := json.Unmarshal(raw, &snaps); err == nil {
			return snaps, nil
		}
	} else if err != redis.Nil {
		e.logger.Debug("snapshot cache fetch failed", zap.Error(err))
	}

	if e.db == nil {
		return nil, fmt.Errorf("budget store not configured")
	}

	var budgets []models.Budget
	if err := e.db.WithContext(ctx).
		Where("tenant_id = ? AND active = ?", tenantID, true).
		Find(&budgets).Error; err != nil {
		return nil, fmt.Errorf("failed to load budgets: %w", err)
	}

	now := time.Now()
	snaps := make([]Snapshot, 0, len(budgets))
	for i := range budgets {
		b := &budgets[i]
		if b.PeriodExpired(now) {
			if err := e.rollover(ctx, b, now); err != nil {
				e.logger.Error("budget rollover failed",
					zap.String("budget", b.Name), zap.Error(err))
			}
		}
		snaps = append(snaps, snapshotOf(b))
	}

	if raw, err := json.Marshal(snaps); err == nil {
		if err := e.redis.Set(ctx, snapshotKey(tenantID), raw, e.snapshotTTL).Err(); err != nil {
			e.logger.Debug("snapshot cache store failed", zap.Error(err))
		}
	}

	return snaps, nil
}

// rollover resets spend and advances the reset instant by whole periods.
func (e *Engine) rollover(ctx context.Context, b *models.Budget, now time.Time) error {
	next := b.NextResetAt(now)
	err := e.db.WithContext(ctx).Model(&models.Budget{}).
		Where("id = ? AND reset_at = ?", b.ID, b.ResetAt).
		Updates(map[string]interface{}{
			"current_spend": decimal.Zero,
			"reset_at":      next,
		}).Error
	if err != nil {
		return err
	}
	b.CurrentSpend = decimal.Zero
	b.ResetAt = next
	return nil
}
