package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/accgate/accgate/internal/models"
	"github.com/accgate/accgate/internal/pricing"
)

type Action string

const (
	ActionAllow     Action = "allow"
	ActionDowngrade Action = "downgrade"
	ActionBlock     Action = "block"
)

// Decision is the outcome of evaluating every budget matching a request.
// Precedence across matched budgets is block > downgrade > allow.
type Decision struct {
	Action         Action
	DowngradeModel string
	BudgetID       uuid.UUID
	BudgetName     string
	Warning        string
}

// Request carries the dimensions a budget scope can match on.
type Request struct {
	TenantID      uuid.UUID
	AgentID       string
	WorkflowID    string
	Provider      string
	Model         string
	EstimatedCost decimal.Decimal
}

type Config struct {
	DB          *gorm.DB
	Redis       *redis.Client
	Pricing     *pricing.Table
	SnapshotTTL time.Duration
	FetchBudget time.Duration
	MaxRetries  int
	Logger      *zap.Logger
}

// Engine evaluates budgets against cached snapshots and settles actual costs
// against the authoritative rows. Only the settlement path mutates spend.
type Engine struct {
	db          *gorm.DB
	redis       *redis.Client
	pricing     *pricing.Table
	snapshotTTL time.Duration
	fetchBudget time.Duration
	maxRetries  int
	logger      *zap.Logger
}

func NewEngine(cfg *Config) *Engine {
	ttl := cfg.SnapshotTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	fetch := cfg.FetchBudget
	if fetch == 0 {
		fetch = 50 * time.Millisecond
	}
	retries := cfg.MaxRetries
	if retries == 0 {
		retries = 5
	}
	return &Engine{
		db:          cfg.DB,
		redis:       cfg.Redis,
		pricing:     cfg.Pricing,
		snapshotTTL: ttl,
		fetchBudget: fetch,
		maxRetries:  retries,
		logger:      cfg.Logger.Named("budget"),
	}
}

// Evaluate decides whether a request may proceed. Store failures fail open
// with a budget_unknown warning rather than blocking the request.
func (e *Engine) Evaluate(ctx context.Context, req Request) Decision {
	snaps, err := e.snapshots(ctx, req.TenantID)
	if err != nil {
		e.logger.Warn("budget evaluation failed open",
			zap.String("tenant_id", req.TenantID.String()),
			zap.Error(err))
		return Decision{Action: ActionAllow, Warning: "budget_unknown"}
	}
	return e.decide(snaps, req)
}

// decide applies threshold and precedence rules over matched snapshots.
// Downgrade fires at the warn threshold, block only at the critical one.
func (e *Engine) decide(snaps []Snapshot, req Request) Decision {
	decision := Decision{Action: ActionAllow}
	var downgradeInputPrice decimal.Decimal

	for _, s := range snaps {
		if !s.Matches(req) {
			continue
		}

		projected := s.CurrentSpend.Add(req.EstimatedCost)
		warn := s.LimitUSD.Mul(decimal.NewFromInt(int64(s.WarnPct))).Div(decimal.NewFromInt(100))
		crit := s.LimitUSD.Mul(decimal.NewFromInt(int64(s.CriticalPct))).Div(decimal.NewFromInt(100))

		switch s.OnBreach {
		case models.BreachBlock:
			if projected.GreaterThanOrEqual(crit) {
				return Decision{Action: ActionBlock, BudgetID: s.ID, BudgetName: s.Name}
			}
		case models.BreachDowngrade:
			if projected.GreaterThanOrEqual(warn) && s.DowngradeModel != "" {
				price := e.pricing.InputPrice(req.Provider, s.DowngradeModel)
				if decision.Action != ActionDowngrade || price.LessThan(downgradeInputPrice) {
					decision = Decision{
						Action:         ActionDowngrade,
						DowngradeModel: s.DowngradeModel,
						BudgetID:       s.ID,
						BudgetName:     s.Name,
					}
					downgradeInputPrice = price
				}
			}
		case models.BreachAlert:
			if projected.GreaterThanOrEqual(warn) && decision.Action == ActionAllow && decision.Warning == "" {
				decision.Warning = "budget_warn"
				decision.BudgetID = s.ID
				decision.BudgetName = s.Name
				e.logger.Warn("budget warn threshold crossed",
					zap.String("budget", s.Name),
					zap.String("projected", projected.StringFixed(6)))
			}
		}
	}

	return decision
}

// Settle debits every matching budget by the actual cost. It is idempotent
// per (request_id, budget_id) and rejects negative deltas.
func (e *Engine) Settle(ctx context.Context, requestID string, req Request, cost decimal.Decimal) error {
	if cost.IsNegative() {
		return fmt.Errorf("negative settlement rejected: %s", cost.String())
	}
	if cost.IsZero() {
		return nil
	}
	if e.db == nil {
		return fmt.Errorf("budget store not configured")
	}

	var budgets []models.Budget
	if err := e.db.WithContext(ctx).
		Where("tenant_id = ? AND active = ?", req.TenantID, true).
		Find(&budgets).Error; err != nil {
		return fmt.Errorf("failed to load budgets: %w", err)
	}

	invalidate := false
	for i := range budgets {
		b := &budgets[i]
		if !snapshotOf(b).Matches(req) {
			continue
		}

		applied, err := e.markSettled(ctx, requestID, b.ID)
		if err != nil {
			return fmt.Errorf("idempotency marker failed: %w", err)
		}
		if !applied {
			continue
		}

		if err := e.db.WithContext(ctx).Model(&models.Budget{}).
			Where("id = ?", b.ID).
			UpdateColumn("current_spend", gorm.Expr("current_spend + ?", cost)).Error; err != nil {
			e.clearSettled(ctx, requestID, b.ID)
			return fmt.Errorf("failed to debit budget %s: %w", b.Name, err)
		}

		if crossesThreshold(b, cost) {
			invalidate = true
		}
	}

	if invalidate {
		if err := e.redis.Del(ctx, snapshotKey(req.TenantID)).Err(); err != nil {
			e.logger.Warn("snapshot invalidation failed", zap.Error(err))
		}
	}
	return nil
}

// crossesThreshold reports whether adding cost moves spend across the warn or
// critical percentage of the limit.
func crossesThreshold(b *models.Budget, cost decimal.Decimal) bool {
	if b.LimitUSD.IsZero() {
		return false
	}
	pre := b.CurrentSpend
	post := pre.Add(cost)
	for _, pct := range []int{b.WarnPct, b.CriticalPct} {
		threshold := b.LimitUSD.Mul(decimal.NewFromInt(int64(pct))).Div(decimal.NewFromInt(100))
		if pre.LessThan(threshold) && post.GreaterThanOrEqual(threshold) {
			return true
		}
	}
	return false
}

func settleKey(requestID string, budgetID uuid.UUID) string {
	return fmt.Sprintf("settle:%s:%s", requestID, budgetID)
}

func (e *Engine) markSettled(ctx context.Context, requestID string, budgetID uuid.UUID) (bool, error) {
	return e.redis.SetNX(ctx, settleKey(requestID, budgetID), 1, 24*time.Hour).Result()
}

func (e *Engine) clearSettled(ctx context.Context, requestID string, budgetID uuid.UUID) {
	if err := e.redis.Del(ctx, settleKey(requestID, budgetID)).Err(); err != nil {
		e.logger.Warn("failed to clear settlement marker", zap.Error(err))
	}
}
