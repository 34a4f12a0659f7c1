package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type BudgetScope string

const (
	BudgetScopeGlobal   BudgetScope = "global"
	BudgetScopeAgent    BudgetScope = "agent"
	BudgetScopeModel    BudgetScope = "model"
	BudgetScopeWorkflow BudgetScope = "workflow"
)

type BudgetPeriod string

const (
	BudgetPeriodDaily   BudgetPeriod = "daily"
	BudgetPeriodWeekly  BudgetPeriod = "weekly"
	BudgetPeriodMonthly BudgetPeriod = "monthly"
)

type BreachAction string

const (
	BreachAlert     BreachAction = "alert"
	BreachBlock     BreachAction = "block"
	BreachDowngrade BreachAction = "downgrade"
)

type Budget struct {
	BaseModel
	TenantID       uuid.UUID       `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Name           string          `gorm:"not null" json:"name"`
	Scope          BudgetScope     `gorm:"not null;default:global" json:"scope"`
	ScopeKey       *string         `json:"scope_key,omitempty"`
	Period         BudgetPeriod    `gorm:"not null" json:"period"`
	LimitUSD       decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"limit_usd"`
	CurrentSpend   decimal.Decimal `gorm:"type:numeric(16,6);default:0" json:"current_spend"`
	ResetAt        time.Time       `gorm:"not null" json:"reset_at"`
	OnBreach       BreachAction    `gorm:"not null;default:alert" json:"on_breach"`
	DowngradeModel *string         `json:"downgrade_model,omitempty"`
	WarnPct        int             `gorm:"default:80" json:"warn_pct"`
	CriticalPct    int             `gorm:"default:100" json:"critical_pct"`
	Active         bool            `gorm:"default:true" json:"active"`

	Tenant *Tenant `gorm:"foreignKey:TenantID" json:"-"`
}

func (b *Budget) SpendPct() float64 {
	if b.LimitUSD.IsZero() {
		return 0
	}
	pct, _ := b.CurrentSpend.Div(b.LimitUSD).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

func (b *Budget) IsExceeded() bool {
	return b.CurrentSpend.GreaterThanOrEqual(b.LimitUSD)
}

// PeriodExpired reports whether the budget period has rolled over.
func (b *Budget) PeriodExpired(now time.Time) bool {
	return !now.Before(b.ResetAt)
}

// NextResetAt advances ResetAt past now in whole periods. Multiple periods may
// have elapsed since the last evaluation.
func (b *Budget) NextResetAt(now time.Time) time.Time {
	next := b.ResetAt
	for !now.Before(next) {
		switch b.Period {
		case BudgetPeriodDaily:
			next = next.AddDate(0, 0, 1)
		case BudgetPeriodWeekly:
			next = next.AddDate(0, 0, 7)
		case BudgetPeriodMonthly:
			next = next.AddDate(0, 1, 0)
		default:
			return now.AddDate(0, 0, 1)
		}
	}
	return next
}
