package budget

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/accgate/accgate/internal/models"
	"github.com/accgate/accgate/internal/pricing"
)

func newTestEngine(t *testing.T) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewEngine(&Config{
		Redis:   client,
		Pricing: pricing.NewTable(zap.NewNop()),
		Logger:  zap.NewNop(),
	}), mr
}

func usd(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSnapshotMatches(t *testing.T) {
	req := Request{
		TenantID:   uuid.New(),
		AgentID:    "agent-1",
		WorkflowID: "wf-1",
		Model:      "claude-sonnet",
	}

	tests := []struct {
		name  string
		snap  Snapshot
		match bool
	}{
		{"global always matches", Snapshot{Scope: models.BudgetScopeGlobal}, true},
		{"agent match", Snapshot{Scope: models.BudgetScopeAgent, ScopeKey: "agent-1"}, true},
		{"agent mismatch", Snapshot{Scope: models.BudgetScopeAgent, ScopeKey: "agent-2"}, false},
		{"agent empty key never matches", Snapshot{Scope: models.BudgetScopeAgent}, false},
		{"model match", Snapshot{Scope: models.BudgetScopeModel, ScopeKey: "claude-sonnet"}, true},
		{"model mismatch", Snapshot{Scope: models.BudgetScopeModel, ScopeKey: "gpt-4o"}, false},
		{"workflow match", Snapshot{Scope: models.BudgetScopeWorkflow, ScopeKey: "wf-1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.match, tt.snap.Matches(req))
		})
	}
}

func TestDecide_BlockAtCritical(t *testing.T) {
	e, _ := newTestEngine(t)

	snaps := []Snapshot{{
		ID:           uuid.New(),
		Name:         "Monthly",
		Scope:        models.BudgetScopeGlobal,
		LimitUSD:     usd("1.00"),
		CurrentSpend: usd("1.00"),
		OnBreach:     models.BreachBlock,
		WarnPct:      80,
		CriticalPct:  100,
	}}

	d := e.decide(snaps, Request{Model: "claude-sonnet", EstimatedCost: usd("0.001")})
	assert.Equal(t, ActionBlock, d.Action)
	assert.Equal(t, "Monthly", d.BudgetName)
}

func TestDecide_BlockNotTriggeredBelowCritical(t *testing.T) {
	e, _ := newTestEngine(t)

	snaps := []Snapshot{{
		Name:         "Monthly",
		Scope:        models.BudgetScopeGlobal,
		LimitUSD:     usd("1.00"),
		CurrentSpend: usd("0.50"),
		OnBreach:     models.BreachBlock,
		WarnPct:      80,
		CriticalPct:  100,
	}}

	d := e.decide(snaps, Request{EstimatedCost: usd("0.001")})
	assert.Equal(t, ActionAllow, d.Action)
}

func TestDecide_DowngradeAtWarn(t *testing.T) {
	e, _ := newTestEngine(t)

	snaps := []Snapshot{{
		Name:           "Monthly",
		Scope:          models.BudgetScopeGlobal,
		LimitUSD:       usd("1.00"),
		CurrentSpend:   usd("0.95"),
		OnBreach:       models.BreachDowngrade,
		DowngradeModel: "claude-haiku",
		WarnPct:        80,
		CriticalPct:    100,
	}}

	d := e.decide(snaps, Request{Provider: "anthropic", Model: "claude-sonnet", EstimatedCost: usd("0.0001")})
	assert.Equal(t, ActionDowngrade, d.Action)
	assert.Equal(t, "claude-haiku", d.DowngradeModel)
}

func TestDecide_BlockWinsOverDowngrade(t *testing.T) {
	e, _ := newTestEngine(t)

	snaps := []Snapshot{
		{
			Name:           "Soft",
			Scope:          models.BudgetScopeGlobal,
			LimitUSD:       usd("1.00"),
			CurrentSpend:   usd("0.95"),
			OnBreach:       models.BreachDowngrade,
			DowngradeModel: "claude-haiku",
			WarnPct:        80,
			CriticalPct:    100,
		},
		{
			Name:         "Hard",
			Scope:        models.BudgetScopeGlobal,
			LimitUSD:     usd("0.90"),
			CurrentSpend: usd("0.95"),
			OnBreach:     models.BreachBlock,
			WarnPct:      80,
			CriticalPct:  100,
		},
	}

	d := e.decide(snaps, Request{Provider: "anthropic", EstimatedCost: usd("0.001")})
	assert.Equal(t, ActionBlock, d.Action)
	assert.Equal(t, "Hard", d.BudgetName)
}

func TestDecide_CheapestDowngradeTargetWins(t *testing.T) {
	e, _ := newTestEngine(t)

	base := Snapshot{
		Scope:        models.BudgetScopeGlobal,
		LimitUSD:     usd("1.00"),
		CurrentSpend: usd("0.95"),
		OnBreach:     models.BreachDowngrade,
		WarnPct:      80,
		CriticalPct:  100,
	}
	sonnet := base
	sonnet.Name = "A"
	sonnet.DowngradeModel = "claude-sonnet"
	haiku := base
	haiku.Name = "B"
	haiku.DowngradeModel = "claude-haiku"

	d := e.decide([]Snapshot{sonnet, haiku}, Request{Provider: "anthropic", EstimatedCost: usd("0.001")})
	assert.Equal(t, ActionDowngrade, d.Action)
	assert.Equal(t, "claude-haiku", d.DowngradeModel, "cheapest input price wins")

	// Order independence.
	d = e.decide([]Snapshot{haiku, sonnet}, Request{Provider: "anthropic", EstimatedCost: usd("0.001")})
	assert.Equal(t, "claude-haiku", d.DowngradeModel)
}

func TestDecide_AlertRecordsWarning(t *testing.T) {
	e, _ := newTestEngine(t)

	snaps := []Snapshot{{
		Name:         "Monthly",
		Scope:        models.BudgetScopeGlobal,
		LimitUSD:     usd("1.00"),
		CurrentSpend: usd("0.85"),
		OnBreach:     models.BreachAlert,
		WarnPct:      80,
		CriticalPct:  100,
	}}

	d := e.decide(snaps, Request{EstimatedCost: usd("0.001")})
	assert.Equal(t, ActionAllow, d.Action)
	assert.Equal(t, "budget_warn", d.Warning)
}

func TestEvaluate_UsesCachedSnapshots(t *testing.T) {
	e, mr := newTestEngine(t)
	tenantID := uuid.New()

	snaps := []Snapshot{{
		ID:           uuid.New(),
		Name:         "Monthly",
		Scope:        models.BudgetScopeGlobal,
		LimitUSD:     usd("1.00"),
		CurrentSpend: usd("1.00"),
		OnBreach:     models.BreachBlock,
		WarnPct:      80,
		CriticalPct:  100,
	}}
	raw, err := json.Marshal(snaps)
	require.NoError(t, err)
	require.NoError(t, mr.Set(snapshotKey(tenantID), string(raw)))

	d := e.Evaluate(context.Background(), Request{
		TenantID:      tenantID,
		Model:         "claude-sonnet",
		EstimatedCost: usd("0.001"),
	})
	assert.Equal(t, ActionBlock, d.Action)
	assert.Equal(t, "Monthly", d.BudgetName)
}

func TestEvaluate_FailsOpenWhenStoreUnreachable(t *testing.T) {
	e, mr := newTestEngine(t)
	mr.Close()

	d := e.Evaluate(context.Background(), Request{TenantID: uuid.New()})
	assert.Equal(t, ActionAllow, d.Action)
	assert.Equal(t, "budget_unknown", d.Warning)
}

func TestSettle_RejectsNegative(t *testing.T) {
	e, _ := newTestEngine(t)

	err := e.Settle(context.Background(), "req-1", Request{TenantID: uuid.New()}, usd("-0.01"))
	assert.Error(t, err)
}

func TestSettle_ZeroCostIsNoop(t *testing.T) {
	e, _ := newTestEngine(t)

	err := e.Settle(context.Background(), "req-1", Request{TenantID: uuid.New()}, decimal.Zero)
	assert.NoError(t, err)
}

func TestMarkSettled_Idempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	budgetID := uuid.New()

	first, err := e.markSettled(ctx, "req-1", budgetID)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := e.markSettled(ctx, "req-1", budgetID)
	require.NoError(t, err)
	assert.False(t, second, "second settlement of the same request is a no-op")

	other, err := e.markSettled(ctx, "req-2", budgetID)
	require.NoError(t, err)
	assert.True(t, other, "a different request settles independently")
}

func TestCrossesThreshold(t *testing.T) {
	b := &models.Budget{
		LimitUSD:     usd("1.00"),
		CurrentSpend: usd("0.79"),
		WarnPct:      80,
		CriticalPct:  100,
	}

	assert.True(t, crossesThreshold(b, usd("0.02")), "crosses warn")
	assert.False(t, crossesThreshold(b, usd("0.005")), "stays below warn")

	b.CurrentSpend = usd("0.99")
	assert.True(t, crossesThreshold(b, usd("0.02")), "crosses critical")

	b.LimitUSD = decimal.Zero
	assert.False(t, crossesThreshold(b, usd("1")))
}

func TestEnqueueRetry_BacksOffExponentially(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	p := PendingSettlement{
		RequestID: "req-1",
		Request:   Request{TenantID: uuid.New()},
		Cost:      usd("0.5"),
	}
	require.NoError(t, e.EnqueueRetry(ctx, p))

	pending, dead := e.RetryQueueDepth(ctx)
	assert.Equal(t, int64(1), pending)
	assert.Equal(t, int64(0), dead)

	// Not yet due: nothing within the next second.
	members, err := e.redis.ZRangeByScore(ctx, retryQueueKey, &redis.ZRangeBy{
		Min: "-inf", Max: "+inf",
	}).Result()
	require.NoError(t, err)
	require.Len(t, members, 1)

	var stored PendingSettlement
	require.NoError(t, json.Unmarshal([]byte(members[0]), &stored))
	assert.Equal(t, 1, stored.Attempts)
	assert.False(t, stored.EnqueuedAt.IsZero())
}

func TestProcessRetries_SkipsUndueItems(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.EnqueueRetry(ctx, PendingSettlement{
		RequestID: "req-1",
		Request:   Request{TenantID: uuid.New()},
		Cost:      usd("0.5"),
	}))

	// First attempt is due 10s out; an immediate drain processes nothing.
	processed, err := e.ProcessRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)

	pending, _ := e.RetryQueueDepth(ctx)
	assert.Equal(t, int64(1), pending)
}

func TestNextResetAt_AdvancesWholePeriods(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := &models.Budget{Period: models.BudgetPeriodDaily, ResetAt: start}

	now := start.Add(49 * time.Hour)
	next := b.NextResetAt(now)
	assert.Equal(t, start.AddDate(0, 0, 3), next, "skips elapsed periods")

	b = &models.Budget{Period: models.BudgetPeriodMonthly, ResetAt: start}
	next = b.NextResetAt(start.Add(time.Hour))
	assert.Equal(t, start.AddDate(0, 1, 0), next)
}
