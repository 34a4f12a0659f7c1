package routing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/accgate/accgate/internal/models"
	"github.com/accgate/accgate/internal/testutil"
)

func TestRuleStatistics_AccumulateInDatabase(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	t.Cleanup(cleanup)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	tenant := &models.Tenant{Name: "acme-" + t.Name(), Plan: models.PlanPro}
	require.NoError(t, db.Create(tenant).Error)

	rule := &models.RoutingRule{
		TenantID:       tenant.ID,
		Name:           "cheap-default",
		Priority:       10,
		TargetProvider: "anthropic",
		TargetModel:    "claude-haiku",
		Active:         true,
	}
	require.NoError(t, db.Create(rule).Error)

	r := New(&Config{DB: db, Redis: rdb, Logger: zap.NewNop()})

	res := r.Route(context.Background(), tenant.ID, Input{
		Provider: "anthropic",
		Model:    "claude-sonnet",
	})
	require.True(t, res.Routed)

	r.RecordSavings(rule.ID, decimal.RequireFromString("0.000150"))
	r.RecordSavings(rule.ID, decimal.RequireFromString("0.000100"))

	// Stat updates run off the hot path.
	assert.Eventually(t, func() bool {
		var reloaded models.RoutingRule
		if err := db.First(&reloaded, "id = ?", rule.ID).Error; err != nil {
			return false
		}
		return reloaded.TimesApplied == 1 &&
			reloaded.EstimatedSavings.Equal(decimal.RequireFromString("0.000250"))
	}, 5*time.Second, 50*time.Millisecond, "times_applied and estimated_savings accumulate")
}
