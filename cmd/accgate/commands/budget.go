package commands

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/accgate/accgate/internal/models"
)

func NewBudgetCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Manage spend budgets",
	}
	cmd.AddCommand(newBudgetCreateCommand(opts))
	cmd.AddCommand(newBudgetListCommand(opts))
	return cmd
}

func newBudgetCreateCommand(opts *Options) *cobra.Command {
	var (
		tenantRef, name, scope, scopeKey string
		period, onBreach, downgradeModel string
		limit                            string
		warnPct, criticalPct             int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.openDB()
			if err != nil {
				return err
			}
			tenant, err := resolveTenant(db, tenantRef)
			if err != nil {
				return err
			}

			limitUSD, err := decimal.NewFromString(limit)
			if err != nil {
				return fmt.Errorf("invalid limit %q: %w", limit, err)
			}
			if models.BreachAction(onBreach) == models.BreachDowngrade && downgradeModel == "" {
				return fmt.Errorf("--downgrade-model is required when --on-breach is downgrade")
			}

			budget := models.Budget{
				TenantID:    tenant.ID,
				Name:        name,
				Scope:       models.BudgetScope(scope),
				Period:      models.BudgetPeriod(period),
				LimitUSD:    limitUSD,
				ResetAt:     firstReset(models.BudgetPeriod(period)),
				OnBreach:    models.BreachAction(onBreach),
				WarnPct:     warnPct,
				CriticalPct: criticalPct,
				Active:      true,
			}
			if scopeKey != "" {
				budget.ScopeKey = &scopeKey
			}
			if downgradeModel != "" {
				budget.DowngradeModel = &downgradeModel
			}

			if err := db.Create(&budget).Error; err != nil {
				return fmt.Errorf("failed to create budget: %w", err)
			}

			printResult(opts, budget, func() {
				fmt.Printf("Created %s budget %q for tenant %s: $%s per %s, on breach %s\n",
					budget.Scope, budget.Name, tenant.Name, budget.LimitUSD, budget.Period, budget.OnBreach)
			})
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenantRef, "tenant", "t", "", "tenant name or ID (required)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "budget name (required)")
	cmd.Flags().StringVar(&limit, "limit", "", "spend limit in USD (required)")
	cmd.Flags().StringVar(&scope, "scope", "global", "scope (global, agent, model, workflow)")
	cmd.Flags().StringVar(&scopeKey, "scope-key", "", "agent ID, model, or workflow the scope applies to")
	cmd.Flags().StringVar(&period, "period", "monthly", "reset period (daily, weekly, monthly)")
	cmd.Flags().StringVar(&onBreach, "on-breach", "alert", "breach action (alert, block, downgrade)")
	cmd.Flags().StringVar(&downgradeModel, "downgrade-model", "", "model to downgrade to on breach")
	cmd.Flags().IntVar(&warnPct, "warn-pct", 80, "warning threshold percent")
	cmd.Flags().IntVar(&criticalPct, "critical-pct", 100, "critical threshold percent")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("limit")

	return cmd
}

func newBudgetListCommand(opts *Options) *cobra.Command {
	var tenantRef string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List budgets with current spend",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.openDB()
			if err != nil {
				return err
			}
			tenant, err := resolveTenant(db, tenantRef)
			if err != nil {
				return err
			}

			var budgets []models.Budget
			if err := db.Where("tenant_id = ?", tenant.ID).Order("created_at").Find(&budgets).Error; err != nil {
				return fmt.Errorf("failed to list budgets: %w", err)
			}

			printResult(opts, budgets, func() {
				fmt.Printf("%-20s %-8s %-8s %10s %12s %6s %-10s %-8s\n",
					"NAME", "SCOPE", "PERIOD", "LIMIT", "SPEND", "PCT", "ON_BREACH", "ACTIVE")
				for _, b := range budgets {
					fmt.Printf("%-20s %-8s %-8s %10s %12s %5.1f%% %-10s %-8t\n",
						b.Name, b.Scope, b.Period, b.LimitUSD.StringFixed(2),
						b.CurrentSpend.StringFixed(6), b.SpendPct(), b.OnBreach, b.Active)
				}
			})
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenantRef, "tenant", "t", "", "tenant name or ID (required)")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

// firstReset aligns the initial reset to the next period boundary.
func firstReset(period models.BudgetPeriod) time.Time {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch period {
	case models.BudgetPeriodDaily:
		return midnight.AddDate(0, 0, 1)
	case models.BudgetPeriodWeekly:
		days := (8 - int(now.Weekday())) % 7
		if days == 0 {
			days = 7
		}
		return midnight.AddDate(0, 0, days)
	default:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	}
}
