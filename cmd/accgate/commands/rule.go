package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gorm.io/datatypes"

	"github.com/accgate/accgate/internal/models"
)

func NewRuleCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage routing rules",
		Long:  "Routing rules rewrite the target model for matching requests, evaluated in priority order.",
	}
	cmd.AddCommand(newRuleCreateCommand(opts))
	cmd.AddCommand(newRuleListCommand(opts))
	return cmd
}

func newRuleCreateCommand(opts *Options) *cobra.Command {
	var (
		tenantRef, name                string
		targetProvider, targetModel    string
		sourceRegex, keywords, agentID string
		timeRange                      string
		priority, minMessages, tokMax  int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a routing rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.openDB()
			if err != nil {
				return err
			}
			tenant, err := resolveTenant(db, tenantRef)
			if err != nil {
				return err
			}

			condition := models.RuleCondition{
				SourceModelRegex: sourceRegex,
				MinMessages:      minMessages,
				TokenEstimateMax: tokMax,
				TimeOfDayRange:   timeRange,
				AgentID:          agentID,
			}
			if keywords != "" {
				condition.ContentKeywords = strings.Split(keywords, ",")
			}
			raw, err := json.Marshal(condition)
			if err != nil {
				return fmt.Errorf("failed to encode condition: %w", err)
			}

			rule := models.RoutingRule{
				TenantID:       tenant.ID,
				Name:           name,
				Priority:       priority,
				Condition:      datatypes.JSON(raw),
				TargetProvider: targetProvider,
				TargetModel:    targetModel,
				Active:         true,
			}
			if err := db.Create(&rule).Error; err != nil {
				return fmt.Errorf("failed to create rule: %w", err)
			}

			printResult(opts, rule, func() {
				fmt.Printf("Created rule %q (priority %d) for tenant %s -> %s/%s\n",
					rule.Name, rule.Priority, tenant.Name, rule.TargetProvider, rule.TargetModel)
			})
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenantRef, "tenant", "t", "", "tenant name or ID (required)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "rule name (required)")
	cmd.Flags().IntVar(&priority, "priority", 100, "evaluation priority, lower first")
	cmd.Flags().StringVar(&targetProvider, "target-provider", "", "provider to route to (required)")
	cmd.Flags().StringVar(&targetModel, "target-model", "", "model to route to (required)")
	cmd.Flags().StringVar(&sourceRegex, "source-model-regex", "", "regex on the requested model")
	cmd.Flags().IntVar(&minMessages, "min-messages", 0, "minimum conversation length")
	cmd.Flags().StringVar(&keywords, "keywords", "", "comma-separated content keywords")
	cmd.Flags().IntVar(&tokMax, "token-estimate-max", 0, "maximum estimated input tokens")
	cmd.Flags().StringVar(&timeRange, "time-range", "", "HH:MM-HH:MM active window")
	cmd.Flags().StringVar(&agentID, "agent", "", "restrict to a specific agent ID")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("target-provider")
	_ = cmd.MarkFlagRequired("target-model")

	return cmd
}

func newRuleListCommand(opts *Options) *cobra.Command {
	var tenantRef string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List routing rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.openDB()
			if err != nil {
				return err
			}
			tenant, err := resolveTenant(db, tenantRef)
			if err != nil {
				return err
			}

			var rules []models.RoutingRule
			if err := db.Where("tenant_id = ?", tenant.ID).
				Order("priority asc, created_at asc").
				Find(&rules).Error; err != nil {
				return fmt.Errorf("failed to list rules: %w", err)
			}

			printResult(opts, rules, func() {
				fmt.Printf("%-20s %8s %-30s %10s %-8s\n", "NAME", "PRIORITY", "TARGET", "APPLIED", "ACTIVE")
				for _, r := range rules {
					fmt.Printf("%-20s %8d %-30s %10d %-8t\n",
						r.Name, r.Priority, r.TargetProvider+"/"+r.TargetModel, r.TimesApplied, r.Active)
				}
			})
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenantRef, "tenant", "t", "", "tenant name or ID (required)")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}
