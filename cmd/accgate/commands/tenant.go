package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/accgate/accgate/internal/models"
)

func NewTenantCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}
	cmd.AddCommand(newTenantCreateCommand(opts))
	cmd.AddCommand(newTenantListCommand(opts))
	return cmd
}

func newTenantCreateCommand(opts *Options) *cobra.Command {
	var name, plan string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.openDB()
			if err != nil {
				return err
			}

			tenant := models.Tenant{
				Name: name,
				Plan: models.PlanTier(plan),
			}
			if err := db.Create(&tenant).Error; err != nil {
				return fmt.Errorf("failed to create tenant: %w", err)
			}

			printResult(opts, tenant, func() {
				fmt.Printf("Created tenant %s (%s, plan %s)\n", tenant.Name, tenant.ID, tenant.Plan)
			})
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "tenant name (required)")
	cmd.Flags().StringVar(&plan, "plan", "free", "plan tier (free, pro, team, enterprise)")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newTenantListCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.openDB()
			if err != nil {
				return err
			}

			var tenants []models.Tenant
			if err := db.Order("created_at").Find(&tenants).Error; err != nil {
				return fmt.Errorf("failed to list tenants: %w", err)
			}

			printResult(opts, tenants, func() {
				fmt.Printf("%-38s %-20s %-10s\n", "ID", "NAME", "PLAN")
				for _, t := range tenants {
					fmt.Printf("%-38s %-20s %-10s\n", t.ID, t.Name, t.Plan)
				}
			})
			return nil
		},
	}
}
