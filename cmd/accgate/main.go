package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/accgate/accgate/cmd/accgate/commands"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &commands.Options{}

	rootCmd := &cobra.Command{
		Use:   "accgate",
		Short: "accgate management CLI",
		Long: `Manage accgate tenants, API keys, budgets, and routing rules through
direct database access. Connection settings come from flags or the
DATABASE_URL and ACCGATE_KEY_SALT environment variables.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			if opts.DBURL == "" {
				opts.DBURL = os.Getenv("DATABASE_URL")
			}
			if opts.KeySalt == "" {
				opts.KeySalt = os.Getenv("ACCGATE_KEY_SALT")
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.DBURL, "db-url", "", "database URL (default $DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&opts.KeySalt, "key-salt", "", "credential key salt (default $ACCGATE_KEY_SALT)")
	rootCmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "output in JSON format")

	rootCmd.AddCommand(commands.NewTenantCommand(opts))
	rootCmd.AddCommand(commands.NewKeyCommand(opts))
	rootCmd.AddCommand(commands.NewBudgetCommand(opts))
	rootCmd.AddCommand(commands.NewRuleCommand(opts))
	rootCmd.AddCommand(commands.NewSeedCommand(opts))

	return rootCmd
}
