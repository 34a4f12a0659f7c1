package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/accgate/accgate/internal/database"
)

func NewSeedCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Seed a development tenant, key, and budget",
		Long:  "Creates a dev tenant with one API key and a monthly budget if the database is empty. Prints the generated secret once.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.KeySalt == "" {
				return fmt.Errorf("no key salt configured: set --key-salt or ACCGATE_KEY_SALT")
			}

			db, err := opts.openDB()
			if err != nil {
				return err
			}
			if err := database.Migrate(db); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			secret, err := database.NewSeeder(db, opts.KeySalt).SeedDev()
			if err != nil {
				return err
			}
			if secret == "" {
				fmt.Println("Database already seeded, nothing to do")
				return nil
			}

			fmt.Println("Seeded dev tenant with a $100 monthly budget")
			fmt.Printf("API key (shown once, store it now): %s\n", secret)
			return nil
		},
	}
}
