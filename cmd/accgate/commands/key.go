package commands

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/accgate/accgate/internal/models"
)

func NewKeyCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys",
		Long:  "Create, list, and revoke tenant API keys. Only the salted fingerprint is stored; the secret is printed once at creation.",
	}
	cmd.AddCommand(newKeyCreateCommand(opts))
	cmd.AddCommand(newKeyListCommand(opts))
	cmd.AddCommand(newKeyRevokeCommand(opts))
	return cmd
}

func newKeyCreateCommand(opts *Options) *cobra.Command {
	var tenantRef, name string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.KeySalt == "" {
				return fmt.Errorf("no key salt configured: set --key-salt or ACCGATE_KEY_SALT")
			}

			db, err := opts.openDB()
			if err != nil {
				return err
			}
			tenant, err := resolveTenant(db, tenantRef)
			if err != nil {
				return err
			}

			secret, err := generateSecret()
			if err != nil {
				return err
			}

			cred := models.Credential{
				KeyFingerprint: fingerprint(secret, opts.KeySalt),
				Name:           name,
				TenantID:       tenant.ID,
				Active:         true,
			}
			if err := db.Create(&cred).Error; err != nil {
				return fmt.Errorf("failed to create key: %w", err)
			}

			printResult(opts, map[string]string{
				"secret":      secret,
				"fingerprint": cred.KeyFingerprint,
				"tenant":      tenant.Name,
			}, func() {
				fmt.Printf("Created key %q for tenant %s\n", name, tenant.Name)
				fmt.Printf("Secret (shown once, store it now): %s\n", secret)
				fmt.Printf("Fingerprint: %s\n", cred.KeyFingerprint)
			})
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenantRef, "tenant", "t", "", "tenant name or ID (required)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "key name (required)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newKeyListCommand(opts *Options) *cobra.Command {
	var tenantRef string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.openDB()
			if err != nil {
				return err
			}

			query := db.Order("created_at")
			if tenantRef != "" {
				tenant, err := resolveTenant(db, tenantRef)
				if err != nil {
					return err
				}
				query = query.Where("tenant_id = ?", tenant.ID)
			}

			var creds []models.Credential
			if err := query.Find(&creds).Error; err != nil {
				return fmt.Errorf("failed to list keys: %w", err)
			}

			printResult(opts, creds, func() {
				fmt.Printf("%-20s %-66s %-8s\n", "NAME", "FINGERPRINT", "ACTIVE")
				for _, c := range creds {
					fmt.Printf("%-20s %-66s %-8t\n", c.Name, c.KeyFingerprint, c.Active)
				}
			})
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenantRef, "tenant", "t", "", "filter by tenant name or ID")
	return cmd
}

func newKeyRevokeCommand(opts *Options) *cobra.Command {
	var fp string

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke an API key by fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.openDB()
			if err != nil {
				return err
			}

			result := db.Model(&models.Credential{}).
				Where("key_fingerprint = ?", fp).
				Update("active", false)
			if result.Error != nil {
				return fmt.Errorf("failed to revoke key: %w", result.Error)
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("no key with fingerprint %s", fp)
			}

			// The gateway's in-memory auth cache expires within its TTL;
			// revocation is effective everywhere within a minute.
			fmt.Printf("Revoked key %s\n", fp)
			return nil
		},
	}

	cmd.Flags().StringVar(&fp, "fingerprint", "", "key fingerprint (required)")
	_ = cmd.MarkFlagRequired("fingerprint")

	return cmd
}

func fingerprint(secret, salt string) string {
	sum := sha256.Sum256([]byte(secret + salt))
	return hex.EncodeToString(sum[:])
}

func generateSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return "acc-" + hex.EncodeToString(buf), nil
}
