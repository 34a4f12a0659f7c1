package credential

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/accgate/accgate/internal/models"
	"github.com/accgate/accgate/internal/testutil"
)

func TestAuthenticate_AgainstDatabase(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	t.Cleanup(cleanup)

	store := NewStore(&Config{DB: db, KeySalt: "pepper", Logger: zap.NewNop()})

	tenant := &models.Tenant{Name: "acme", Plan: models.PlanTeam}
	require.NoError(t, db.Create(tenant).Error)

	secret := "acc-integration-secret"
	require.NoError(t, db.Create(&models.Credential{
		KeyFingerprint: store.Fingerprint(secret),
		Name:           "ci key",
		TenantID:       tenant.ID,
		Active:         true,
	}).Error)

	ctx := context.Background()

	t.Run("valid secret resolves the tenant", func(t *testing.T) {
		identity, err := store.Authenticate(ctx, secret)
		require.NoError(t, err)
		assert.Equal(t, tenant.ID, identity.TenantID)
		assert.Equal(t, "acme", identity.TenantName)
		assert.Equal(t, models.PlanTeam, identity.Plan)
	})

	t.Run("unknown secret is unauthenticated", func(t *testing.T) {
		_, err := store.Authenticate(ctx, "acc-wrong")
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("revoked key is unauthenticated after cache invalidation", func(t *testing.T) {
		fp := store.Fingerprint(secret)
		require.NoError(t, db.Model(&models.Credential{}).
			Where("key_fingerprint = ?", fp).
			Update("active", false).Error)
		store.Invalidate(fp)

		_, err := store.Authenticate(ctx, secret)
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})
}
