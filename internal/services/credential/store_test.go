package credential

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFingerprint_SaltedAndDeterministic(t *testing.T) {
	a := NewStore(&Config{KeySalt: "salt-a", Logger: zap.NewNop()})
	b := NewStore(&Config{KeySalt: "salt-b", Logger: zap.NewNop()})

	fp1 := a.Fingerprint("acc-secret")
	fp2 := a.Fingerprint("acc-secret")
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 64, "hex-encoded sha256")

	assert.NotEqual(t, fp1, b.Fingerprint("acc-secret"), "salt changes the fingerprint")
	assert.NotEqual(t, fp1, a.Fingerprint("acc-other"))
}

func TestAuthenticate_EmptySecret(t *testing.T) {
	s := NewStore(&Config{KeySalt: "salt", Logger: zap.NewNop()})

	_, err := s.Authenticate(context.Background(), "")
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticate_CacheHitSkipsStore(t *testing.T) {
	// No DB is wired; a cache hit must resolve without touching it.
	s := NewStore(&Config{KeySalt: "salt", CacheTTL: time.Minute, Logger: zap.NewNop()})

	identity := Identity{
		CredentialID: uuid.New(),
		TenantID:     uuid.New(),
		TenantName:   "acme",
		Fingerprint:  s.Fingerprint("acc-secret"),
	}
	s.cache[identity.Fingerprint] = cacheEntry{
		identity: identity,
		expires:  time.Now().Add(time.Minute),
	}

	got, err := s.Authenticate(context.Background(), "acc-secret")
	require.NoError(t, err)
	assert.Equal(t, identity.TenantID, got.TenantID)
	assert.Equal(t, "acme", got.TenantName)
}

func TestAuthenticate_ExpiredCacheEntryIgnored(t *testing.T) {
	s := NewStore(&Config{KeySalt: "salt", CacheTTL: time.Minute, Logger: zap.NewNop()})

	fp := s.Fingerprint("acc-secret")
	s.cache[fp] = cacheEntry{
		identity: Identity{Fingerprint: fp},
		expires:  time.Now().Add(-time.Second),
	}

	_, ok := s.cached(fp)
	assert.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	s := NewStore(&Config{KeySalt: "salt", Logger: zap.NewNop()})

	fp := s.Fingerprint("acc-secret")
	s.cache[fp] = cacheEntry{identity: Identity{Fingerprint: fp}, expires: time.Now().Add(time.Minute)}

	s.Invalidate(fp)
	_, ok := s.cached(fp)
	assert.False(t, ok)
}
