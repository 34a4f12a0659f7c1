package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/accgate/accgate/internal/models"
)

var (
	// ErrUnauthenticated means the presented secret matched no active credential.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrAuthUnavailable means the authoritative store could not be reached.
	// It must surface as 503, never as a deny.
	ErrAuthUnavailable = errors.New("auth store unavailable")
)

// Identity is the authenticated caller resolved from an API key.
type Identity struct {
	CredentialID uuid.UUID
	TenantID     uuid.UUID
	TenantName   string
	Plan         models.PlanTier
	Fingerprint  string
}

type Config struct {
	DB       *gorm.DB
	KeySalt  string
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// Store authenticates presented secrets against the credential table through
// a short-TTL in-memory cache. Negative results are never cached.
type Store struct {
	db     *gorm.DB
	salt   string
	ttl    time.Duration
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	identity Identity
	expires  time.Time
}

func NewStore(cfg *Config) *Store {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	return &Store{
		db:     cfg.DB,
		salt:   cfg.KeySalt,
		ttl:    ttl,
		logger: cfg.Logger.Named("credential"),
		cache:  make(map[string]cacheEntry),
	}
}

// Fingerprint hashes a presented secret with the process salt. The
// fingerprint indexes the credential table; it is not an authorizer on its
// own, a row must also be active.
func (s *Store) Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret + s.salt))
	return hex.EncodeToString(sum[:])
}

func (s *Store) Authenticate(ctx context.Context, secret string) (*Identity, error) {
	if secret == "" {
		return nil, ErrUnauthenticated
	}
	fingerprint := s.Fingerprint(secret)

	if id, ok := s.cached(fingerprint); ok {
		return &id, nil
	}

	var cred models.Credential
	err := s.db.WithContext(ctx).
		Preload("Tenant").
		Where("key_fingerprint = ? AND active = ?", fingerprint, true).
		First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnauthenticated
		}
		s.logger.Error("credential lookup failed", zap.Error(err))
		return nil, ErrAuthUnavailable
	}
	if cred.Tenant == nil {
		return nil, ErrUnauthenticated
	}

	identity := Identity{
		CredentialID: cred.ID,
		TenantID:     cred.TenantID,
		TenantName:   cred.Tenant.Name,
		Plan:         cred.Tenant.Plan,
		Fingerprint:  fingerprint,
	}

	s.mu.Lock()
	s.cache[fingerprint] = cacheEntry{identity: identity, expires: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	s.touchLastUsed(cred.ID)

	return &identity, nil
}

func (s *Store) cached(fingerprint string) (Identity, bool) {
	s.mu.RLock()
	entry, ok := s.cache[fingerprint]
	s.mu.RUnlock()
	if !ok || time.Now().After(entry.expires) {
		return Identity{}, false
	}
	return entry.identity, true
}

// Prime warms the cache with a resolved identity, keyed by its fingerprint.
func (s *Store) Prime(identity Identity) {
	s.mu.Lock()
	s.cache[identity.Fingerprint] = cacheEntry{identity: identity, expires: time.Now().Add(s.ttl)}
	s.mu.Unlock()
}

// Invalidate drops a cached identity, used after revocation.
func (s *Store) Invalidate(fingerprint string) {
	s.mu.Lock()
	delete(s.cache, fingerprint)
	s.mu.Unlock()
}

// touchLastUsed updates the credential's last-used timestamp off the hot
// path. It runs at most once per cache TTL per credential.
func (s *Store) touchLastUsed(id uuid.UUID) {
	go func() {
		now := time.Now()
		if err := s.db.Model(&models.Credential{}).
			Where("id = ?", id).
			UpdateColumn("last_used_at", now).Error; err != nil {
			s.logger.Debug("last_used update failed", zap.Error(err))
		}
	}()
}
