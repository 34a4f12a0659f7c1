package models

import (
	"time"

	"github.com/google/uuid"
)

// Credential is an API key issued to a tenant. Only the salted SHA-256
// fingerprint of the secret is stored; the raw secret is shown once at
// creation time and never persisted.
type Credential struct {
	BaseModel
	KeyFingerprint string     `gorm:"not null;uniqueIndex" json:"key_fingerprint"`
	Name           string     `json:"name"`
	TenantID       uuid.UUID  `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Active         bool       `gorm:"default:true" json:"active"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`

	Tenant *Tenant `gorm:"foreignKey:TenantID" json:"-"`
}
