package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// UsageRecord is the per-request accounting row. Exactly one is written for
// every request that reaches a terminal state, success or failure.
type UsageRecord struct {
	BaseModel
	RequestID           string          `gorm:"not null;uniqueIndex" json:"request_id"`
	TenantID            uuid.UUID       `gorm:"type:uuid;not null;index" json:"tenant_id"`
	AgentID             *string         `gorm:"index" json:"agent_id,omitempty"`
	Timestamp           time.Time       `gorm:"not null;index" json:"timestamp"`
	Provider            string          `gorm:"index" json:"provider"`
	RequestedModel      string          `json:"requested_model"`
	EffectiveModel      string          `gorm:"index" json:"effective_model"`
	Endpoint            string          `json:"endpoint"`
	InputTokens         int             `json:"input_tokens"`
	OutputTokens        int             `json:"output_tokens"`
	CacheCreationTokens int             `json:"cache_creation_tokens"`
	CacheReadTokens     int             `json:"cache_read_tokens"`
	CostUSD             decimal.Decimal `gorm:"type:numeric(16,6)" json:"cost_usd"`
	PricingSource       string          `gorm:"default:table" json:"pricing_source"`
	UsageEstimated      bool            `gorm:"default:false" json:"usage_estimated"`
	LatencyMs           int64           `json:"latency_ms"`
	StatusCode          int             `json:"status_code"`
	Error               *string         `json:"error,omitempty"`
	Streaming           bool            `json:"streaming"`
	Metadata            datatypes.JSON  `gorm:"type:jsonb" json:"metadata,omitempty"`
}

func (u *UsageRecord) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}
