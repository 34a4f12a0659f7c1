package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// RuleCondition is the JSON condition document stored on a routing rule.
// Absent fields do not constrain the match.
type RuleCondition struct {
	SourceModelRegex string   `json:"source_model_regex,omitempty"`
	MinMessages      int      `json:"min_messages,omitempty"`
	ContentKeywords  []string `json:"content_keywords,omitempty"`
	TokenEstimateMax int      `json:"token_estimate_max,omitempty"`
	TimeOfDayRange   string   `json:"time_of_day_range,omitempty"`
	AgentID          string   `json:"agent_id,omitempty"`
}

type RoutingRule struct {
	BaseModel
	TenantID         uuid.UUID       `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Name             string          `json:"name"`
	Priority         int             `gorm:"not null;default:100;index" json:"priority"`
	Condition        datatypes.JSON  `gorm:"type:jsonb" json:"condition"`
	TargetProvider   string          `gorm:"not null" json:"target_provider"`
	TargetModel      string          `gorm:"not null" json:"target_model"`
	FallbackProvider *string         `json:"fallback_provider,omitempty"`
	FallbackModel    *string         `json:"fallback_model,omitempty"`
	Active           bool            `gorm:"default:true" json:"active"`
	TimesApplied     int64           `gorm:"default:0" json:"times_applied"`
	EstimatedSavings decimal.Decimal `gorm:"type:numeric(16,6);default:0" json:"estimated_savings"`
}
