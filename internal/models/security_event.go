package models

import (
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type DetectionSource string

const (
	SourceRule      DetectionSource = "rule"
	SourceHeuristic DetectionSource = "heuristic"
	SourceModel     DetectionSource = "model"
)

type SecurityEvent struct {
	BaseModel
	TenantID    uuid.UUID       `gorm:"type:uuid;not null;index" json:"tenant_id"`
	AgentID     *string         `gorm:"index" json:"agent_id,omitempty"`
	RequestID   string          `gorm:"index" json:"request_id"`
	Direction   Direction       `gorm:"not null" json:"direction"`
	ThreatType  string          `gorm:"not null;index" json:"threat_type"`
	Severity    Severity        `gorm:"not null" json:"severity"`
	Confidence  float64         `json:"confidence"`
	Source      DetectionSource `json:"source"`
	Evidence    datatypes.JSON  `gorm:"type:jsonb" json:"evidence,omitempty"`
	ActionTaken string          `json:"action_taken"`
}
