package models

import (
	"github.com/google/uuid"
	"github.com/lib/pq"
)

type DetectionLevel string

const (
	DetectionDisabled DetectionLevel = "disabled"
	DetectionMonitor  DetectionLevel = "monitor"
	DetectionWarn     DetectionLevel = "warn"
	DetectionEnforce  DetectionLevel = "enforce"
)

// AgentPolicy scopes security enforcement. A row with AgentID nil is the
// tenant-wide default; a row naming an agent overrides it for that agent.
type AgentPolicy struct {
	BaseModel
	TenantID          uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	AgentID           *string        `gorm:"index" json:"agent_id,omitempty"`
	DetectionLevel    DetectionLevel `gorm:"not null;default:monitor" json:"detection_level"`
	AutoKillEnabled   bool           `gorm:"default:false" json:"auto_kill_enabled"`
	AutoKillThreshold float64        `gorm:"default:0.95" json:"auto_kill_threshold"`
	DisallowedTools   pq.StringArray `gorm:"type:text[]" json:"disallowed_tools,omitempty"`
}
