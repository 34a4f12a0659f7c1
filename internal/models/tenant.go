package models

type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanPro        PlanTier = "pro"
	PlanTeam       PlanTier = "team"
	PlanEnterprise PlanTier = "enterprise"
)

type Tenant struct {
	BaseModel
	Name string   `gorm:"not null;uniqueIndex" json:"name"`
	Plan PlanTier `gorm:"not null;default:free" json:"plan"`
}
