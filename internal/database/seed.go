package database

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/accgate/accgate/internal/models"
)

type Seeder struct {
	db   *gorm.DB
	salt string
}

func NewSeeder(db *gorm.DB, keySalt string) *Seeder {
	return &Seeder{db: db, salt: keySalt}
}

// SeedDev provisions a development tenant with one credential and a monthly
// budget. The generated secret is returned so it can be printed once.
func (s *Seeder) SeedDev() (string, error) {
	var count int64
	s.db.Model(&models.Tenant{}).Count(&count)
	if count > 0 {
		return "", nil
	}

	tenant := models.Tenant{
		BaseModel: models.BaseModel{ID: uuid.New()},
		Name:      "dev",
		Plan:      models.PlanPro,
	}
	if err := s.db.Create(&tenant).Error; err != nil {
		return "", fmt.Errorf("failed to seed tenant: %w", err)
	}

	secret, err := generateSecret()
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(secret + s.salt))
	cred := models.Credential{
		KeyFingerprint: hex.EncodeToString(sum[:]),
		Name:           "dev key",
		TenantID:       tenant.ID,
		Active:         true,
	}
	if err := s.db.Create(&cred).Error; err != nil {
		return "", fmt.Errorf("failed to seed credential: %w", err)
	}

	budget := models.Budget{
		TenantID: tenant.ID,
		Name:     "Monthly",
		Scope:    models.BudgetScopeGlobal,
		Period:   models.BudgetPeriodMonthly,
		LimitUSD: decimal.NewFromInt(100),
		ResetAt:  time.Now().AddDate(0, 1, 0),
		OnBreach: models.BreachAlert,
		WarnPct:  80,
		Active:   true,
	}
	if err := s.db.Create(&budget).Error; err != nil {
		return "", fmt.Errorf("failed to seed budget: %w", err)
	}

	return secret, nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return "acc-" + hex.EncodeToString(buf), nil
}
