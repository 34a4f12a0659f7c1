package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/accgate/accgate/internal/models"
)

// Options carries the global CLI flags shared by every subcommand.
type Options struct {
	DBURL   string
	KeySalt string
	JSON    bool
}

func (o *Options) openDB() (*gorm.DB, error) {
	if o.DBURL == "" {
		return nil, fmt.Errorf("no database configured: set --db-url or DATABASE_URL")
	}
	db, err := gorm.Open(postgres.Open(o.DBURL), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// resolveTenant accepts a tenant UUID or name and returns the row.
func resolveTenant(db *gorm.DB, ref string) (*models.Tenant, error) {
	var tenant models.Tenant
	if id, err := uuid.Parse(ref); err == nil {
		if err := db.First(&tenant, "id = ?", id).Error; err != nil {
			return nil, fmt.Errorf("tenant %s not found", ref)
		}
		return &tenant, nil
	}
	if err := db.First(&tenant, "name = ?", ref).Error; err != nil {
		return nil, fmt.Errorf("tenant %q not found", ref)
	}
	return &tenant, nil
}

func printResult(o *Options, v interface{}, plain func()) {
	if o.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
		return
	}
	plain()
}
