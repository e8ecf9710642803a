package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-judge-api/internal/models"
)

// Migrate creates or updates every table the judge needs.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.User{},
		&models.Problem{},
		&models.Contest{},
		&models.ContestProblem{},
		&models.StandingRow{},
		&models.Submission{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}
