// Package testutil provides shared fixtures for package tests.
package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-judge-api/internal/database"
	"github.com/noah-isme/gema-judge-api/internal/models"
)

// NewDB returns a migrated in-memory SQLite database.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := database.ConnectSQLite("file::memory:")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// SeedUser inserts a user with the given username and role.
func SeedUser(t *testing.T, db *gorm.DB, username, role string) models.User {
	t.Helper()

	user := models.User{Username: username, Role: role}
	require.NoError(t, db.Create(&user).Error)
	return user
}

// SeedProblem inserts a problem with default limits.
func SeedProblem(t *testing.T, db *gorm.DB, code string) models.Problem {
	t.Helper()

	problem := models.Problem{Code: code, Title: "Problem " + code, MaxPoint: 100, TimeLimitMs: 1000, MemoryLimitKB: 65536, TestReference: "tests/" + code}
	require.NoError(t, db.Create(&problem).Error)
	return problem
}
