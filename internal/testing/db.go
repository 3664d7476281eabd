// Package testing provides testing utilities and helpers for helmsman.
package testing

import (
	"fmt"
	"os"
	"testing"

	"github.com/helmsman-trade/helmsman/internal/database"
	_ "modernc.org/sqlite"
)

// NewTestDB creates a temporary SQLite database for testing with the schema
// for the given name applied. Returns the database and an idempotent cleanup
// function.
//
// Supported schema names:
//   - "ledger" - orders, fills, anomalies
//   - "state"  - portfolios, positions, sessions, snapshots
func NewTestDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()

	// A file per test keeps tests isolated from each other.
	tmpFile, err := os.CreateTemp("", fmt.Sprintf("test_%s_*.db", name))
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to migrate test database %s: %v", name, err)
	}

	cleaned := false
	return db, func() {
		if cleaned {
			return
		}
		cleaned = true
		_ = db.Close()
		_ = os.Remove(tmpPath)
	}
}
