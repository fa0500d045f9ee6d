// Package modelstest opens throwaway sqlite databases for package tests.
package modelstest

import (
	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/sqlite"

	"github.com/18F/cf-ca-lifecycle/models"
)

// NewDatabase returns a migrated in-memory database. The pool is limited to one
// connection because every sqlite :memory: connection is a separate database.
func NewDatabase() (*gorm.DB, error) {
	db, err := gorm.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, err
	}
	db.DB().SetMaxOpenConns(1)

	if err := models.Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
