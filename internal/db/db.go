package db

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/whisperlink/whisperlink/internal/schema"
)

// Open opens (or creates) the sqlite database at path and migrates the
// schema. ":memory:" gives an ephemeral database for tests.
func Open(path string) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := gdb.AutoMigrate(&schema.Contact{}, &schema.User{}); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return gdb, nil
}
