package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: Core tables.
		{
			ID: "001_core_tables",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Session{}, &Message{}, &Task{}, &TaskEvent{}, &Artifact{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("sessions", "messages", "tasks", "task_events", "artifacts")
			},
		},
	})
	return m.Migrate()
}
