package db

import (
	"errors"

	"gorm.io/gorm"
)

// SyncSchema creates/updates tables and indexes from models.
func SyncSchema(db *gorm.DB) error {
	if db == nil {
		return errors.New("db is required")
	}
	if err := db.AutoMigrate(&AuditEntry{}); err != nil {
		return err
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_audit_log_session_seq ON audit_log(session_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_type_seq ON audit_log(type, seq);`,
	} {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// MigrateUp is the entry point for `termbridge migrate up`.
func MigrateUp(db *gorm.DB) error {
	return SyncSchema(db)
}
