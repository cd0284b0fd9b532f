package database

import "errors"

var (
	// ErrMigrationNotFound is returned when an applied migration has no file
	// in the supplied filesystem.
	ErrMigrationNotFound = errors.New("database: migration not found")

	// ErrNoDownMigration is returned when rolling back a migration that was
	// shipped without a .down.sql file.
	ErrNoDownMigration = errors.New("database: migration has no down SQL")

	// ErrEmptyPath is returned by Open when no database path is configured.
	ErrEmptyPath = errors.New("database: path is required")
)
