/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-murajaah/internal/logging"
	"github.com/loqalabs/loqa-murajaah/internal/security"
)

//go:embed schema.sql
var schemaFiles embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// ErrNoPath is returned when no database path is configured.
var ErrNoPath = errors.New("database path is required")

// pragmas applied to every archive connection
var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA temp_store = memory",
}

// Database wraps the SQLite connection holding the session archive
type Database struct {
	db   *sql.DB
	path string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string
}

// NewDatabase opens the archive at config.Path, creating parent
// directories, and applies the schema.
func NewDatabase(config DatabaseConfig) (*Database, error) {
	switch config.Path {
	case "":
		return nil, ErrNoPath
	case MemoryPath:
	default:
		if dir := filepath.Dir(config.Path); dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if config.Path == MemoryPath {
		// Every connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	d := &Database{db: db, path: config.Path}
	if err := d.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	logging.LogDatabaseOperation("open", "*", zap.String("path", security.SanitizeLogInput(config.Path)))
	return d, nil
}

func (d *Database) init() error {
	for _, pragma := range pragmas {
		if _, err := d.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %q: %w", pragma, err)
		}
	}

	schema, err := schemaFiles.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}
	if _, err := d.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// DB returns the underlying sql.DB instance
func (d *Database) DB() *sql.DB {
	return d.db
}

// Path returns the database file path
func (d *Database) Path() string {
	return d.path
}

// Ping tests the database connection
func (d *Database) Ping() error {
	return d.db.Ping()
}

// OpenConnections reports the connections currently held by the pool.
func (d *Database) OpenConnections() int {
	return d.db.Stats().OpenConnections
}

// Checkpoint folds the WAL back into the main database file
func (d *Database) Checkpoint() error {
	if _, err := d.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint database: %w", err)
	}
	return nil
}

// Close checkpoints file databases and closes the connection
func (d *Database) Close() error {
	if d.db == nil {
		return nil
	}
	if d.path != MemoryPath {
		if err := d.Checkpoint(); err != nil {
			logging.LogError(err, "Checkpoint before close failed")
		}
	}
	logging.LogDatabaseOperation("close", "*", zap.String("path", security.SanitizeLogInput(d.path)))
	return d.db.Close()
}
