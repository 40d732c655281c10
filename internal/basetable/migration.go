// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package basetable

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const supportedVersion uint = 1

//go:embed migrations/*
var migrationFiles embed.FS

// MigrateDB brings the base-table bookkeeping schema (offset and schema
// history tables) up to the supported version.
func MigrateDB(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("basetable: migration driver: %w", err)
	}
	d, err := iofs.New(migrationFiles, "migrations/sqlite3")
	if err != nil {
		return fmt.Errorf("basetable: migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", d, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("basetable: migrate: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("basetable: migrating schema: %w", err)
	}

	v, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("basetable: reading schema version: %w", err)
	}
	if dirty {
		return fmt.Errorf("basetable: schema version %d is dirty, manual repair required", v)
	}
	if v != supportedVersion {
		btlog.Warnf("database schema version %d, supported is %d", v, supportedVersion)
	}
	return nil
}
