// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package basetable

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"
)

var (
	dbConnOnce     sync.Once
	dbConnInstance *DBConnection
	dbConnErr      error
)

type DBConnection struct {
	DB *sqlx.DB
}

// slowStatementThreshold is the statement duration past which the After
// hook logs a warning instead of a debug line.
const slowStatementThreshold = 5 * time.Millisecond

type ctxKey string

const beginKey ctxKey = "begin"

// Hooks satisfies the sqlhooks.Hooks interface, timing every statement
// the row store executes.
type Hooks struct{}

// Before registers the statement's start time on the context.
func (h *Hooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	btlog.Debugf("SQL query %s %q", query, args)
	return context.WithValue(ctx, beginKey, time.Now()), nil
}

// After logs the elapsed time, loudly for slow statements.
func (h *Hooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	begin, ok := ctx.Value(beginKey).(time.Time)
	if !ok {
		return ctx, nil
	}
	if took := time.Since(begin); took >= slowStatementThreshold {
		btlog.Warnf("slow statement (%v): %s", took, query)
	} else {
		btlog.Debugf("took: %s", took)
	}
	return ctx, nil
}

// Connect opens (once per process) the sqlite database backing the base
// tables' row stores, wrapping the driver with the timing hooks and
// running any pending schema migrations.
func Connect(dbPath string) (*DBConnection, error) {
	dbConnOnce.Do(func() {
		sql.Register("sqlite3WithHooks", sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, &Hooks{}))
		handle, err := sqlx.Open("sqlite3WithHooks", fmt.Sprintf("%s?_foreign_keys=on", dbPath))
		if err != nil {
			dbConnErr = fmt.Errorf("basetable: opening %s: %w", dbPath, err)
			return
		}

		// sqlite does not multithread. Having more than one connection
		// open would just mean waiting for locks.
		handle.SetMaxOpenConns(1)

		if err := MigrateDB(handle.DB); err != nil {
			dbConnErr = err
			return
		}
		dbConnInstance = &DBConnection{DB: handle}
	})
	return dbConnInstance, dbConnErr
}

// GetConnection returns the process-wide base table database handle.
func GetConnection() *DBConnection {
	if dbConnInstance == nil {
		btlog.Errorf("database connection not initialized, call Connect first")
	}
	return dbConnInstance
}
