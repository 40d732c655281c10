// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/flowbase/flowbase/internal/value"
)

// SQLUpstream adapts a database/sql connection (through sqlx, the same
// driver stack the base tables persist with) to the Upstream contract.
// Client statements are forwarded verbatim; results are decoded into
// engine values so both routing arms return the same shape.
type SQLUpstream struct {
	db *sqlx.DB

	mu       sync.Mutex
	nextID   uint32
	prepared map[uint32]*sqlx.Stmt

	// writeSeq numbers RYW writes on upstreams without a native write
	// identifier (sqlite has no GTID equivalent).
	writeSeq uint64
}

func NewSQLUpstream(db *sqlx.DB) *SQLUpstream {
	return &SQLUpstream{db: db, prepared: make(map[uint32]*sqlx.Stmt)}
}

func (u *SQLUpstream) Query(ctx context.Context, raw string) (*Result, error) {
	rows, err := u.db.QueryxContext(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	defer rows.Close()
	return decodeRows(rows)
}

func (u *SQLUpstream) Exec(ctx context.Context, raw string) (*Result, error) {
	res, err := u.db.ExecContext(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	affected, _ := res.RowsAffected()
	return &Result{Origin: OriginUpstream, AffectedRows: uint64(affected)}, nil
}

func (u *SQLUpstream) ExecRYW(ctx context.Context, raw string) (*Result, string, error) {
	res, err := u.Exec(ctx, raw)
	if err != nil {
		return nil, "", err
	}
	u.mu.Lock()
	u.writeSeq++
	id := fmt.Sprintf("w-%d", u.writeSeq)
	u.mu.Unlock()
	return res, id, nil
}

func (u *SQLUpstream) Prepare(ctx context.Context, raw string) (uint32, error) {
	stmt, err := u.db.PreparexContext(ctx, raw)
	if err != nil {
		return 0, fmt.Errorf("upstream: prepare: %w", err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.nextID++
	u.prepared[u.nextID] = stmt
	return u.nextID, nil
}

func (u *SQLUpstream) stmt(id uint32) (*sqlx.Stmt, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	stmt, ok := u.prepared[id]
	if !ok {
		return nil, &PreparedStatementMissingError{ID: id}
	}
	return stmt, nil
}

func (u *SQLUpstream) ExecuteRead(ctx context.Context, id uint32, params []value.Value) (*Result, error) {
	stmt, err := u.stmt(id)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryxContext(ctx, driverArgs(params)...)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	defer rows.Close()
	return decodeRows(rows)
}

func (u *SQLUpstream) ExecuteWrite(ctx context.Context, id uint32, params []value.Value) (*Result, error) {
	stmt, err := u.stmt(id)
	if err != nil {
		return nil, err
	}
	res, err := stmt.ExecContext(ctx, driverArgs(params)...)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	affected, _ := res.RowsAffected()
	return &Result{Origin: OriginUpstream, AffectedRows: uint64(affected)}, nil
}

func driverArgs(params []value.Value) []any {
	args := make([]any, len(params))
	for i, p := range params {
		switch {
		case p.IsNull():
			args[i] = nil
		default:
			switch p.Kind() {
			case value.KindInt32, value.KindInt64:
				args[i], _ = p.AsInt64()
			case value.KindUint32, value.KindUint64:
				n, _ := p.AsUint64()
				args[i] = int64(n)
			case value.KindFloat32, value.KindFloat64:
				args[i], _ = p.AsFloat64()
			default:
				args[i] = p.String()
			}
		}
	}
	return args
}

func decodeRows(rows *sqlx.Rows) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	out := &Result{Origin: OriginUpstream, Columns: cols}
	for rows.Next() {
		raw, err := rows.SliceScan()
		if err != nil {
			return nil, fmt.Errorf("upstream: %w", err)
		}
		row := make([]value.Value, len(raw))
		for i, v := range raw {
			row[i] = fromDriverValue(v)
		}
		out.Rows = append(out.Rows, row)
	}
	return out, rows.Err()
}

func fromDriverValue(v any) value.Value {
	switch n := v.(type) {
	case nil:
		return value.Null()
	case int64:
		return value.Int64(n)
	case float64:
		f, err := value.Float64(n)
		if err != nil {
			return value.Null()
		}
		return f
	case []byte:
		return value.String(string(n))
	case string:
		return value.String(n)
	case bool:
		if n {
			return value.Int64(1)
		}
		return value.Int64(0)
	default:
		return value.String(fmt.Sprint(n))
	}
}
