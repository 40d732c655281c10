// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package basetable

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/flowbase/flowbase/internal/record"
	"github.com/flowbase/flowbase/internal/value"
)

// Tracer is notified of every operation apply() processes, the
// operator-level counterpart to the sqlhooks driver wrapper installed
// in Connect (the driver Hooks trace at the SQL-statement level;
// Tracer traces at the table-operation level that produced the SQL).
type Tracer interface {
	TraceApply(op record.TableOperation, err error)
}

// TracerFunc adapts a plain function to Tracer.
type TracerFunc func(record.TableOperation, error)

func (f TracerFunc) TraceApply(op record.TableOperation, err error) { f(op, err) }

// Table is one base table's authoritative row store (sqlite, reached
// through sqlx with squirrel-built statements) paired with its durable
// Avro log.
type Table struct {
	mu sync.Mutex

	db     *sqlx.DB
	schema *Schema
	log    *AvroLog

	durability Durability
	offset     record.Offset

	sinceSync int
	lastSync  time.Time
}

// Open prepares (creating if necessary) db's row-storage table for
// schema, and opens the Avro durable log at logPath.
func Open(db *sqlx.DB, schema *Schema, logPath string, durability Durability) (*Table, error) {
	if err := ensureTable(db, schema); err != nil {
		return nil, err
	}
	l, err := OpenAvroLog(logPath)
	if err != nil {
		return nil, err
	}
	off, err := loadOffset(db, schema.TableName)
	if err != nil {
		return nil, err
	}
	return &Table{db: db, schema: schema, log: l, durability: durability, offset: off, lastSync: time.Now()}, nil
}

func ensureTable(db *sqlx.DB, schema *Schema) error {
	cols := schema.Live()
	stmt := "CREATE TABLE IF NOT EXISTS " + quoteIdent(schema.TableName) + " (\n"
	for i, c := range cols {
		if i > 0 {
			stmt += ",\n"
		}
		stmt += "  " + quoteIdent(c.Name) + " " + sqliteType(c)
	}
	if len(schema.KeyColumns) > 0 {
		stmt += ",\n  PRIMARY KEY (" + joinNames(schema.KeyColumns) + ")"
	}
	stmt += "\n)"
	_, err := db.Exec(stmt)
	if err != nil {
		return fmt.Errorf("basetable: creating table %q: %w", schema.TableName, err)
	}
	return nil
}

func sqliteType(c ColumnDef) string {
	t := "TEXT"
	switch c.Kind {
	case value.KindInt32, value.KindInt64, value.KindUint32, value.KindUint64:
		t = "INTEGER"
	case value.KindFloat32, value.KindFloat64:
		t = "REAL"
	}
	if !c.Nullable {
		t += " NOT NULL"
	}
	return t
}

func quoteIdent(s string) string { return `"` + s + `"` }

// loadOffset reads the persisted replication offset for tableName, the
// largest-offset-wins value last committed by Apply.
func loadOffset(db *sqlx.DB, tableName string) (record.Offset, error) {
	var off record.Offset
	row := db.QueryRow(`SELECT log_name, hi, lo FROM basetable_offset WHERE log_name = (
		SELECT log_name FROM basetable_offset ORDER BY hi DESC, lo DESC LIMIT 1
	)`)
	var hi, lo int64
	if err := row.Scan(&off.LogName, &hi, &lo); err != nil {
		if err == sql.ErrNoRows {
			return record.Offset{}, nil
		}
		return record.Offset{}, fmt.Errorf("basetable: loading offset for %q: %w", tableName, err)
	}
	off.Hi, off.Lo = uint64(hi), uint64(lo)
	return off, nil
}

// Apply executes batch against the authoritative row store and the
// durable log, persisting the largest replication offset found in the
// batch, then honors the configured Durability. The returned delta is
// what flows to the table's children: a positive per insert, a negative
// per deleted row, and a retract-then-insert pair per update.
func (t *Table) Apply(batch record.Batch, tracer Tracer) (record.Delta, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	largest, found, err := batch.LargestOffset()
	if err != nil {
		return nil, fmt.Errorf("basetable: %w", err)
	}

	// Every entry of the batch is framed with the offset that commits
	// with it, so replay reestablishes the position at any boundary.
	frameOffset := t.offset
	if found {
		frameOffset = largest
	}

	var emitted record.Delta
	for _, op := range batch {
		delta, err := t.applyOne(op)
		if tracer != nil {
			tracer.TraceApply(op, err)
		}
		if err != nil {
			return nil, fmt.Errorf("basetable: applying operation %v: %w", op.Kind, err)
		}
		emitted = append(emitted, delta...)
		if _, err := t.log.Append(op, frameOffset); err != nil {
			return nil, fmt.Errorf("basetable: %w", err)
		}
	}

	if found {
		if err := t.persistOffset(largest); err != nil {
			return nil, err
		}
		t.offset = largest
	}

	return emitted, t.maybeSync(len(batch))
}

func (t *Table) persistOffset(off record.Offset) error {
	_, err := t.db.Exec(
		`INSERT INTO basetable_offset (log_name, hi, lo) VALUES (?, ?, ?)
		 ON CONFLICT(log_name) DO UPDATE SET hi = excluded.hi, lo = excluded.lo`,
		off.LogName, int64(off.Hi), int64(off.Lo))
	if err != nil {
		return fmt.Errorf("basetable: persisting offset: %w", err)
	}
	return nil
}

func (t *Table) maybeSync(n int) error {
	switch t.durability.Kind {
	case DurabilitySyncOnCommit:
		return t.log.Sync()
	case DurabilityBuffered:
		t.sinceSync += n
		if t.sinceSync >= t.durability.BufferRecords || time.Since(t.lastSync) >= t.durability.BufferInterval {
			t.sinceSync = 0
			t.lastSync = time.Now()
			return t.log.Sync()
		}
		return nil
	default:
		return nil
	}
}

// Flush forces a sync regardless of the buffered threshold; the
// gocron-driven flush ticker (see internal/worker) calls this
// periodically for DurabilityBuffered tables.
func (t *Table) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinceSync = 0
	t.lastSync = time.Now()
	return t.log.Sync()
}

// Recover replays the durable log into the row store in order, used
// after a restart when the sqlite store was lost or lags the log. The
// offset recorded at each entry re-establishes the latest replication
// position, persisted once at the end.
func (t *Table) Recover() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	err := t.log.Replay(func(e LoggedEntry) error {
		if _, err := t.applyOne(e.Op); err != nil {
			return fmt.Errorf("basetable: replaying seq %d: %w", e.Seq, err)
		}
		if e.Offset.Zero() {
			return nil
		}
		if t.offset.Zero() {
			t.offset = e.Offset
			return nil
		}
		if c, err := t.offset.Compare(e.Offset); err == nil && c < 0 {
			t.offset = e.Offset
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !t.offset.Zero() {
		return t.persistOffset(t.offset)
	}
	return nil
}

func (t *Table) applyOne(op record.TableOperation) (record.Delta, error) {
	switch op.Kind {
	case record.OpInsert:
		return t.insertRow(t.schema.PadRow(op.Row), false)
	case record.OpUpsert:
		return t.insertRow(t.schema.PadRow(op.Row), true)
	case record.OpDeleteByKey:
		return t.deleteByKey(op.Key)
	case record.OpDeleteMatchingRow:
		return t.deleteMatchingRow(t.schema.PadRow(op.Row))
	case record.OpUpdateByKey:
		return t.updateByKey(op.Key, op.Sets)
	case record.OpSetReplicationOffset:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown operation kind %v", op.Kind)
}

// toDriverValue unwraps a value.Value into the native Go type
// database/sql accepts as a bind argument.
func toDriverValue(v value.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case value.KindInt32, value.KindInt64:
		n, _ := v.AsInt64()
		return n
	case value.KindUint32, value.KindUint64:
		n, _ := v.AsUint64()
		return int64(n)
	case value.KindFloat32, value.KindFloat64:
		f, _ := v.AsFloat64()
		return f
	case value.KindTimestamp:
		s, _ := value.FormatTimestamp(v)
		return s
	case value.KindTime:
		s, _ := value.FormatTime(v)
		return s
	default:
		s, _ := v.AsString()
		return s
	}
}

// rowKey extracts the key-column values from a full row.
func (t *Table) rowKey(row []value.Value) []value.Value {
	key := make([]value.Value, 0, len(t.schema.KeyColumns))
	for _, name := range t.schema.KeyColumns {
		if i := t.schema.ColumnIndex(name); i >= 0 && i < len(row) {
			key = append(key, row[i])
		}
	}
	return key
}

// fetchRows reads the currently stored rows matching where, decoded
// back into engine values by the schema's column kinds.
func (t *Table) fetchRows(where sq.Eq) ([][]value.Value, error) {
	cols := t.schema.Live()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	builder := sq.Select(names...).From(t.schema.TableName)
	if len(where) > 0 {
		builder = builder.Where(where)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := t.db.Queryx(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]value.Value
	for rows.Next() {
		raw, err := rows.SliceScan()
		if err != nil {
			return nil, err
		}
		row := make([]value.Value, len(cols))
		for i, v := range raw {
			row[i] = fromDriverValue(v, cols[i].Kind)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// fromDriverValue converts a scanned database value back into the
// engine value the schema declares for that column.
func fromDriverValue(v any, kind value.Kind) value.Value {
	if v == nil {
		return value.Null()
	}
	switch kind {
	case value.KindInt32:
		if n, ok := v.(int64); ok {
			return value.Int32(int32(n))
		}
	case value.KindInt64:
		if n, ok := v.(int64); ok {
			return value.Int64(n)
		}
	case value.KindUint32:
		if n, ok := v.(int64); ok {
			return value.Uint32(uint32(n))
		}
	case value.KindUint64:
		if n, ok := v.(int64); ok {
			return value.Uint64(uint64(n))
		}
	case value.KindFloat32, value.KindFloat64:
		if f, ok := v.(float64); ok {
			if val, err := value.Float64(f); err == nil {
				return val
			}
		}
	case value.KindTimestamp:
		if s, ok := driverString(v); ok {
			if ts, err := value.ParseTimestamp(s); err == nil {
				return ts
			}
		}
	case value.KindTime:
		if s, ok := driverString(v); ok {
			if tv, err := value.ParseTime(s); err == nil {
				return tv
			}
		}
	}
	if s, ok := driverString(v); ok {
		return value.String(s)
	}
	return value.String(fmt.Sprint(v))
}

func driverString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}

func (t *Table) insertRow(row []value.Value, upsert bool) (record.Delta, error) {
	cols := t.schema.Live()
	if len(row) != len(cols) {
		return nil, fmt.Errorf("row has %d values, schema has %d live columns", len(row), len(cols))
	}

	var retract record.Delta
	if upsert && len(t.schema.KeyColumns) > 0 {
		where, err := t.keyWhere(t.rowKey(row))
		if err != nil {
			return nil, err
		}
		existing, err := t.fetchRows(where)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			retract = record.Delta{record.NewRecord(record.Negative, existing[0]...)}
		}
	}

	names := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		names[i] = c.Name
		args[i] = toDriverValue(row[i])
	}

	builder := sq.Insert(t.schema.TableName).Columns(names...).Values(args...)
	if upsert && len(t.schema.KeyColumns) > 0 {
		sets := make([]string, 0, len(cols))
		for _, c := range cols {
			if isKeyColumn(t.schema.KeyColumns, c.Name) {
				continue
			}
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c.Name, c.Name))
		}
		query, args2, err := builder.ToSql()
		if err != nil {
			return nil, err
		}
		if len(sets) > 0 {
			query += " ON CONFLICT (" + joinNames(t.schema.KeyColumns) + ") DO UPDATE SET " + joinNames(sets)
		} else {
			query += " ON CONFLICT (" + joinNames(t.schema.KeyColumns) + ") DO NOTHING"
		}
		if _, err := t.db.Exec(query, args2...); err != nil {
			return nil, err
		}
		return append(retract, record.NewRecord(record.Positive, row...)), nil
	}

	if _, err := builder.RunWith(t.db).Exec(); err != nil {
		return nil, err
	}
	return record.Delta{record.NewRecord(record.Positive, row...)}, nil
}

func isKeyColumn(keys []string, name string) bool {
	for _, k := range keys {
		if k == name {
			return true
		}
	}
	return false
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}

func (t *Table) keyWhere(key []value.Value) (sq.Eq, error) {
	if len(key) != len(t.schema.KeyColumns) {
		return nil, fmt.Errorf("key has %d values, schema declares %d key columns", len(key), len(t.schema.KeyColumns))
	}
	eq := sq.Eq{}
	for i, name := range t.schema.KeyColumns {
		eq[name] = toDriverValue(key[i])
	}
	return eq, nil
}

func (t *Table) deleteByKey(key []value.Value) (record.Delta, error) {
	where, err := t.keyWhere(key)
	if err != nil {
		return nil, err
	}
	victims, err := t.fetchRows(where)
	if err != nil {
		return nil, err
	}
	if _, err := sq.Delete(t.schema.TableName).Where(where).RunWith(t.db).Exec(); err != nil {
		return nil, err
	}
	var out record.Delta
	for _, row := range victims {
		out = append(out, record.NewRecord(record.Negative, row...))
	}
	return out, nil
}

func (t *Table) deleteMatchingRow(row []value.Value) (record.Delta, error) {
	cols := t.schema.Live()
	if len(row) != len(cols) {
		return nil, fmt.Errorf("row has %d values, schema has %d live columns", len(row), len(cols))
	}
	where := sq.Eq{}
	for i, c := range cols {
		where[c.Name] = toDriverValue(row[i])
	}
	res, err := sq.Delete(t.schema.TableName).Where(where).Limit(1).RunWith(t.db).Exec()
	if err != nil {
		return nil, err
	}
	// A retract consumes exactly one matching row; no match, no delta.
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, nil
	}
	return record.Delta{record.NewRecord(record.Negative, row...)}, nil
}

// updateByKey reads the stored row, folds every ColumnSet into it
// (replacing outright or applying the arithmetic adjustment), writes
// the result back, and emits the retract-then-insert pair.
func (t *Table) updateByKey(key []value.Value, sets []record.ColumnSet) (record.Delta, error) {
	where, err := t.keyWhere(key)
	if err != nil {
		return nil, err
	}
	existing, err := t.fetchRows(where)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return nil, nil
	}
	old := existing[0]

	cols := t.schema.Live()
	updated := append([]value.Value(nil), old...)
	builder := sq.Update(t.schema.TableName)
	for _, s := range sets {
		if s.Column < 0 || s.Column >= len(cols) {
			return nil, fmt.Errorf("update references out-of-range column %d", s.Column)
		}
		next := s.Value
		if s.Apply != nil {
			next, err = value.Arith(value.Op(s.Apply.Op), updated[s.Column], s.Apply.Amount)
			if err != nil {
				return nil, fmt.Errorf("applying arithmetic update to column %d: %w", s.Column, err)
			}
		}
		updated[s.Column] = next
		builder = builder.Set(cols[s.Column].Name, toDriverValue(next))
	}
	if _, err := builder.Where(where).RunWith(t.db).Exec(); err != nil {
		return nil, err
	}
	return record.Delta{
		record.NewRecord(record.Negative, old...),
		record.NewRecord(record.Positive, updated...),
	}, nil
}
