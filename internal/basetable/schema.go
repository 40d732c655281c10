// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package basetable implements the durable root of the dataflow graph:
// a base table's authoritative row store, its write-ahead Avro log,
// schema evolution, and the persisted-offset bookkeeping durability
// modes a base table supports.
package basetable

import (
	"fmt"

	"github.com/flowbase/flowbase/internal/value"
)

// ColumnDef names one column of a base table.
type ColumnDef struct {
	Name     string
	Kind     value.Kind
	Nullable bool

	// Default is used to backfill Unmodified rows when this column is
	// added after rows already exist "add_column/drop_column,
	// unmodified flag".
	Default value.Value

	// dropped marks a column retained in the schema history (so old log
	// segments written before the drop can still be replayed) but no
	// longer part of the live row shape.
	dropped bool
}

// Schema is the ordered column list of one base table, with a history
// of add/drop operations so a durable log recorded under an older
// schema can still be replayed.
type Schema struct {
	TableName string
	Columns   []ColumnDef

	// KeyColumns names the columns DeleteByKey/UpdateByKey operations
	// address a row by, in order.
	KeyColumns []string

	// modified flips once the first add/drop happens; from then on every
	// input row is padded column by column against the stored defaults.
	modified bool
}

// NewSchema builds a schema from an initial column list.
func NewSchema(tableName string, keyColumns []string, columns ...ColumnDef) *Schema {
	return &Schema{
		TableName:  tableName,
		Columns:    append([]ColumnDef(nil), columns...),
		KeyColumns: append([]string(nil), keyColumns...),
	}
}

// Live returns the columns currently part of the row shape, in order,
// excluding dropped ones.
func (s *Schema) Live() []ColumnDef {
	out := make([]ColumnDef, 0, len(s.Columns))
	for _, c := range s.Columns {
		if !c.dropped {
			out = append(out, c)
		}
	}
	return out
}

// AddColumn appends a new column to the schema. Existing rows are
// treated as having def.Default in that column.
func (s *Schema) AddColumn(def ColumnDef) error {
	for _, c := range s.Columns {
		if c.Name == def.Name && !c.dropped {
			return fmt.Errorf("basetable: column %q already exists in %q", def.Name, s.TableName)
		}
	}
	s.Columns = append(s.Columns, def)
	s.modified = true
	return nil
}

// DropColumn marks name as dropped. It remains in Columns (not removed)
// so log segments recorded before the drop still describe a row shape
// this schema recognizes.
func (s *Schema) DropColumn(name string) error {
	for i := range s.Columns {
		if s.Columns[i].Name == name && !s.Columns[i].dropped {
			s.Columns[i].dropped = true
			s.modified = true
			return nil
		}
	}
	return fmt.Errorf("basetable: column %q not found in %q", name, s.TableName)
}

// Modified reports whether the schema has evolved since creation; once
// true, every input row goes through default padding.
func (s *Schema) Modified() bool { return s.modified }

// PadRow normalizes an input row against the live columns: a row
// shorter than the live shape is extended with the stored defaults. A
// longer row is an error at the caller.
func (s *Schema) PadRow(row []value.Value) []value.Value {
	live := s.Live()
	if !s.modified || len(row) >= len(live) {
		return row
	}
	padded := make([]value.Value, len(live))
	copy(padded, row)
	for i := len(row); i < len(live); i++ {
		padded[i] = live[i].Default
	}
	return padded
}

// ColumnIndex returns the live ordinal of name, or -1 if absent/dropped.
func (s *Schema) ColumnIndex(name string) int {
	i := 0
	for _, c := range s.Columns {
		if c.dropped {
			continue
		}
		if c.Name == name {
			return i
		}
		i++
	}
	return -1
}
