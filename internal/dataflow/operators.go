// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package dataflow implements the partially-materialized operator graph:
// the State each operator keeps, the Ingredient contract operators
// implement, the concrete operator variants, and the single-threaded
// Domain scheduler that runs them.
package dataflow

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/flowbase/flowbase/internal/reader"
	"github.com/flowbase/flowbase/internal/record"
	"github.com/flowbase/flowbase/internal/value"
)

// Base is the root ingredient backing a base table: it has no parents
// and simply forwards whatever delta the base table log hands it,
// the degenerate "source" ingredient.
type Base struct {
	Columns int
}

func (b *Base) OnInput(_ *OnInputContext, _ NodeIndex, delta record.Delta) (record.Delta, error) {
	return delta, nil
}

func (b *Base) SuggestIndexes(NodeIndex) map[NodeIndex][]int { return nil }

func (b *Base) ColumnSource(col int) ColumnSource { return ColumnSource{Generated: true} }

func (b *Base) Capabilities() Capabilities { return Capabilities{} }

// Ingress/Egress mark the boundary of a sharded or cross-domain link:
// Ingress passes a delta into a domain from across a link unmodified;
// Egress passes it out. They exist to carry the graph position (so a
// Node knows "on the other side of this edge is a network hop"), not to
// transform data.
type Ingress struct{}

func (Ingress) OnInput(_ *OnInputContext, _ NodeIndex, delta record.Delta) (record.Delta, error) {
	return delta, nil
}
func (Ingress) SuggestIndexes(NodeIndex) map[NodeIndex][]int { return nil }
func (Ingress) ColumnSource(col int) ColumnSource             { return ColumnSource{Generated: true} }
func (Ingress) Capabilities() Capabilities                    { return Capabilities{} }

type Egress struct{}

func (Egress) OnInput(_ *OnInputContext, _ NodeIndex, delta record.Delta) (record.Delta, error) {
	return delta, nil
}
func (Egress) SuggestIndexes(NodeIndex) map[NodeIndex][]int { return nil }
func (Egress) ColumnSource(col int) ColumnSource             { return ColumnSource{Generated: true} }
func (Egress) Capabilities() Capabilities                    { return Capabilities{} }

// Sharder fans a delta out to one of N shards by hashing ShardColumn,
// one instance per shard. ChooseShard is exported so
// a Domain's egress routing can ask the same question when delivering
// to a sharded child without duplicating the hash-mod logic.
type Sharder struct {
	ShardColumn int
	NumShards   int
}

func (s *Sharder) ChooseShard(row []value.Value) int {
	h := value.Hash(row[s.ShardColumn])
	return int(h % uint64(s.NumShards))
}

func (s *Sharder) OnInput(_ *OnInputContext, _ NodeIndex, delta record.Delta) (record.Delta, error) {
	return delta, nil
}
func (s *Sharder) SuggestIndexes(NodeIndex) map[NodeIndex][]int { return nil }
func (s *Sharder) ColumnSource(col int) ColumnSource {
	return ColumnSource{FromParent: true, ParentColumn: col}
}
func (s *Sharder) Capabilities() Capabilities { return Capabilities{} }

// Desharder is the dual of Sharder on the receiving side of a sharded
// link: merely an identity pass, kept distinct so the graph makes the
// shard boundary visible.
type Desharder struct{}

func (Desharder) OnInput(_ *OnInputContext, _ NodeIndex, delta record.Delta) (record.Delta, error) {
	return delta, nil
}
func (Desharder) SuggestIndexes(NodeIndex) map[NodeIndex][]int { return nil }
func (Desharder) ColumnSource(col int) ColumnSource {
	return ColumnSource{FromParent: true, ParentColumn: col}
}
func (Desharder) Capabilities() Capabilities { return Capabilities{} }

// Filter drops rows that do not satisfy a compiled boolean expression,
// evaluated over a column-name environment built from ColumnNames —
// same expr-lang compile-then-run shape the job classifier uses for its
// rule expressions.
type Filter struct {
	ColumnNames []string
	program     *vm.Program
}

// NewFilter compiles predicate once; subsequent OnInput calls only Run it.
func NewFilter(columnNames []string, predicate string) (*Filter, error) {
	prog, err := expr.Compile(predicate, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("dataflow: compiling filter predicate: %w", err)
	}
	return &Filter{ColumnNames: columnNames, program: prog}, nil
}

func (f *Filter) env(row []value.Value) map[string]any {
	env := make(map[string]any, len(f.ColumnNames))
	for i, name := range f.ColumnNames {
		env[name] = exprValue(row[i])
	}
	return env
}

func (f *Filter) OnInput(_ *OnInputContext, _ NodeIndex, delta record.Delta) (record.Delta, error) {
	out := make(record.Delta, 0, len(delta))
	for _, r := range delta {
		res, err := expr.Run(f.program, f.env(r.Row))
		if err != nil {
			return nil, fmt.Errorf("dataflow: running filter predicate: %w", err)
		}
		if keep, _ := res.(bool); keep {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *Filter) SuggestIndexes(NodeIndex) map[NodeIndex][]int { return nil }
func (f *Filter) ColumnSource(col int) ColumnSource {
	return ColumnSource{FromParent: true, ParentColumn: col}
}
func (f *Filter) Capabilities() Capabilities { return Capabilities{} }

// exprValue unwraps a value.Value into the native Go type expr-lang
// expressions compare against: ints/floats/strings as plain map values,
// job statistics (ints/floats/strings as plain map values).
func exprValue(v value.Value) any {
	switch v.Kind() {
	case value.KindInt32, value.KindInt64:
		n, _ := v.AsInt64()
		return n
	case value.KindUint32, value.KindUint64:
		n, _ := v.AsUint64()
		return n
	case value.KindFloat32, value.KindFloat64:
		f, _ := v.AsFloat64()
		return f
	case value.KindText, value.KindString:
		s, _ := v.AsString()
		return s
	default:
		return v.String()
	}
}

// ProjectColumn is one output column of a Project ingredient: either a
// straight pass-through of a parent column, or an expr-lang expression
// computed over the input row (filter/project generalize into
// expression evaluation).
type ProjectColumn struct {
	FromParent  bool
	ParentIndex int

	Expr    string
	program *vm.Program
}

type Project struct {
	ColumnNames []string
	Columns     []ProjectColumn
}

func NewProject(columnNames []string, columns []ProjectColumn) (*Project, error) {
	compiled := make([]ProjectColumn, len(columns))
	for i, c := range columns {
		if !c.FromParent {
			prog, err := expr.Compile(c.Expr)
			if err != nil {
				return nil, fmt.Errorf("dataflow: compiling project expression %d: %w", i, err)
			}
			c.program = prog
		}
		compiled[i] = c
	}
	return &Project{ColumnNames: columnNames, Columns: compiled}, nil
}

func (p *Project) OnInput(_ *OnInputContext, _ NodeIndex, delta record.Delta) (record.Delta, error) {
	out := make(record.Delta, 0, len(delta))
	for _, r := range delta {
		row := make([]value.Value, len(p.Columns))
		var env map[string]any
		for i, c := range p.Columns {
			if c.FromParent {
				row[i] = r.Row[c.ParentIndex]
				continue
			}
			if env == nil {
				env = make(map[string]any, len(p.ColumnNames))
				for j, name := range p.ColumnNames {
					env[name] = exprValue(r.Row[j])
				}
			}
			res, err := expr.Run(c.program, env)
			if err != nil {
				return nil, fmt.Errorf("dataflow: running project expression %d: %w", i, err)
			}
			row[i] = nativeToValue(res)
		}
		out = append(out, record.Record{Row: row, Polarity: r.Polarity})
	}
	return out, nil
}

func nativeToValue(v any) value.Value {
	switch n := v.(type) {
	case int:
		return value.Int64(int64(n))
	case int64:
		return value.Int64(n)
	case float64:
		if f, err := value.Float64(n); err == nil {
			return f
		}
		return value.Null()
	case string:
		return value.String(n)
	case bool:
		if n {
			return value.Int32(1)
		}
		return value.Int32(0)
	default:
		return value.Null()
	}
}

func (p *Project) SuggestIndexes(NodeIndex) map[NodeIndex][]int { return nil }
func (p *Project) ColumnSource(col int) ColumnSource {
	c := p.Columns[col]
	if c.FromParent {
		return ColumnSource{FromParent: true, ParentColumn: c.ParentIndex}
	}
	return ColumnSource{Generated: true}
}
func (p *Project) Capabilities() Capabilities { return Capabilities{} }

// Union merges deltas from any of several parents unmodified, the
// simplest many-to-one operator.
type Union struct{ NumColumns int }

func (u *Union) OnInput(_ *OnInputContext, _ NodeIndex, delta record.Delta) (record.Delta, error) {
	return delta, nil
}
func (u *Union) SuggestIndexes(NodeIndex) map[NodeIndex][]int { return nil }
func (u *Union) ColumnSource(col int) ColumnSource {
	return ColumnSource{FromParent: true, ParentColumn: col}
}
func (u *Union) Capabilities() Capabilities { return Capabilities{} }

// ReaderNode is the leaf operator: it appends every arriving delta to
// its reader index at a monotonically increasing timestamp. Absorption
// is driven separately (by the hosting worker or a test), not by the
// dataflow itself.
type ReaderNode struct {
	Reader *reader.Reader

	// Timestamp is assigned to the next delta; zero means "start just
	// past the reader's absorbed watermark".
	Timestamp int64
}

func (r *ReaderNode) OnInput(_ *OnInputContext, _ NodeIndex, delta record.Delta) (record.Delta, error) {
	if r.Timestamp == 0 {
		r.Timestamp = r.Reader.AbsorbedWatermark() + 1
	}
	if err := r.Reader.Add(delta, r.Timestamp); err != nil {
		return nil, err
	}
	r.Timestamp++
	return nil, nil
}
func (r *ReaderNode) SuggestIndexes(NodeIndex) map[NodeIndex][]int { return nil }
func (r *ReaderNode) ColumnSource(col int) ColumnSource {
	return ColumnSource{FromParent: true, ParentColumn: col}
}
func (r *ReaderNode) Capabilities() Capabilities { return Capabilities{} }
