// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package dataflow

import (
	"github.com/flowbase/flowbase/internal/record"
	"github.com/flowbase/flowbase/internal/value"
)

// AggregateFn names the supported incremental aggregates. All are
// maintained by adding/subtracting as records arrive and depart,
// the incremental-view-maintenance contract: no full rescan.
// CountDistinct additionally tracks per-value multiplicities so a
// duplicate arrival does not bump the emitted count.
type AggregateFn uint8

const (
	AggCount AggregateFn = iota
	AggCountDistinct
	AggSum
)

// Aggregate groups rows by GroupColumns and maintains one running value
// per group in groupState, keyed the same way as a State bucket. Unlike
// Join it does not query an ancestor's State — it owns the
// authoritative running total itself — so NeedsFullMaterialization is
// not set; it only needs to remember its own running totals, which live
// in groupState rather than a generic State (the emitted output is
// itself what downstream operators would materialize).
type Aggregate struct {
	Fn           AggregateFn
	GroupColumns []int
	TargetColumn int

	groupState map[string]*aggGroup
}

type aggGroup struct {
	key []value.Value

	// rows is the total record multiplicity in the group; the group is
	// dropped when it reaches zero.
	rows int64

	count    int64
	sum      float64
	distinct map[string]int64
}

func NewAggregate(fn AggregateFn, groupColumns []int, targetColumn int) *Aggregate {
	return &Aggregate{Fn: fn, GroupColumns: groupColumns, TargetColumn: targetColumn, groupState: make(map[string]*aggGroup)}
}

func (a *Aggregate) groupKey(row []value.Value) []value.Value {
	key := make([]value.Value, len(a.GroupColumns))
	for i, c := range a.GroupColumns {
		key[i] = row[c]
	}
	return key
}

// OnInput applies each delta record to its group's running total and
// emits the standard retract-old/insert-new pair so downstream readers
// see a consistent view (a bare new value with no matching retract
// would violate the retract-must-follow-a-matching-positive rule).
func (a *Aggregate) OnInput(_ *OnInputContext, _ NodeIndex, delta record.Delta) (record.Delta, error) {
	var out record.Delta
	touched := make(map[string]*aggGroup)

	for _, r := range delta {
		key := a.groupKey(r.Row)
		k := encodeKey(key)
		g, ok := a.groupState[k]
		if !ok {
			g = &aggGroup{key: key}
			a.groupState[k] = g
		}
		if _, already := touched[k]; !already {
			out = append(out, a.snapshotRetract(g)...)
			touched[k] = g
		}

		g.rows += int64(sign(r.Polarity))
		switch a.Fn {
		case AggCount:
			g.count += int64(sign(r.Polarity))
		case AggCountDistinct:
			if g.distinct == nil {
				g.distinct = make(map[string]int64)
			}
			vk := encodeKey([]value.Value{r.Row[a.TargetColumn]})
			if r.Polarity == record.Positive {
				g.distinct[vk]++
				if g.distinct[vk] == 1 {
					g.count++
				}
			} else {
				g.distinct[vk]--
				if g.distinct[vk] == 0 {
					g.count--
					delete(g.distinct, vk)
				}
			}
		case AggSum:
			contribution := 0.0
			if f, ok := r.Row[a.TargetColumn].AsFloat64(); ok {
				contribution = f
			}
			if r.Polarity == record.Negative {
				contribution = -contribution
			}
			g.sum += contribution
		}
	}

	for _, g := range touched {
		out = append(out, a.snapshotInsert(g)...)
		if g.rows == 0 {
			delete(a.groupState, encodeKey(g.key))
		}
	}
	return out, nil
}

func sign(p record.Polarity) int {
	if p == record.Positive {
		return 1
	}
	return -1
}

func (a *Aggregate) snapshotRetract(g *aggGroup) record.Delta {
	if g.rows == 0 {
		return nil
	}
	return record.Delta{record.Record{Row: a.row(g), Polarity: record.Negative}}
}

func (a *Aggregate) snapshotInsert(g *aggGroup) record.Delta {
	if g.rows == 0 {
		return nil
	}
	return record.Delta{record.Record{Row: a.row(g), Polarity: record.Positive}}
}

func (a *Aggregate) row(g *aggGroup) []value.Value {
	row := make([]value.Value, 0, len(g.key)+1)
	row = append(row, g.key...)
	switch a.Fn {
	case AggCount, AggCountDistinct:
		row = append(row, value.Int64(g.count))
	case AggSum:
		f, _ := value.Float64(g.sum)
		row = append(row, f)
	}
	return row
}

func (a *Aggregate) SuggestIndexes(NodeIndex) map[NodeIndex][]int { return nil }

func (a *Aggregate) ColumnSource(col int) ColumnSource {
	if col < len(a.GroupColumns) {
		return ColumnSource{FromParent: true, ParentColumn: a.GroupColumns[col]}
	}
	return ColumnSource{Generated: true}
}

func (a *Aggregate) Capabilities() Capabilities { return Capabilities{} }
