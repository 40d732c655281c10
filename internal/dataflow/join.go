// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package dataflow

import (
	"github.com/flowbase/flowbase/internal/record"
	"github.com/flowbase/flowbase/internal/value"
)

// JoinKind distinguishes inner from left-outer join semantics.
type JoinKind uint8

const (
	InnerJoin JoinKind = iota
	LeftJoin
)

// Join combines rows from a left and a right parent on matching key
// columns, materializing the right side's State so it can look up
// matches for left-side deltas (and vice versa) — "join
// ingredients query their own ancestors' state", which is why
// Capabilities reports WillQueryOwnState.
type Join struct {
	Kind JoinKind

	Left       NodeIndex
	Right      NodeIndex
	LeftKeyCol int
	// RightKeyCol is the joined-on column on the right side.
	RightKeyCol int

	// LeftColumns/RightColumns select which columns of each side appear
	// in the output row, in order, left side first.
	LeftColumns  []int
	RightColumns []int
}

func (j *Join) OnInput(ctx *OnInputContext, from NodeIndex, delta record.Delta) (record.Delta, error) {
	var out record.Delta
	if from == j.Left {
		rightState, ok := ctx.Ancestor(j.Right)
		if !ok {
			return nil, &ErrNeedsUpquery{Node: j.Right}
		}
		for _, r := range delta {
			key := []value.Value{r.Row[j.LeftKeyCol]}
			res := rightState.Lookup(key)
			if res.Hole {
				return nil, &ErrNeedsUpquery{Node: j.Right, Key: key}
			}
			out = append(out, j.emit(r, res.Rows, true)...)
		}
		return out, nil
	}

	leftState, ok := ctx.Ancestor(j.Left)
	if !ok {
		return nil, &ErrNeedsUpquery{Node: j.Left}
	}
	for _, r := range delta {
		key := []value.Value{r.Row[j.RightKeyCol]}
		res := leftState.Lookup(key)
		if res.Hole {
			return nil, &ErrNeedsUpquery{Node: j.Left, Key: key}
		}
		out = append(out, j.emit(r, res.Rows, false)...)
	}
	return out, nil
}

// emit builds output rows for a delta record r matched against other,
// the rows found on the opposite side. leftIsR reports whether r itself
// is the left-side row (true) or the right-side row (false).
func (j *Join) emit(r record.Record, other []record.Record, leftIsR bool) record.Delta {
	var out record.Delta
	if len(other) == 0 {
		if j.Kind == LeftJoin && leftIsR {
			row := make([]value.Value, 0, len(j.LeftColumns)+len(j.RightColumns))
			for _, c := range j.LeftColumns {
				row = append(row, r.Row[c])
			}
			for range j.RightColumns {
				row = append(row, value.Null())
			}
			out = append(out, record.Record{Row: row, Polarity: r.Polarity})
		}
		return out
	}
	for _, o := range other {
		left, right := r, o
		if !leftIsR {
			left, right = o, r
		}
		row := make([]value.Value, 0, len(j.LeftColumns)+len(j.RightColumns))
		for _, c := range j.LeftColumns {
			row = append(row, left.Row[c])
		}
		for _, c := range j.RightColumns {
			row = append(row, right.Row[c])
		}
		out = append(out, record.Record{Row: row, Polarity: r.Polarity})
	}
	return out
}

func (j *Join) SuggestIndexes(self NodeIndex) map[NodeIndex][]int {
	return map[NodeIndex][]int{
		j.Left:  {j.LeftKeyCol},
		j.Right: {j.RightKeyCol},
	}
}

func (j *Join) ColumnSource(col int) ColumnSource {
	if col < len(j.LeftColumns) {
		return ColumnSource{FromParent: true, ParentIndex: int(j.Left), ParentColumn: j.LeftColumns[col]}
	}
	idx := col - len(j.LeftColumns)
	return ColumnSource{FromParent: true, ParentIndex: int(j.Right), ParentColumn: j.RightColumns[idx]}
}

func (j *Join) Capabilities() Capabilities {
	return Capabilities{WillQueryOwnState: true}
}
