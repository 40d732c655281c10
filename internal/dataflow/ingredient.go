// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package dataflow

import (
	"fmt"

	"github.com/flowbase/flowbase/internal/record"
	"github.com/flowbase/flowbase/internal/value"
)

// NodeIndex identifies an Ingredient within a Domain's graph.
type NodeIndex uint32

// ColumnSource describes where one of an Ingredient's output columns
// comes from, for suggest_indexes/upquery routing and the upquery
// backtracking that follows a miss.
type ColumnSource struct {
	// FromParent, when true, means the column is passed through
	// unchanged from ParentColumn of the parent at ParentIndex.
	FromParent   bool
	ParentIndex  int
	ParentColumn int

	// Generated is true for columns this operator computes itself
	// (aggregates, expr-lang projections) — there is no parent column
	// to backtrack an upquery to.
	Generated bool
}

// Capabilities are the per-operator planning flags:
// whether the operator must see all of its input materialized, and
// whether it queries its own State while processing on_input (which
// changes how a Domain schedules replays through it).
type Capabilities struct {
	NeedsFullMaterialization bool
	WillQueryOwnState        bool
}

// Executor is the single-method contract every concrete operator
// variant implements: "on_input(state, records) ->
// records to emit downstream, possibly triggering upqueries". ctx gives
// the operator access to ancestor state for joins/upqueries.
type Executor interface {
	// OnInput processes an incoming delta from one parent, returning the
	// delta to emit downstream. It may return ErrNeedsUpquery (wrapped
	// with the missing key) if WillQueryOwnState and a required key is a
	// hole.
	OnInput(ctx *OnInputContext, from NodeIndex, delta record.Delta) (record.Delta, error)

	// SuggestIndexes reports the key columns this operator wants its own
	// State indexed by, keyed by which of its ancestors should carry the
	// corresponding index for backfill purposes.
	SuggestIndexes(self NodeIndex) map[NodeIndex][]int

	// ColumnSource reports the provenance of output column col.
	ColumnSource(col int) ColumnSource

	Capabilities() Capabilities
}

// OnInputContext is the per-call environment threaded into Executor.OnInput:
// access to this node's own materialized State plus a way to look a key
// up in an ancestor's State (for joins and upquery backfill assembly).
type OnInputContext struct {
	Own      *State
	Ancestor func(idx NodeIndex) (*State, bool)
}

// ErrNeedsUpquery signals that on_input could not complete because a
// key was a hole in partial state. Domain.deliver catches this and
// issues an upquery request instead of propagating the delta.
type ErrNeedsUpquery struct {
	Node NodeIndex
	Key  []value.Value
}

func (e *ErrNeedsUpquery) Error() string {
	return fmt.Sprintf("dataflow: node %d needs upquery for key %v", e.Node, e.Key)
}

// Node wraps an Executor with its graph position (parents/children) and
// its own materialized State, forming one vertex of a Domain's graph.
type Node struct {
	Index    NodeIndex
	Name     string
	Parents  []NodeIndex
	Children []NodeIndex
	Exec     Executor
	State    *State
}

func NewNode(idx NodeIndex, name string, exec Executor, state *State) *Node {
	return &Node{Index: idx, Name: name, Exec: exec, State: state}
}
