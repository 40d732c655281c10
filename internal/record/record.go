// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package record implements the dataflow runtime's unit of change: an
// ordered tuple of values carrying a polarity, the delta multiset built
// from them, and the table operations and replication offsets base
// tables translate into deltas.
package record

import (
	"fmt"

	"github.com/flowbase/flowbase/internal/value"
)

// Polarity marks a Record as an insert (Positive) or a retract
// (Negative). Invariant: "a retract at a reader must have been
// preceded by a matching positive with the same values at that reader".
type Polarity bool

const (
	Positive Polarity = true
	Negative Polarity = false
)

func (p Polarity) String() string {
	if p == Positive {
		return "+"
	}
	return "-"
}

// Record is an ordered tuple of values with a polarity.
type Record struct {
	Row      []value.Value
	Polarity Polarity
}

func NewRecord(polarity Polarity, row ...value.Value) Record {
	return Record{Row: row, Polarity: polarity}
}

// Negate returns the retraction of this record: same row, flipped
// polarity.
func (r Record) Negate() Record {
	return Record{Row: r.Row, Polarity: !r.Polarity}
}

// Equal compares rows positionally using value.Equal and requires equal
// polarity.
func (r Record) Equal(other Record) bool {
	if r.Polarity != other.Polarity || len(r.Row) != len(other.Row) {
		return false
	}
	for i := range r.Row {
		if !value.Equal(r.Row[i], other.Row[i]) {
			return false
		}
	}
	return true
}

// RowEqual compares only the row values, ignoring polarity — the match
// rule used when pairing a negative against a positive: "positional
// equality on all projected columns plus timestamp is the match rule."
func (r Record) RowEqual(other Record) bool {
	if len(r.Row) != len(other.Row) {
		return false
	}
	for i := range r.Row {
		if !value.Equal(r.Row[i], other.Row[i]) {
			return false
		}
	}
	return true
}

func (r Record) String() string {
	return fmt.Sprintf("%s%v", r.Polarity, r.Row)
}

// Key extracts the values at cols, in order, as a lookup key. Used by
// State and Reader to index rows by one or more key columns.
func (r Record) Key(cols []int) []value.Value {
	key := make([]value.Value, len(cols))
	for i, c := range cols {
		key[i] = r.Row[c]
	}
	return key
}

// Delta is an ordered multiset of records, the unit that flows between
// Ingredients.
type Delta []Record

// Positives returns the subset of d with Positive polarity, preserving
// order.
func (d Delta) Positives() []Record {
	out := make([]Record, 0, len(d))
	for _, r := range d {
		if r.Polarity == Positive {
			out = append(out, r)
		}
	}
	return out
}

// Negatives returns the subset of d with Negative polarity, preserving
// order.
func (d Delta) Negatives() []Record {
	out := make([]Record, 0, len(d))
	for _, r := range d {
		if r.Polarity == Negative {
			out = append(out, r)
		}
	}
	return out
}
