// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package dataflow

import (
	"fmt"
	"strings"

	"github.com/flowbase/flowbase/internal/record"
	"github.com/flowbase/flowbase/internal/value"
)

// Variant tags the three shapes a State can take: none (operator keeps
// no materialized state), partial (hole-aware), or full (every key is
// always materialized).
type Variant uint8

const (
	VariantNone Variant = iota
	VariantPartial
	VariantFull
)

// LookupResult is the outcome of a State.Lookup: a hit with rows, or a
// miss (either a genuine hole in partial state, or simply "no rows for
// this key" in full state — the two are distinguished by Hole).
type LookupResult struct {
	Rows []record.Record
	Hole bool
}

// bucket holds the materialized rows for one key. A present-but-empty
// bucket (len(rows)==0, not a hole) is a valid "filled, no matches"
// state — exactly what mark_filled produces before any backfill delta
// is applied.
type bucket struct {
	rows []record.Record
}

// State is the per-operator materialized map from key-tuple to rows,
// keyed by one or more columns. It is owned by a single Domain and is
// never accessed concurrently — the domain's single-threaded scheduler
// is the only caller — so State carries no internal locking.
//
// In the partial variant, presence in rows IS the filled/hole
// distinction: a key is a hole until MarkFilled materializes it, so a
// never-seen key upqueries by default instead of masquerading as
// filled-but-empty.
type State struct {
	variant Variant
	keyCols []int
	rows    map[string]*bucket
}

func NewState(variant Variant, keyCols []int) *State {
	return &State{
		variant: variant,
		keyCols: keyCols,
		rows:    make(map[string]*bucket),
	}
}

func (s *State) Variant() Variant { return s.variant }
func (s *State) KeyColumns() []int {
	out := make([]int, len(s.keyCols))
	copy(out, s.keyCols)
	return out
}

// encodeKey renders a key tuple into a string safe to use as a Go map
// key, preserving the distinctions value.Equal/value.Compare make
// (including the bit-pattern distinction between +0.0 and -0.0).
func encodeKey(key []value.Value) string {
	var b strings.Builder
	for i, v := range key {
		if i > 0 {
			b.WriteByte(0)
		}
		fmt.Fprintf(&b, "%d:%x", v.Kind(), value.Hash(v))
		b.WriteByte(0)
		b.WriteString(v.String())
	}
	return b.String()
}

// Lookup returns the materialized rows for key. For VariantNone it
// always misses without being a hole (the operator keeps no state at
// all — the caller should not have asked). For VariantFull, an absent
// key simply means no rows, never a hole. For VariantPartial, every
// absent key is a hole — including one that has never been seen — and
// must be backfilled by upquery before it can be read.
func (s *State) Lookup(key []value.Value) LookupResult {
	if b, ok := s.rows[encodeKey(key)]; ok {
		return LookupResult{Rows: b.rows}
	}
	if s.variant == VariantPartial {
		return LookupResult{Hole: true}
	}
	return LookupResult{}
}

// MarkFilled promotes a hole to an (initially empty) materialized
// bucket. It is idempotent.
func (s *State) MarkFilled(key []value.Value) {
	k := encodeKey(key)
	if _, ok := s.rows[k]; !ok {
		s.rows[k] = &bucket{}
	}
}

// MarkHole re-evicts a filled key: the bucket is dropped and the key
// becomes a hole again. Safe to call at any time; subsequent reads
// upquery. Which holes to evict under memory pressure is the caller's
// policy, not State's.
func (s *State) MarkHole(key []value.Value) {
	delete(s.rows, encodeKey(key))
}

// IsHole reports whether key is currently an unmaterialized hole.
func (s *State) IsHole(key []value.Value) bool {
	if s.variant != VariantPartial {
		return false
	}
	_, ok := s.rows[encodeKey(key)]
	return !ok
}

// Insert adds row to the bucket for key, creating it if necessary.
// For partial state the caller (the owning Domain) skips holes instead
// of inserting into them — a lone delta landing in an unmaterialized
// bucket would masquerade as the complete row set.
func (s *State) Insert(key []value.Value, row record.Record) {
	k := encodeKey(key)
	b, ok := s.rows[k]
	if !ok {
		b = &bucket{}
		s.rows[k] = b
	}
	b.rows = append(b.rows, row)
}

// Remove deletes exactly one row matching row's values from the bucket
// for key, mirroring a reader's retract-consumes-one-positive rule.
// Reports whether a match was found.
func (s *State) Remove(key []value.Value, row record.Record) bool {
	k := encodeKey(key)
	b, ok := s.rows[k]
	if !ok {
		return false
	}
	for i, r := range b.rows {
		if r.RowEqual(row) {
			b.rows = append(b.rows[:i], b.rows[i+1:]...)
			return true
		}
	}
	return false
}
