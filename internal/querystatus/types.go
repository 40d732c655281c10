// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package querystatus implements the adapter's per-query metadata
// cache: a sharded thread-safe map from a structural query hash
// to migration state, execution health, and the "always serve from the
// engine" override, plus the deny/allow list derivations the routing
// consults.
package querystatus

import (
	"fmt"
	"hash/fnv"
	"time"
)

// MigrationState is the per-query state machine:
// pending → supported → unsupported/dropped, or inlined.
type MigrationState uint8

const (
	Pending MigrationState = iota
	Successful
	Unsupported
	Inlined
	Dropped
)

func (m MigrationState) String() string {
	switch m {
	case Pending:
		return "pending"
	case Successful:
		return "successful"
	case Unsupported:
		return "unsupported"
	case Inlined:
		return "inlined"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// ExecutionState is the outcome of the most recent execute against the
// engine for a query: execution-info.
type ExecutionState uint8

const (
	ExecNone ExecutionState = iota
	ExecSuccessful
	ExecNetworkFailure
	ExecFailed
)

// ExecutionInfo carries the last execution outcome and when the query
// entered it.
type ExecutionInfo struct {
	State              ExecutionState
	LastTransitionTime time.Time
}

// MigrationStyle governs deny-list derivation.
type MigrationStyle uint8

const (
	StyleInRequestPath MigrationStyle = iota
	StyleAsync
	StyleExplicit
)

// QueryStatus is the full per-query record.
type QueryStatus struct {
	MigrationState MigrationState
	ExecutionInfo  *ExecutionInfo
	Always         bool

	// Populated only while MigrationState == Inlined: the placeholder
	// positions being inlined and the epoch, incremented each time a
	// batch of inlined migrations completes.
	InlinedPlaceholders []int
	InlinedEpoch        uint64
}

func (s QueryStatus) IsSuccessful() bool  { return s.MigrationState == Successful }
func (s QueryStatus) IsUnsupported() bool { return s.MigrationState == Unsupported }
func (s QueryStatus) IsDropped() bool     { return s.MigrationState == Dropped }
func (s QueryStatus) IsPending() bool     { return s.MigrationState == Pending }
func (s QueryStatus) IsInlined() bool     { return s.MigrationState == Inlined }

// QueryID is the externally visible identifier: "q_<16-hex>" where
// the hex digits are the low 64 bits of a structural hash of the
// parsed query (or the raw text, for parse-failed queries).
type QueryID string

// HashQuery computes the FNV-1a 64-bit hash of a query's canonical text
// and formats it. The hash function itself is an implementation
// detail; only the "q_<16-hex>" format and its stability across calls
// with the same text are contractual.
func HashQuery(canonicalText string) QueryID {
	h := fnv.New64a()
	_, _ = h.Write([]byte(canonicalText))
	return QueryID(fmt.Sprintf("q_%016x", h.Sum64()))
}
