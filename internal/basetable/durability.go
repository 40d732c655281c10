// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package basetable

import "time"

// DurabilityKind selects how aggressively a base table fsyncs its
// durable log before acknowledging a write: durability modes.
type DurabilityKind uint8

const (
	// DurabilityNone never fsyncs explicitly; a crash can lose writes
	// still buffered by the OS.
	DurabilityNone DurabilityKind = iota
	// DurabilityBuffered batches up to N records or T elapsed, whichever
	// comes first, before fsyncing.
	DurabilityBuffered
	// DurabilitySyncOnCommit fsyncs after every apply() call returns.
	DurabilitySyncOnCommit
)

// Durability configures a Table's fsync policy.
type Durability struct {
	Kind DurabilityKind

	// BufferRecords and BufferInterval apply only to DurabilityBuffered.
	BufferRecords  int
	BufferInterval time.Duration
}

func SyncOnCommit() Durability { return Durability{Kind: DurabilitySyncOnCommit} }

func None() Durability { return Durability{Kind: DurabilityNone} }

func Buffered(records int, interval time.Duration) Durability {
	return Durability{Kind: DurabilityBuffered, BufferRecords: records, BufferInterval: interval}
}
