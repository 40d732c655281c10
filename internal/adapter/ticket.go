// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package adapter

import (
	"fmt"
	"sort"
	"strings"
)

// Ticket is the logical timestamp a client holds to enforce
// read-your-writes: per touched table, the latest write timestamp the
// client must observe. Join is the element-wise maximum, so tickets
// form a join-semilattice — joining the same write twice is a no-op
// and join order does not matter.
type Ticket struct {
	tables map[int]int64
}

// NewTicket returns the bottom element: no observed writes.
func NewTicket() Ticket {
	return Ticket{tables: make(map[int]int64)}
}

// Join folds other into t, taking the maximum per table.
func (t *Ticket) Join(other Ticket) {
	if t.tables == nil {
		t.tables = make(map[int]int64)
	}
	for table, ts := range other.tables {
		if ts > t.tables[table] {
			t.tables[table] = ts
		}
	}
}

// Observe records a single write at ts against table.
func (t *Ticket) Observe(table int, ts int64) {
	if t.tables == nil {
		t.tables = make(map[int]int64)
	}
	if ts > t.tables[table] {
		t.tables[table] = ts
	}
}

// Required returns the watermark a reader over table must reach before
// serving this client, or 0 if the client never wrote to it.
func (t Ticket) Required(table int) int64 {
	return t.tables[table]
}

// Dominates reports whether every entry of other is covered by t.
func (t Ticket) Dominates(other Ticket) bool {
	for table, ts := range other.tables {
		if t.tables[table] < ts {
			return false
		}
	}
	return true
}

// Empty reports whether the ticket has observed no writes.
func (t Ticket) Empty() bool { return len(t.tables) == 0 }

func (t Ticket) String() string {
	if len(t.tables) == 0 {
		return "ticket{}"
	}
	keys := make([]int, 0, len(t.tables))
	for k := range t.tables {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	var b strings.Builder
	b.WriteString("ticket{")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%d:%d", k, t.tables[k])
	}
	b.WriteString("}")
	return b.String()
}
