// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package querystatus

import (
	"hash/fnv"
	"sync"

	"github.com/flowbase/flowbase/log"
)

var qlog log.Component = "QSC"

const shardCount = 32

// entry pairs a QueryStatus with the mutex that serializes its
// mutators: "all mutators operate on a single entry and perform
// compare-and-set of the state field."
type entry struct {
	mu     sync.Mutex
	status QueryStatus
	text   string
}

// shard is one of the cache's concurrent hash map partitions.
type shard struct {
	mu      sync.RWMutex
	entries map[QueryID]*entry
}

// Cache is the adapter-local query status cache Safe for
// concurrent use from every connection goroutine.
type Cache struct {
	shards [shardCount]*shard
	style  MigrationStyle

	pendingInlinedMu sync.Mutex
	pendingInlined   map[QueryID][][]int // placeholder sets awaiting an inlined migration batch
}

// New constructs an empty cache using the given deny-list style.
func New(style MigrationStyle) *Cache {
	c := &Cache{style: style, pendingInlined: make(map[QueryID][][]int)}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[QueryID]*entry)}
	}
	return c
}

func (c *Cache) shardFor(id QueryID) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return c.shards[h.Sum32()%shardCount]
}

// getOrInsert returns the entry for id, creating it with Pending state
// if absent.
func (c *Cache) getOrInsert(id QueryID, text string) *entry {
	sh := c.shardFor(id)

	sh.mu.RLock()
	e, ok := sh.entries[id]
	sh.mu.RUnlock()
	if ok {
		return e
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entries[id]; ok {
		return e
	}
	e = &entry{status: QueryStatus{MigrationState: Pending}, text: text}
	sh.entries[id] = e
	return e
}

// Insert registers a query, lazily creating a Pending entry if it has
// never been seen: "insert(q); insert(q) keeps a single entry and
// does not change its state." Returns the entry's current status.
func (c *Cache) Insert(id QueryID, text string) QueryStatus {
	e := c.getOrInsert(id, text)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Get returns the current status for id, if the query has been seen.
func (c *Cache) Get(id QueryID) (QueryStatus, bool) {
	sh := c.shardFor(id)
	sh.mu.RLock()
	e, ok := sh.entries[id]
	sh.mu.RUnlock()
	if !ok {
		return QueryStatus{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, true
}

// Update transitions id's migration state to m, enforcing the
// transition table: Unsupported is terminal; Inlined may only move to
// Unsupported; every other state may move to any non-Dropped state.
// Dropped is only ever set by Drop. Unknown queries are created with
// state m directly, matching
// update_query_migration_state "None => insert_with_status".
func (c *Cache) Update(id QueryID, text string, m MigrationState) {
	if m == Dropped {
		qlog.Warnf("Update: Dropped must be set via Drop, ignoring for %s", id)
		return
	}
	e := c.getOrInsert(id, text)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.status.MigrationState {
	case Unsupported:
		// terminal; no transition.
	case Inlined:
		if m == Unsupported {
			e.status.MigrationState = Unsupported
			e.status.InlinedPlaceholders = nil
		}
	default:
		e.status.MigrationState = m
	}
}

// ViewNotFound implements the "view not found" recovery: Successful or
// Pending demote to Pending; Inlined and Unsupported are unaffected.
func (c *Cache) ViewNotFound(id QueryID, text string) {
	e := c.getOrInsert(id, text)
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.status.MigrationState {
	case Unsupported, Inlined:
		// unaffected
	default:
		e.status.MigrationState = Pending
	}
}

// Drop marks id Dropped explicitly — the only way to reach that state.
func (c *Cache) Drop(id QueryID, text string) {
	e := c.getOrInsert(id, text)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.MigrationState = Dropped
}

// AlwaysAttempt sets the always-serve-from-engine override. Per the
// always-attempt semantics, it is refused for Unsupported
// queries.
func (c *Cache) AlwaysAttempt(id QueryID, always bool) {
	sh := c.shardFor(id)
	sh.mu.RLock()
	e, ok := sh.entries[id]
	sh.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.MigrationState == Unsupported {
		return
	}
	e.status.Always = always
}

// PendingMigrations returns every query currently in Pending state —
// the set the migration planner needs to attempt next.
func (c *Cache) PendingMigrations() map[QueryID]QueryStatus {
	return c.filter(func(s QueryStatus) bool { return s.MigrationState == Pending })
}

// AllowList returns queries that may be served from the engine:
// exactly those in Successful state, regardless of style.
func (c *Cache) AllowList() map[QueryID]QueryStatus {
	return c.filter(func(s QueryStatus) bool { return s.MigrationState == Successful })
}

// DenyList returns queries the adapter must not route to the engine,
// derived: Async/InRequestPath deny {Unsupported, Dropped};
// Explicit denies any non-Successful state, including Pending.
func (c *Cache) DenyList() map[QueryID]QueryStatus {
	switch c.style {
	case StyleExplicit:
		return c.filter(func(s QueryStatus) bool { return s.MigrationState != Successful })
	default:
		return c.filter(func(s QueryStatus) bool {
			return s.MigrationState == Unsupported || s.MigrationState == Dropped
		})
	}
}

func (c *Cache) filter(pred func(QueryStatus) bool) map[QueryID]QueryStatus {
	out := make(map[QueryID]QueryStatus)
	for _, sh := range c.shards {
		sh.mu.RLock()
		for id, e := range sh.entries {
			e.mu.Lock()
			s := e.status
			e.mu.Unlock()
			if pred(s) {
				out[id] = s
			}
		}
		sh.mu.RUnlock()
	}
	return out
}
