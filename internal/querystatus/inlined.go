// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package querystatus

// AddPendingInlinedPlaceholders records a set of literal placeholder
// values awaiting an inlined migration for id: "the cache records
// pending literal sets per query" when placeholder inlining cannot
// cache a parameterized query generically.
func (c *Cache) AddPendingInlinedPlaceholders(id QueryID, placeholders []int) {
	c.pendingInlinedMu.Lock()
	defer c.pendingInlinedMu.Unlock()
	c.pendingInlined[id] = append(c.pendingInlined[id], placeholders)
}

// DrainPendingInlinedPlaceholders removes and returns every pending
// placeholder set for id, for the background migration batch consumer
// to act on.
func (c *Cache) DrainPendingInlinedPlaceholders(id QueryID) [][]int {
	c.pendingInlinedMu.Lock()
	defer c.pendingInlinedMu.Unlock()
	sets := c.pendingInlined[id]
	delete(c.pendingInlined, id)
	return sets
}

// PendingInlinedIDs lists every query with at least one pending
// placeholder set, for the batch consumer to iterate.
func (c *Cache) PendingInlinedIDs() []QueryID {
	c.pendingInlinedMu.Lock()
	defer c.pendingInlinedMu.Unlock()
	ids := make([]QueryID, 0, len(c.pendingInlined))
	for id := range c.pendingInlined {
		ids = append(ids, id)
	}
	return ids
}

// CompleteInlinedMigration marks id Inlined with the given placeholder
// positions and increments its epoch: "on completion it
// increments the query's inlined epoch."
func (c *Cache) CompleteInlinedMigration(id QueryID, text string, placeholders []int) {
	e := c.getOrInsert(id, text)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.MigrationState == Unsupported {
		return
	}
	e.status.MigrationState = Inlined
	e.status.InlinedPlaceholders = placeholders
	e.status.InlinedEpoch++
}

// UnsupportedInlinedMigration marks id Unsupported after an inlined
// migration attempt failed, and clears its pending placeholder sets.
func (c *Cache) UnsupportedInlinedMigration(id QueryID, text string) {
	e := c.getOrInsert(id, text)
	e.mu.Lock()
	e.status.MigrationState = Unsupported
	e.status.InlinedPlaceholders = nil
	e.mu.Unlock()

	c.pendingInlinedMu.Lock()
	delete(c.pendingInlined, id)
	c.pendingInlinedMu.Unlock()
}
