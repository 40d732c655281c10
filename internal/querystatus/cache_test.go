// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package querystatus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const queryText = "SELECT * FROM t1 WHERE id=?"

// TestQueryStatusPromotion walks a query through its full lifecycle.
func TestQueryStatusPromotion(t *testing.T) {
	c := New(StyleInRequestPath)
	id := HashQuery(queryText)

	status := c.Insert(id, queryText)
	assert.Equal(t, Pending, status.MigrationState)
	assert.Len(t, c.PendingMigrations(), 1)
	assert.Empty(t, c.AllowList())

	c.Update(id, queryText, Successful)
	assert.Empty(t, c.PendingMigrations())
	assert.Len(t, c.AllowList(), 1)
	assert.Empty(t, c.DenyList())

	c.Update(id, queryText, Unsupported)
	assert.Len(t, c.DenyList(), 1)

	c.Update(id, queryText, Successful)
	status, ok := c.Get(id)
	require.True(t, ok)
	assert.Equal(t, Unsupported, status.MigrationState, "Unsupported is terminal")
}

// Unsupported is terminal: no update moves a query out of it.
func TestUnsupportedIsTerminal(t *testing.T) {
	c := New(StyleAsync)
	id := HashQuery(queryText)
	c.Update(id, queryText, Unsupported)

	for _, m := range []MigrationState{Pending, Successful, Inlined} {
		c.Update(id, queryText, m)
		status, _ := c.Get(id)
		assert.Equal(t, Unsupported, status.MigrationState)
	}

	c.Drop(id, queryText)
	status, _ := c.Get(id)
	assert.Equal(t, Dropped, status.MigrationState, "explicit drop is the one exception")
}

// An inlined query either stays inlined or becomes unsupported.
func TestInlinedOnlyMovesToUnsupported(t *testing.T) {
	c := New(StyleAsync)
	id := HashQuery(queryText)
	c.CompleteInlinedMigration(id, queryText, []int{1})

	c.Update(id, queryText, Pending)
	status, _ := c.Get(id)
	assert.Equal(t, Inlined, status.MigrationState, "Inlined only transitions to Unsupported")

	c.Update(id, queryText, Unsupported)
	status, _ = c.Get(id)
	assert.Equal(t, Unsupported, status.MigrationState)
}

// Inserting the same query twice keeps a single entry:
// insert(q); insert(q) keeps a single entry and does not change state.
func TestInsertIdempotent(t *testing.T) {
	c := New(StyleInRequestPath)
	id := HashQuery(queryText)
	c.Update(id, queryText, Successful)

	status := c.Insert(id, queryText)
	assert.Equal(t, Successful, status.MigrationState)
	assert.Len(t, c.AllowList(), 1)
}

func TestViewNotFoundDemotesSuccessfulAndPendingOnly(t *testing.T) {
	c := New(StyleInRequestPath)

	successfulID := HashQuery("q1")
	c.Update(successfulID, "q1", Successful)
	c.ViewNotFound(successfulID, "q1")
	status, _ := c.Get(successfulID)
	assert.Equal(t, Pending, status.MigrationState)

	unsupportedID := HashQuery("q2")
	c.Update(unsupportedID, "q2", Unsupported)
	c.ViewNotFound(unsupportedID, "q2")
	status, _ = c.Get(unsupportedID)
	assert.Equal(t, Unsupported, status.MigrationState)

	inlinedID := HashQuery("q3")
	c.CompleteInlinedMigration(inlinedID, "q3", []int{0})
	c.ViewNotFound(inlinedID, "q3")
	status, _ = c.Get(inlinedID)
	assert.Equal(t, Inlined, status.MigrationState)
}

func TestDenyListByStyle(t *testing.T) {
	pendingID := HashQuery("p")
	unsupportedID := HashQuery("u")
	droppedID := HashQuery("d")

	async := New(StyleAsync)
	async.Insert(pendingID, "p")
	async.Update(unsupportedID, "u", Unsupported)
	async.Drop(droppedID, "d")
	assert.Len(t, async.DenyList(), 2, "Async denies only Unsupported+Dropped, not Pending")

	explicit := New(StyleExplicit)
	explicit.Insert(pendingID, "p")
	explicit.Update(unsupportedID, "u", Unsupported)
	explicit.Drop(droppedID, "d")
	assert.Len(t, explicit.DenyList(), 3, "Explicit denies everything but Successful")
}

func TestResetIfExceededRecovery(t *testing.T) {
	c := New(StyleInRequestPath)
	withinWindowID := HashQuery("within")
	c.ExecuteNetworkFailure(withinWindowID, "within")

	info, ok := c.ExecutionInfoFor(withinWindowID)
	require.True(t, ok)
	assert.Equal(t, ExecNetworkFailure, info.State)
	assert.False(t, c.ResetIfExceededRecovery(withinWindowID, time.Hour, time.Hour), "window not yet exceeded")

	exceededID := HashQuery("exceeded")
	fixedPast := time.Now().Add(-3 * time.Hour)
	restoreNow := now
	now = func() time.Time { return fixedPast }
	c.ExecuteNetworkFailure(exceededID, "exceeded")
	now = restoreNow

	assert.True(t, c.ResetIfExceededRecovery(exceededID, time.Hour, time.Hour))
	assert.False(t, c.ResetIfExceededRecovery(exceededID, time.Hour, time.Hour), "reset already consumed the stale window")
}
