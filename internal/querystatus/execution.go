// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package querystatus

import "time"

// ExecuteSucceeded records a successful execution against the engine.
func (c *Cache) ExecuteSucceeded(id QueryID, text string) {
	c.setExecutionState(id, text, ExecSuccessful)
}

// ExecuteNetworkFailure records that the engine was unreachable.
func (c *Cache) ExecuteNetworkFailure(id QueryID, text string) {
	c.setExecutionState(id, text, ExecNetworkFailure)
}

// ExecuteFailed records a non-network execution failure.
func (c *Cache) ExecuteFailed(id QueryID, text string) {
	c.setExecutionState(id, text, ExecFailed)
}

func (c *Cache) setExecutionState(id QueryID, text string, state ExecutionState) {
	e := c.getOrInsert(id, text)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.ExecutionInfo != nil && e.status.ExecutionInfo.State == state {
		return
	}
	e.status.ExecutionInfo = &ExecutionInfo{State: state, LastTransitionTime: now()}
}

// ExecutionInfoFor returns the execution info for id, if any has been
// recorded.
func (c *Cache) ExecutionInfoFor(id QueryID) (ExecutionInfo, bool) {
	sh := c.shardFor(id)
	sh.mu.RLock()
	e, ok := sh.entries[id]
	sh.mu.RUnlock()
	if !ok {
		return ExecutionInfo{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.ExecutionInfo == nil {
		return ExecutionInfo{}, false
	}
	return *e.status.ExecutionInfo, true
}

// ResetIfExceededRecovery implements the recovery-window reset: when
// a query has sat in NetworkFailure for longer than
// queryWindow+recoveryWindow, its last-transition-time is reset to now
// so that the next execute is re-attempted against the engine instead
// of being short-circuited to upstream. Returns whether a reset
// happened.
func (c *Cache) ResetIfExceededRecovery(id QueryID, queryWindow, recoveryWindow time.Duration) bool {
	sh := c.shardFor(id)
	sh.mu.RLock()
	e, ok := sh.entries[id]
	sh.mu.RUnlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	info := e.status.ExecutionInfo
	if info == nil || info.State != ExecNetworkFailure {
		return false
	}
	if now().Sub(info.LastTransitionTime) <= queryWindow+recoveryWindow {
		return false
	}
	info.LastTransitionTime = now()
	return true
}

// now is indirected so tests can substitute a deterministic clock.
var now = time.Now
