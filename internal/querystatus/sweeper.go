// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package querystatus

import (
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Migrator attempts an inlined migration for a query given one batch
// of pending placeholder sets, returning whether the engine accepted
// it. The caller of StartInlinedMigrationBatches supplies the
// implementation; this package only drives the schedule.
type Migrator func(id QueryID, placeholders [][]int) (ok bool, err error)

// Sweeper runs the cache's background loops: a recovery-window sweep
// over NetworkFailure entries, and an inlined-migration batch consumer.
// Both are scheduled via gocron as jobs on a fixed interval.
type Sweeper struct {
	cache *Cache
	sched gocron.Scheduler
}

// NewSweeper creates the background job scheduler for cache. Call
// Start to begin running jobs.
func NewSweeper(cache *Cache) (*Sweeper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Sweeper{cache: cache, sched: s}, nil
}

// StartRecoverySweep registers a job that runs every interval, calling
// ResetIfExceededRecovery(queryWindow, recoveryWindow) for every query
// currently in NetworkFailure.
func (sw *Sweeper) StartRecoverySweep(interval, queryWindow, recoveryWindow time.Duration) error {
	_, err := sw.sched.NewJob(gocron.DurationJob(interval), gocron.NewTask(func() {
		for _, sh := range sw.cache.shards {
			sh.mu.RLock()
			ids := make([]QueryID, 0, len(sh.entries))
			for id := range sh.entries {
				ids = append(ids, id)
			}
			sh.mu.RUnlock()
			for _, id := range ids {
				if sw.cache.ResetIfExceededRecovery(id, queryWindow, recoveryWindow) {
					qlog.Infof("query %s recovery window exceeded, re-attempting engine", id)
				}
			}
		}
	}))
	return err
}

// StartInlinedMigrationBatches registers a job that drains pending
// inlined placeholder sets every interval and attempts a migration
// batch via migrate: "a background migration consumes them in
// batches; on completion it increments the query's inlined epoch; on
// unsupported result it transitions the query to Unsupported."
func (sw *Sweeper) StartInlinedMigrationBatches(interval time.Duration, textOf func(QueryID) string, migrate Migrator) error {
	_, err := sw.sched.NewJob(gocron.DurationJob(interval), gocron.NewTask(func() {
		for _, id := range sw.cache.PendingInlinedIDs() {
			sets := sw.cache.DrainPendingInlinedPlaceholders(id)
			if len(sets) == 0 {
				continue
			}
			text := textOf(id)
			ok, err := migrate(id, sets)
			if err != nil {
				qlog.Warnf("inlined migration batch for %s: %v", id, err)
				continue
			}
			if ok {
				sw.cache.CompleteInlinedMigration(id, text, flatten(sets))
			} else {
				sw.cache.UnsupportedInlinedMigration(id, text)
			}
		}
	}))
	return err
}

// Start begins running the scheduler's registered jobs.
func (sw *Sweeper) Start() { sw.sched.Start() }

// Stop shuts the scheduler down, waiting for in-flight jobs.
func (sw *Sweeper) Stop() error { return sw.sched.Shutdown() }

func flatten(sets [][]int) []int {
	if len(sets) == 0 {
		return nil
	}
	return sets[len(sets)-1]
}
