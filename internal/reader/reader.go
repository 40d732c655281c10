// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package reader implements the leaf operator of the dataflow graph:
// a key→rows multimap fronted by an append log of pending deltas. The
// log has no length limit; only Absorb shortens it. Lookups can be satisfied against the absorbed store
// alone or "including" a later timestamp, in which case pending nodes
// are folded in on the fly without mutating the store.
package reader

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/flowbase/flowbase/internal/record"
	"github.com/flowbase/flowbase/internal/value"
	"github.com/flowbase/flowbase/log"
)

var rlog log.Component = "READER"

// node is one entry in the pending append list, tail-extended by
// appenders and head-absorbed by the single absorber. Reused via a
// sync.Pool to keep steady-state appends allocation-free.
type node struct {
	ts    int64
	delta record.Delta
	next  *node
}

var nodePool = sync.Pool{
	New: func() any { return &node{} },
}

func newNode(ts int64, delta record.Delta) *node {
	n := nodePool.Get().(*node)
	n.ts = ts
	n.delta = delta
	n.next = nil
	return n
}

// bucket is the materialized row set for one key.
type bucket struct {
	rows []record.Record
}

// waiter is parked by a caller blocked in LookupBlocking until the
// absorbed watermark reaches its target timestamp, the blocking half
// of the read-your-writes ticket join. Notified by Absorb.
type waiter struct {
	target int64
	ch     chan struct{}
}

// Reader is the reader index and its concurrency
// model: many appenders, many readers, a single absorber. The store
// (storeMu) and the pending list (pendingMu) are guarded by separate
// locks so that appenders extending the tail never block readers or
// the absorber from using the store, and so that a reader's "including"
// scan only needs to pin the pending list, not the whole reader.
type Reader struct {
	keyCols []int

	storeMu  sync.RWMutex
	store    map[string]*bucket
	absorbed int64

	pendingMu sync.RWMutex
	head      *node // sentinel; head.next is the oldest pending node
	tail      *node

	waitersMu sync.Mutex
	waiters   []*waiter
}

// New creates an empty reader indexed by keyCols. The absorbed
// watermark starts below every valid timestamp so an initial delta can
// land at ts=0.
func New(keyCols []int) *Reader {
	sentinel := &node{}
	return &Reader{
		keyCols:  keyCols,
		store:    make(map[string]*bucket),
		absorbed: -1,
		head:     sentinel,
		tail:     sentinel,
	}
}

func encodeKey(key []value.Value) string {
	var b strings.Builder
	for i, v := range key {
		if i > 0 {
			b.WriteByte(0)
		}
		fmt.Fprintf(&b, "%d:%x:%s", v.Kind(), value.Hash(v), v.String())
	}
	return b.String()
}

// Add appends delta at ts to the pending list. ts must be strictly
// greater than the absorbed watermark; Add
// never blocks on readers or the absorber.
func (r *Reader) Add(delta record.Delta, ts int64) error {
	r.storeMu.RLock()
	absorbed := r.absorbed
	r.storeMu.RUnlock()
	if ts <= absorbed {
		return fmt.Errorf("reader: Add at ts=%d must be > absorbed=%d", ts, absorbed)
	}

	n := newNode(ts, delta)
	r.pendingMu.Lock()
	r.tail.next = n
	r.tail = n
	r.pendingMu.Unlock()
	return nil
}

// Absorb folds every pending node with ts ≤ tsInclusive into the
// store, in order, inserting positives and deleting one matching row
// per negative, then advances the absorbed watermark. It is the only
// mutator of the store. Idempotent: absorbing the same or an
// earlier timestamp twice is a no-op ("absorb(t);
// absorb(t) ≡ absorb(t)").
func (r *Reader) Absorb(tsInclusive int64) {
	r.storeMu.Lock()
	if tsInclusive <= r.absorbed {
		r.storeMu.Unlock()
		return
	}

	r.pendingMu.Lock()
	cur := r.head.next
	var lastAbsorbed *node
	for cur != nil && cur.ts <= tsInclusive {
		for _, rec := range cur.delta {
			r.apply(rec)
		}
		lastAbsorbed = cur
		cur = cur.next
	}
	if lastAbsorbed != nil {
		// Truncate: head now points past everything just folded in.
		// Nodes between the old head and lastAbsorbed are returned to
		// the pool; cur is the new first-pending node (or nil).
		n := r.head.next
		r.head.next = cur
		if cur == nil {
			r.tail = r.head
		}
		for n != nil && n != cur {
			next := n.next
			n.next = nil
			n.delta = nil
			nodePool.Put(n)
			n = next
		}
	}
	r.pendingMu.Unlock()

	r.absorbed = tsInclusive
	r.storeMu.Unlock()

	r.notifyWaiters(tsInclusive)
}

// apply mutates the store for a single absorbed record: insert on
// Positive, delete-one-matching on Negative. Caller holds storeMu.
func (r *Reader) apply(rec record.Record) {
	key := rec.Row
	if len(r.keyCols) > 0 {
		key = rec.Key(r.keyCols)
	}
	k := encodeKey(key)
	switch rec.Polarity {
	case record.Positive:
		b, ok := r.store[k]
		if !ok {
			b = &bucket{}
			r.store[k] = b
		}
		b.rows = append(b.rows, rec)
	case record.Negative:
		b, ok := r.store[k]
		if !ok {
			return
		}
		for i, have := range b.rows {
			if have.RowEqual(rec) {
				b.rows = append(b.rows[:i], b.rows[i+1:]...)
				break
			}
		}
	}
}

// AbsorbedWatermark returns the timestamp at or before which all
// deltas have been folded into the store.
func (r *Reader) AbsorbedWatermark() int64 {
	r.storeMu.RLock()
	defer r.storeMu.RUnlock()
	return r.absorbed
}

// Lookup serves a point read. including == nil means
// "absorbed rows only"; otherwise *including must be ≥ the absorbed
// watermark, and pending records with ts ≤ *including are folded in:
// positives are appended, then each negative removes the first
// positionally equal row gathered so far (absorbed rows or positives
// pending at this or an earlier timestamp), consuming that negative. Negative
// order does not matter; a retract consumes exactly one matching
// positive.
func (r *Reader) Lookup(key []value.Value, including *int64) ([]record.Record, error) {
	k := encodeKey(key)

	r.storeMu.RLock()
	absorbed := r.absorbed
	var base []record.Record
	if b, ok := r.store[k]; ok {
		base = append(base, b.rows...)
	}
	r.storeMu.RUnlock()

	if including == nil {
		return base, nil
	}
	if *including < absorbed {
		return nil, fmt.Errorf("reader: lookup including=%d < absorbed=%d", *including, absorbed)
	}
	if *including == absorbed {
		return base, nil
	}

	// Pin the pending list against absorber truncation for the
	// duration of this scan.
	r.pendingMu.RLock()
	defer r.pendingMu.RUnlock()

	result := append([]record.Record(nil), base...)
	for cur := r.head.next; cur != nil && cur.ts <= *including; cur = cur.next {
		pos, neg := partitionAtKey(cur.delta, k, r.keyCols)
		result = append(result, pos...)
		for _, n := range neg {
			for i, have := range result {
				if have.RowEqual(n) {
					result = append(result[:i], result[i+1:]...)
					break
				}
			}
		}
	}
	return result, nil
}

// partitionAtKey splits delta into the positive/negative records whose
// key equals k, preserving order.
func partitionAtKey(delta record.Delta, k string, keyCols []int) (pos, neg []record.Record) {
	for _, rec := range delta {
		rk := rec.Row
		if len(keyCols) > 0 {
			rk = rec.Key(keyCols)
		}
		if encodeKey(rk) != k {
			continue
		}
		if rec.Polarity == record.Positive {
			pos = append(pos, rec)
		} else {
			neg = append(neg, rec)
		}
	}
	return
}

// notifyWaiters wakes every LookupBlocking caller whose target
// timestamp is now dominated by the absorbed watermark.
func (r *Reader) notifyWaiters(absorbed int64) {
	r.waitersMu.Lock()
	remaining := r.waiters[:0]
	for _, w := range r.waiters {
		if w.target <= absorbed {
			close(w.ch)
		} else {
			remaining = append(remaining, w)
		}
	}
	r.waiters = remaining
	r.waitersMu.Unlock()
}

// LookupBlocking blocks until the absorbed watermark dominates
// including, then returns Lookup(key, &including) — the primitive
// the read-your-writes ticket join uses: "the reader blocks until
// its absorbed watermark dominates T".
func (r *Reader) LookupBlocking(ctx context.Context, key []value.Value, including int64) ([]record.Record, error) {
	if r.AbsorbedWatermark() >= including {
		return r.Lookup(key, &including)
	}

	w := &waiter{target: including, ch: make(chan struct{})}
	r.waitersMu.Lock()
	// Re-check under the lock in case Absorb ran between the check
	// above and taking waitersMu.
	if r.AbsorbedWatermark() >= including {
		r.waitersMu.Unlock()
		return r.Lookup(key, &including)
	}
	r.waiters = append(r.waiters, w)
	r.waitersMu.Unlock()

	select {
	case <-w.ch:
		return r.Lookup(key, &including)
	case <-ctx.Done():
		rlog.Warnf("LookupBlocking: %v waiting for watermark %d", ctx.Err(), including)
		return nil, ctx.Err()
	}
}
