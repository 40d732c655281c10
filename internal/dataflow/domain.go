// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package dataflow

import (
	"fmt"
	"sync"

	"github.com/flowbase/flowbase/internal/record"
	"github.com/flowbase/flowbase/internal/value"
	"github.com/flowbase/flowbase/log"
)

var dlog log.Component = "DATAFLOW"

// PacketKind tags the messages flowing through a Domain's single queue,
// one of: input deltas, upquery requests/responses, evictions, the
// migrate-in-place control message, and a graceful Drain/Stop signal.
type PacketKind uint8

const (
	PacketInput PacketKind = iota
	PacketUpqueryRequest
	PacketUpqueryResponse
	PacketEvict
	PacketMigrate
	PacketDrain
	PacketStop
)

// Packet is one message on a Domain's queue. Exactly the fields
// relevant to Kind are populated.
type Packet struct {
	Kind PacketKind

	// Input / UpqueryResponse
	From  NodeIndex
	To    NodeIndex
	Delta record.Delta

	// UpqueryRequest / Evict
	Key []value.Value

	// UpqueryRequest carries the tag so the matching response can be
	// correlated without relying on arrival order across sources.
	Tag uint64
}

// Domain is the single-threaded scheduler owning a set of Nodes:
// "each Domain runs on one goroutine, processing its input queue packet
// by packet; delivery order is FIFO per upstream source, not globally".
// Cross-domain delivery is via Link (network or in-process channel).
type Domain struct {
	mu    sync.Mutex
	nodes map[NodeIndex]*Node
	order []NodeIndex

	queue chan Packet

	// pending holds upquery requests this domain issued and is waiting
	// on, keyed by tag, so an arriving UpqueryResponse can find the
	// original delta it's unblocking.
	pendingMu sync.Mutex
	pending   map[uint64]pendingUpquery

	nextTag uint64

	links map[NodeIndex]Link

	stopped bool
}

// pendingUpquery is the state an in-flight upquery blocks: the node
// that missed, the ancestor whose state holed (where the backfill must
// land), the key, and the original input packet to retry once the
// backfill delta arrives.
type pendingUpquery struct {
	node   NodeIndex
	target NodeIndex
	key    []value.Value
	retry  Packet
}

// Link delivers a Delta to another Domain, possibly over the network —
// either a local link (a channel within the process) or a cross-process
// link (framed TCP, owned by internal/worker). Implementations for both
// live outside this package; Domain only depends on the interface.
type Link interface {
	Send(Packet) error
}

func NewDomain() *Domain {
	return &Domain{
		nodes:   make(map[NodeIndex]*Node),
		queue:   make(chan Packet, 1024),
		pending: make(map[uint64]pendingUpquery),
		links:   make(map[NodeIndex]Link),
	}
}

// AddNode registers n and records it in topological insertion order
// (callers are expected to add parents before children, matching how
// the controller materializes a migration plan node by node).
func (d *Domain) AddNode(n *Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[n.Index] = n
	d.order = append(d.order, n.Index)
}

// SetLink installs the outbound link used to reach node idx when it
// lives in another domain.
func (d *Domain) SetLink(idx NodeIndex, l Link) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.links[idx] = l
}

// Enqueue places a packet on this domain's queue. Safe to call from any
// goroutine; the domain's Run loop is the only consumer, preserving
// per-source FIFO because each upstream sender enqueues into the same
// channel in its own call order.
func (d *Domain) Enqueue(p Packet) error {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return fmt.Errorf("dataflow: domain is stopped")
	}
	d.queue <- p
	return nil
}

// Run processes packets until a Stop packet aborts immediately or a
// Drain packet ends the loop after everything enqueued before it has
// been handled. onDrain, if non-nil, runs once on a graceful drain.
func (d *Domain) Run(onDrain func()) {
	for p := range d.queue {
		switch p.Kind {
		case PacketStop:
			d.mu.Lock()
			d.stopped = true
			d.mu.Unlock()
			return
		case PacketDrain:
			// Packets this domain fanned out to itself while working may
			// still sit behind the Drain; push the Drain back behind them
			// until the queue is genuinely empty.
			if len(d.queue) > 0 {
				d.queue <- p
				continue
			}
			d.mu.Lock()
			d.stopped = true
			d.mu.Unlock()
			if onDrain != nil {
				onDrain()
			}
			return
		default:
			d.process(p)
		}
	}
}

func (d *Domain) node(idx NodeIndex) (*Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[idx]
	return n, ok
}

// process delivers one packet to its target node, routing any emitted
// delta to the node's children in turn, and handling the upquery
// request/response cycle: on a miss, the node's
// Executor returns ErrNeedsUpquery; process parks the input and emits a
// PacketUpqueryRequest toward the ancestor that owns the missing key.
func (d *Domain) process(p Packet) {
	switch p.Kind {
	case PacketInput:
		d.deliver(p)
	case PacketUpqueryRequest:
		d.serveUpquery(p)
	case PacketUpqueryResponse:
		d.resumeUpquery(p)
	case PacketEvict:
		if n, ok := d.node(p.To); ok && n.State != nil {
			n.State.MarkHole(p.Key)
		}
	}
}

func (d *Domain) deliver(p Packet) {
	n, ok := d.node(p.To)
	if !ok {
		dlog.Warnf("deliver: unknown node %d", p.To)
		return
	}
	ctx := &OnInputContext{
		Own: n.State,
		Ancestor: func(idx NodeIndex) (*State, bool) {
			a, ok := d.node(idx)
			if !ok {
				return nil, false
			}
			return a.State, true
		},
	}
	out, err := n.Exec.OnInput(ctx, p.From, p.Delta)
	if err != nil {
		var needs *ErrNeedsUpquery
		if asUpquery(err, &needs) {
			d.beginUpquery(n.Index, needs, p)
			return
		}
		dlog.Errorf("node %d on_input: %v", n.Index, err)
		return
	}
	if n.State != nil && n.State.Variant() != VariantNone {
		for _, r := range out {
			key := r.Row
			if len(n.State.KeyColumns()) > 0 {
				key = r.Key(n.State.KeyColumns())
			}
			// Updates to an unmaterialized key are dropped: a hole stays
			// a hole until an upquery backfills it, and a lone delta must
			// not masquerade as the complete bucket.
			if n.State.IsHole(key) {
				continue
			}
			if r.Polarity == record.Positive {
				n.State.Insert(key, r)
			} else {
				n.State.Remove(key, r)
			}
		}
	}
	d.fanOut(n, out)
}

func asUpquery(err error, target **ErrNeedsUpquery) bool {
	if e, ok := err.(*ErrNeedsUpquery); ok {
		*target = e
		return true
	}
	return false
}

func (d *Domain) fanOut(n *Node, out record.Delta) {
	if len(out) == 0 {
		return
	}
	for _, childIdx := range n.Children {
		if link, ok := d.links[childIdx]; ok {
			if err := link.Send(Packet{Kind: PacketInput, From: n.Index, To: childIdx, Delta: out}); err != nil {
				dlog.Errorf("sending to linked node %d: %v", childIdx, err)
			}
			continue
		}
		_ = d.Enqueue(Packet{Kind: PacketInput, From: n.Index, To: childIdx, Delta: out})
	}
}

// beginUpquery parks original (the input that missed) and emits a
// request toward the ancestor owning needs.Key:
// "backtrack the miss to the ancestor that owns the key and ask for a
// backfill delta". The request carries the missing node in From so the
// server can route its response back across a link.
func (d *Domain) beginUpquery(node NodeIndex, needs *ErrNeedsUpquery, original Packet) {
	d.pendingMu.Lock()
	d.nextTag++
	tag := d.nextTag
	d.pending[tag] = pendingUpquery{node: node, target: needs.Node, key: needs.Key, retry: original}
	d.pendingMu.Unlock()

	target := needs.Node
	req := Packet{Kind: PacketUpqueryRequest, From: node, To: target, Key: needs.Key, Tag: tag}
	if link, ok := d.links[target]; ok {
		if err := link.Send(req); err != nil {
			dlog.Errorf("sending upquery request to %d: %v", target, err)
		}
		return
	}
	_ = d.Enqueue(req)
}

// serveUpquery answers an upquery request against the local node named
// by p.To, replying with the materialized rows as a backfill delta. A
// hole here answers empty: single-level backfill is assumed sufficient
// for directly-materialized ancestors, see DESIGN.md's note on
// multi-hop upqueries. The response is routed back toward the
// requester (p.From) across a link when one is registered, else it is
// served within this domain.
func (d *Domain) serveUpquery(p Packet) {
	n, ok := d.node(p.To)
	if !ok {
		return
	}
	res := n.State.Lookup(p.Key)
	if res.Hole {
		dlog.Warnf("upquery for node %d key %v hit a hole, answering empty", p.To, p.Key)
	}
	resp := Packet{Kind: PacketUpqueryResponse, From: p.To, To: p.From, Tag: p.Tag, Key: p.Key, Delta: toPositiveDelta(res.Rows)}
	if link, ok := d.links[p.From]; ok {
		if err := link.Send(resp); err != nil {
			dlog.Errorf("sending upquery response to %d: %v", p.From, err)
		}
		return
	}
	_ = d.Enqueue(resp)
}

func toPositiveDelta(rows []record.Record) record.Delta {
	out := make(record.Delta, len(rows))
	copy(out, rows)
	return out
}

// resumeUpquery handles a backfill delta landing back at the domain
// that originated the upquery: it fills the hole in the state the miss
// was against — the target ancestor's local state — then retries the
// original packet that triggered the miss.
func (d *Domain) resumeUpquery(p Packet) {
	d.pendingMu.Lock()
	pend, ok := d.pending[p.Tag]
	if ok {
		delete(d.pending, p.Tag)
	}
	d.pendingMu.Unlock()
	if !ok {
		return
	}

	if n, ok := d.node(pend.target); ok && n.State != nil {
		n.State.MarkFilled(pend.key)
		for _, r := range p.Delta {
			n.State.Insert(pend.key, r)
		}
	}

	d.deliver(pend.retry)
}
