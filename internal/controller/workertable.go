// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package controller

import (
	"sync"
	"time"

	"github.com/flowbase/flowbase/log"
)

var clog log.Component = "CONTROLLER"

// WorkerSender delivers a Message to a registered worker, e.g. a NATS
// publish to that worker's subject. BusSender in transport.go is the
// implementation; WorkerTable only depends on the interface, matching the pattern dataflow.Link uses for Domain's
// cross-domain delivery.
type WorkerSender interface {
	Send(Message) error
}

// WorkerInfo is the controller's bookkeeping for one registered
// worker.
type WorkerInfo struct {
	Sender        WorkerSender
	LastHeartbeat time.Time
	Healthy       bool
	Region        string
	VolumeID      string
}

// WorkerTable is the controller-local authoritative set of registered
// workers: "the only globally mutable state is ... the
// controller's worker table." All mutators are entry-scoped.
type WorkerTable struct {
	mu      sync.RWMutex
	workers map[string]*WorkerInfo
}

func NewWorkerTable() *WorkerTable {
	return &WorkerTable{workers: make(map[string]*WorkerInfo)}
}

// Register records a new worker at sourceAddr: "record
// (source_addr → {sender, last_heartbeat, healthy=true})".
func (t *WorkerTable) Register(sourceAddr string, sender WorkerSender, region, volumeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.workers[sourceAddr] = &WorkerInfo{
		Sender:        sender,
		LastHeartbeat: time.Now(),
		Healthy:       true,
		Region:        region,
		VolumeID:      volumeID,
	}
	clog.Infof("worker registered: %s (region=%s volume=%s)", sourceAddr, region, volumeID)
}

// Heartbeat refreshes the last-heartbeat time for sourceAddr and marks
// it healthy again if it had been marked down.
func (t *WorkerTable) Heartbeat(sourceAddr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.workers[sourceAddr]
	if !ok {
		return
	}
	w.LastHeartbeat = time.Now()
	if !w.Healthy {
		clog.Infof("worker %s recovered", sourceAddr)
	}
	w.Healthy = true
}

// Unregister removes sourceAddr from the table entirely (used when a
// worker explicitly disconnects, as opposed to timing out).
func (t *WorkerTable) Unregister(sourceAddr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.workers, sourceAddr)
}

// SweepUnhealthy marks every worker whose last heartbeat is older than
// now-staleAfter unhealthy: "mark a worker unhealthy if
// now − last_heartbeat > 3 × heartbeat_every." Returns the addresses
// newly marked unhealthy.
func (t *WorkerTable) SweepUnhealthy(staleAfter time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	var newlyDown []string
	for addr, w := range t.workers {
		if w.Healthy && now.Sub(w.LastHeartbeat) > staleAfter {
			w.Healthy = false
			newlyDown = append(newlyDown, addr)
			clog.Warnf("worker %s marked unhealthy (last heartbeat %s ago)", addr, now.Sub(w.LastHeartbeat))
		}
	}
	return newlyDown
}

// HealthyWorkers returns the source addresses of every worker
// currently considered healthy.
func (t *WorkerTable) HealthyWorkers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.workers))
	for addr, w := range t.workers {
		if w.Healthy {
			out = append(out, addr)
		}
	}
	return out
}

// Broadcast sends msg to every healthy worker other than except,
// rewriting msg.Source to selfAddr first — the behavior DomainBooted
// handling requires: "rewrite the message source to the
// controller's address and broadcast to all other healthy workers."
func (t *WorkerTable) Broadcast(msg Message, selfAddr, except string) {
	msg.Source = selfAddr
	t.mu.RLock()
	defer t.mu.RUnlock()
	for addr, w := range t.workers {
		if addr == except || !w.Healthy {
			continue
		}
		if err := w.Sender.Send(msg); err != nil {
			clog.Errorf("broadcast to %s: %v", addr, err)
		}
	}
}

// Get returns the worker info at addr.
func (t *WorkerTable) Get(addr string) (WorkerInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	w, ok := t.workers[addr]
	if !ok {
		return WorkerInfo{}, false
	}
	return *w, true
}

// Addrs returns every registered worker address, healthy or not.
func (t *WorkerTable) Addrs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.workers))
	for addr := range t.workers {
		out = append(out, addr)
	}
	return out
}
