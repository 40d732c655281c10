// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package worker hosts dataflow domains on one process: it registers
// with the elected controller, emits heartbeats, boots domains it is
// assigned, bridges cross-process domain links over framed TCP, and
// exposes the reader views its domains own.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jmoiron/sqlx"

	"github.com/flowbase/flowbase/internal/basetable"
	"github.com/flowbase/flowbase/internal/controller"
	"github.com/flowbase/flowbase/internal/dataflow"
	"github.com/flowbase/flowbase/internal/reader"
	"github.com/flowbase/flowbase/log"
)

var wlog log.Component = "WORKER"

// Config identifies this worker and paces its coordination traffic.
type Config struct {
	// ListenAddr is the address remote domains reach this worker's
	// link server on; it doubles as the worker's identity with the
	// controller.
	ListenAddr string

	// Region and VolumeID are optional placement tags.
	Region   string
	VolumeID string

	HeartbeatEvery time.Duration

	// FlushEvery paces the durable-log flush for buffered base tables.
	FlushEvery time.Duration

	// Durability applies to every base table this worker opens.
	Durability basetable.Durability
}

// Worker owns this process's domains, views and base tables.
type Worker struct {
	cfg Config
	bus controller.Bus

	mu      sync.RWMutex
	domains map[uint64]*dataflow.Domain
	views   map[string]*View
	tables  map[string]*basetable.Table

	sched gocron.Scheduler

	stopOnce sync.Once
	stopped  chan struct{}
}

func New(cfg Config, bus controller.Bus) *Worker {
	if cfg.HeartbeatEvery == 0 {
		cfg.HeartbeatEvery = 5 * time.Second
	}
	if cfg.FlushEvery == 0 {
		cfg.FlushEvery = time.Second
	}
	return &Worker{
		cfg:     cfg,
		bus:     bus,
		domains: make(map[uint64]*dataflow.Domain),
		views:   make(map[string]*View),
		tables:  make(map[string]*basetable.Table),
		stopped: make(chan struct{}),
	}
}

func (w *Worker) publish(msg controller.Message) error {
	msg.Source = w.cfg.ListenAddr
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return w.bus.Publish(controller.CoordinationSubject, data)
}

// Register announces this worker to the controller and subscribes to
// the per-worker subject the controller addresses it on.
func (w *Worker) Register() error {
	if err := w.bus.Subscribe(controller.WorkerSubject(w.cfg.ListenAddr), w.handleMessage); err != nil {
		return err
	}
	return w.publish(controller.Message{
		Kind:             controller.MsgRegister,
		RemoteListenAddr: w.cfg.ListenAddr,
		Region:           w.cfg.Region,
		VolumeID:         w.cfg.VolumeID,
	})
}

// handleMessage processes controller → worker traffic: domain
// announcements from other workers (rewritten through the controller)
// and operator-specific assignments.
func (w *Worker) handleMessage(_ string, data []byte) {
	var msg controller.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		wlog.Errorf("undecodable message: %v", err)
		return
	}
	switch msg.Kind {
	case controller.MsgDomainBooted:
		wlog.Infof("domain %d now reachable at %s", msg.DomainIndex, msg.DomainAddr)
	case controller.MsgAssignment:
		wlog.Debugf("assignment received (%d bytes)", len(msg.AssignmentPayload))
	default:
		wlog.Warnf("unexpected message kind %v from %s", msg.Kind, msg.Source)
	}
}

// Start launches the heartbeat and flush loops. It returns immediately;
// loops run until Stop or ctx cancellation.
func (w *Worker) Start(ctx context.Context) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("worker: scheduler: %w", err)
	}

	if _, err := s.NewJob(gocron.DurationJob(w.cfg.HeartbeatEvery), gocron.NewTask(func() {
		if err := w.publish(controller.Message{Kind: controller.MsgHeartbeat}); err != nil {
			wlog.Warnf("heartbeat: %v", err)
		}
	})); err != nil {
		return fmt.Errorf("worker: heartbeat job: %w", err)
	}

	if _, err := s.NewJob(gocron.DurationJob(w.cfg.FlushEvery), gocron.NewTask(w.flushTables)); err != nil {
		return fmt.Errorf("worker: flush job: %w", err)
	}

	w.mu.Lock()
	w.sched = s
	w.mu.Unlock()
	s.Start()

	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.stopped:
		}
	}()
	return nil
}

// flushTables forces the durable log of every hosted base table.
func (w *Worker) flushTables() {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for name, t := range w.tables {
		if err := t.Flush(); err != nil {
			wlog.Errorf("flushing %s: %v", name, err)
		}
	}
}

// Stop drains every hosted domain and shuts down the loops.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopped)
		w.mu.Lock()
		s := w.sched
		w.sched = nil
		domains := make([]*dataflow.Domain, 0, len(w.domains))
		for _, d := range w.domains {
			domains = append(domains, d)
		}
		w.mu.Unlock()
		if s != nil {
			_ = s.Shutdown()
		}
		for _, d := range domains {
			_ = d.Enqueue(dataflow.Packet{Kind: dataflow.PacketDrain})
		}
	})
}

// BootDomain starts domain idx's processing loop on its own goroutine
// and announces it to the controller, which rebroadcasts the address to
// the other workers.
func (w *Worker) BootDomain(idx uint64, d *dataflow.Domain) error {
	w.mu.Lock()
	if _, exists := w.domains[idx]; exists {
		w.mu.Unlock()
		return fmt.Errorf("worker: domain %d already booted", idx)
	}
	w.domains[idx] = d
	w.mu.Unlock()

	go d.Run(func() {
		wlog.Infof("domain %d drained", idx)
	})

	return w.publish(controller.Message{
		Kind:        controller.MsgDomainBooted,
		DomainIndex: idx,
		DomainAddr:  w.cfg.ListenAddr,
	})
}

// Domain returns the hosted domain at idx.
func (w *Worker) Domain(idx uint64) (*dataflow.Domain, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	d, ok := w.domains[idx]
	return d, ok
}

// HostTable registers a base table so the flush loop covers it.
func (w *Worker) HostTable(name string, t *basetable.Table) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tables[name] = t
}

// OpenTable opens a base table under the worker's configured
// durability and hosts it.
func (w *Worker) OpenTable(db *sqlx.DB, schema *basetable.Schema, logPath string) (*basetable.Table, error) {
	t, err := basetable.Open(db, schema, logPath, w.cfg.Durability)
	if err != nil {
		return nil, err
	}
	w.HostTable(schema.TableName, t)
	return t, nil
}

// RegisterView exposes a reader under name.
func (w *Worker) RegisterView(name string, r *reader.Reader) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.views[name] = &View{name: name, reader: r}
}

// View returns the view handle for name.
func (w *Worker) View(name string) (*View, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	v, ok := w.views[name]
	if !ok {
		return nil, fmt.Errorf("worker: view %q not found", name)
	}
	return v, nil
}
