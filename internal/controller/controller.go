// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
)

// Controller is the elected singleton planner. Only the process
// currently holding the consensus store's leader slot acts on worker
// registrations and runs the healthcheck sweep; a non-leader instance
// keeps campaigning in the background.
type Controller struct {
	store   ConsensusStore
	desc    ControllerDescriptor
	workers *WorkerTable
	metrics *Metrics

	primaryRegion string
	region        string

	heartbeatEvery   time.Duration
	healthcheckEvery time.Duration

	mu       sync.RWMutex
	leader   bool
	sched    gocron.Scheduler
	stopOnce sync.Once
}

// Config bundles the election and liveness tunables.
type Config struct {
	ExternalAddr     string
	WorkerAddr       string
	DomainAddr       string
	Region           string
	PrimaryRegion    string
	HeartbeatEvery   time.Duration
	HealthcheckEvery time.Duration
}

// New constructs a Controller instance that has not yet campaigned for
// leadership.
func New(store ConsensusStore, metrics *Metrics, cfg Config) *Controller {
	if cfg.HeartbeatEvery == 0 {
		cfg.HeartbeatEvery = 5 * time.Second
	}
	if cfg.HealthcheckEvery == 0 {
		cfg.HealthcheckEvery = cfg.HeartbeatEvery
	}
	return &Controller{
		store:   store,
		workers: NewWorkerTable(),
		metrics: metrics,
		desc: ControllerDescriptor{
			ExternalAddr: cfg.ExternalAddr,
			WorkerAddr:   cfg.WorkerAddr,
			DomainAddr:   cfg.DomainAddr,
			Nonce:        uuid.New(),
		},
		primaryRegion:    cfg.PrimaryRegion,
		region:           cfg.Region,
		heartbeatEvery:   cfg.HeartbeatEvery,
		healthcheckEvery: cfg.HealthcheckEvery,
	}
}

// WorkerTable exposes the controller's worker bookkeeping, e.g. for the
// RPC surface's healthy_workers()/statistics endpoints.
func (c *Controller) WorkerTable() *WorkerTable { return c.workers }

// Descriptor returns this controller's own descriptor (stable for its
// process lifetime; only the leader's copy is ever written to the
// store).
func (c *Controller) Descriptor() ControllerDescriptor { return c.desc }

// IsLeader reports whether this process currently holds the slot.
func (c *Controller) IsLeader() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leader
}

// Campaign runs until ctx is cancelled, periodically attempting to
// become leader (if not already) and, while leader, running the
// healthcheck sweep ElectionEligible gates whether this worker's
// region permits campaigning at all.
func (c *Controller) Campaign(ctx context.Context, retryEvery time.Duration) error {
	if !ElectionEligible(c.region, c.primaryRegion) {
		clog.Infof("region %q is not the primary region %q; not campaigning", c.region, c.primaryRegion)
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(retryEvery)
	defer ticker.Stop()
	for {
		c.tryBecomeLeader(ctx)
		select {
		case <-ctx.Done():
			c.stepDown(context.Background())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Controller) tryBecomeLeader(ctx context.Context) {
	err := c.store.Become(ctx, c.desc)
	c.mu.Lock()
	wasLeader := c.leader
	c.leader = err == nil
	c.mu.Unlock()

	if err != nil {
		if wasLeader {
			clog.Warnf("lost leadership: %v", err)
			c.stopHealthcheck()
		}
		return
	}
	if c.metrics != nil {
		c.metrics.IsLeader.Set(1)
	}
	if !wasLeader {
		clog.Infof("became controller leader: %s", c.desc.ExternalAddr)
		c.startHealthcheck()
	}
}

func (c *Controller) stepDown(ctx context.Context) {
	c.mu.Lock()
	c.leader = false
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.IsLeader.Set(0)
	}
	c.stopHealthcheck()
	_ = c.store.Resign(ctx, c.desc)
}

func (c *Controller) startHealthcheck() {
	s, err := gocron.NewScheduler()
	if err != nil {
		clog.Errorf("healthcheck scheduler: %v", err)
		return
	}
	staleAfter := 3 * c.heartbeatEvery
	_, err = s.NewJob(gocron.DurationJob(c.healthcheckEvery), gocron.NewTask(func() {
		c.workers.SweepUnhealthy(staleAfter)
		if c.metrics != nil {
			c.metrics.HealthyWorkers.Set(float64(len(c.workers.HealthyWorkers())))
		}
	}))
	if err != nil {
		clog.Errorf("register healthcheck job: %v", err)
		return
	}
	c.mu.Lock()
	c.sched = s
	c.mu.Unlock()
	s.Start()
}

func (c *Controller) stopHealthcheck() {
	c.mu.Lock()
	s := c.sched
	c.sched = nil
	c.mu.Unlock()
	if s != nil {
		_ = s.Shutdown()
	}
}

// HandleRegister processes a Register message.
func (c *Controller) HandleRegister(msg Message, sender WorkerSender, region, volumeID string) {
	c.workers.Register(msg.Source, sender, region, volumeID)
	if c.metrics != nil {
		c.metrics.HealthyWorkers.Set(float64(len(c.workers.HealthyWorkers())))
	}
}

// HandleHeartbeat processes a Heartbeat message.
func (c *Controller) HandleHeartbeat(msg Message) {
	c.workers.Heartbeat(msg.Source)
}

// HandleDomainBooted processes a DomainBooted message: rewrite its
// source to this controller's external address and broadcast to every
// other healthy worker.
func (c *Controller) HandleDomainBooted(msg Message) {
	c.workers.Broadcast(msg, c.desc.ExternalAddr, msg.Source)
}
