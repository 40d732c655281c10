// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowbase/flowbase/config"
	"github.com/flowbase/flowbase/internal/adapter"
	"github.com/flowbase/flowbase/internal/auth"
	"github.com/flowbase/flowbase/internal/basetable"
	"github.com/flowbase/flowbase/internal/controller"
	"github.com/flowbase/flowbase/internal/querystatus"
	"github.com/flowbase/flowbase/internal/worker"
	"github.com/flowbase/flowbase/log"
	"github.com/flowbase/flowbase/pkg/nats"
)

// Server bundles the HTTP listener with the role services running in
// this process.
type Server struct {
	http *http.Server
	done chan struct{}

	ctrl       *controller.Controller
	wrk        *worker.Worker
	links      *worker.LinkServer
	statuses   *querystatus.Cache
	sweeper    *querystatus.Sweeper
	upstream   adapter.Upstream
	cancelCtrl context.CancelFunc
}

// busAdapter lets the NATS client satisfy controller.Bus.
type busAdapter struct{ c *nats.Client }

func (b busAdapter) Publish(subject string, data []byte) error {
	return b.c.Publish(subject, data)
}

func (b busAdapter) Subscribe(subject string, handler func(string, []byte)) error {
	return b.c.Subscribe(subject, handler)
}

func startServer(ctx context.Context, conn *basetable.DBConnection, authn *auth.Authentication) (*Server, error) {
	srv := &Server{done: make(chan struct{})}

	var bus controller.Bus
	nats.Connect()
	if c := nats.GetClient(); c != nil {
		bus = busAdapter{c: c}
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if config.HasRole("controller") {
		if err := srv.startController(ctx, bus, router, authn); err != nil {
			return nil, err
		}
	}
	if config.HasRole("worker") && bus != nil {
		if err := srv.startWorker(ctx, bus); err != nil {
			return nil, err
		}
	}
	if config.HasRole("adapter") {
		if err := srv.startAdapterServices(); err != nil {
			return nil, err
		}
	}

	handler := handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(
		handlers.CompressHandler(router))

	listener, err := net.Listen("tcp", config.Keys.Addr)
	if err != nil {
		return nil, err
	}

	srv.http = &http.Server{
		ReadTimeout:  20 * time.Second,
		WriteTimeout: 20 * time.Second,
		Handler:      handler,
	}
	go func() {
		defer close(srv.done)
		if err := srv.http.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server: %v", err)
		}
	}()
	log.Infof("listening on %s", config.Keys.Addr)
	return srv, nil
}

func (s *Server) startController(ctx context.Context, bus controller.Bus, router *mux.Router, authn *auth.Authentication) error {
	var store controller.ConsensusStore
	if path := config.Keys.Controller.ConsensusPath; path != "" {
		store = controller.NewFileConsensusStore(path)
	} else {
		store = controller.NewMemoryConsensusStore()
	}

	reg := prometheus.NewRegistry()
	metrics := controller.NewMetrics(reg)

	external := config.Keys.Controller.ExternalAddr
	if external == "" {
		external = config.Keys.Addr
	}
	s.ctrl = controller.New(store, metrics, controller.Config{
		ExternalAddr:   external,
		WorkerAddr:     config.Keys.Worker.ListenAddr,
		DomainAddr:     config.Keys.Worker.ListenAddr,
		Region:         config.Keys.Worker.Region,
		PrimaryRegion:  config.Keys.Controller.PrimaryRegion,
		HeartbeatEvery: config.HeartbeatEvery(),
	})

	campaignCtx, cancel := context.WithCancel(ctx)
	s.cancelCtrl = cancel
	go func() {
		if err := s.ctrl.Campaign(campaignCtx, config.HeartbeatEvery()); err != nil && campaignCtx.Err() == nil {
			log.Errorf("controller campaign: %v", err)
		}
	}()

	if bus != nil {
		if err := s.ctrl.Serve(bus); err != nil {
			return err
		}
	}

	rpc := controller.NewRPCServer(s.ctrl, reg)
	router.PathPrefix("/controller").Handler(
		authn.Middleware(http.StripPrefix("/controller", rpc.Router())))
	return nil
}

func (s *Server) startWorker(ctx context.Context, bus controller.Bus) error {
	var durability basetable.Durability
	switch config.Keys.Worker.Durability {
	case "sync":
		durability = basetable.SyncOnCommit()
	case "none":
		durability = basetable.None()
	default:
		records := config.Keys.Worker.FlushRecords
		if records <= 0 {
			records = 128
		}
		every := time.Duration(config.Keys.Worker.FlushEveryMs) * time.Millisecond
		if every <= 0 {
			every = 500 * time.Millisecond
		}
		durability = basetable.Buffered(records, every)
	}

	s.wrk = worker.New(worker.Config{
		ListenAddr:     config.Keys.Worker.ListenAddr,
		Region:         config.Keys.Worker.Region,
		VolumeID:       config.Keys.Worker.VolumeID,
		HeartbeatEvery: config.HeartbeatEvery(),
		FlushEvery:     time.Duration(config.Keys.Worker.FlushEveryMs) * time.Millisecond,
		Durability:     durability,
	}, bus)

	s.links = worker.NewLinkServer(s.wrk)
	if err := s.links.Listen(config.Keys.Worker.ListenAddr); err != nil {
		return err
	}
	if err := s.wrk.Register(); err != nil {
		return err
	}
	return s.wrk.Start(ctx)
}

// adapterConfig translates the decoded program configuration into the
// per-connection routing config the SQL front end hands to each new
// Backend.
func adapterConfig() adapter.Config {
	return adapter.Config{
		RaceReads:            config.Keys.Adapter.RaceReads,
		MirrorDDL:            config.Keys.Adapter.MirrorDDL,
		ProxyUnsupportedSets: config.Keys.Adapter.ProxyUnsupportedSets,
		EnableRYW:            config.Keys.Adapter.ReadYourWrites,
		SlowQueryLog:         config.Keys.Adapter.SlowQueryLog,
		QueryWindow:          time.Duration(config.Keys.Adapter.QueryWindowMs) * time.Millisecond,
		RecoveryWindow:       time.Duration(config.Keys.Adapter.RecoveryWindowMs) * time.Millisecond,
	}
}

// NewConnectionBackend mints the routing backend for one accepted SQL
// connection. parser and engine come from the wire front end; the
// upstream connection is shared.
func (s *Server) NewConnectionBackend(parser adapter.Parser, engine adapter.Engine, tsClient adapter.TimestampClient) (*adapter.Backend, error) {
	return adapter.NewBackend(adapterConfig(), parser, engine, s.upstream, tsClient, s.statuses)
}

func (s *Server) startAdapterServices() error {
	var style querystatus.MigrationStyle
	switch config.Keys.Adapter.MigrationStyle {
	case "async":
		style = querystatus.StyleAsync
	case "explicit":
		style = querystatus.StyleExplicit
	default:
		style = querystatus.StyleInRequestPath
	}
	s.statuses = querystatus.New(style)

	if dsn := config.Keys.Adapter.UpstreamDSN; dsn != "" {
		db, err := sqlx.Open("sqlite3", dsn)
		if err != nil {
			return err
		}
		s.upstream = adapter.NewSQLUpstream(db)
	}

	sw, err := querystatus.NewSweeper(s.statuses)
	if err != nil {
		return err
	}
	s.sweeper = sw
	queryWindow := time.Duration(config.Keys.Adapter.QueryWindowMs) * time.Millisecond
	recoveryWindow := time.Duration(config.Keys.Adapter.RecoveryWindowMs) * time.Millisecond
	if err := sw.StartRecoverySweep(time.Second, queryWindow, recoveryWindow); err != nil {
		return err
	}
	sw.Start()
	return nil
}

// Shutdown stops the HTTP listener and the role services.
func (s *Server) Shutdown(ctx context.Context) {
	if s.sweeper != nil {
		_ = s.sweeper.Stop()
	}
	if s.links != nil {
		_ = s.links.Close()
	}
	if s.wrk != nil {
		s.wrk.Stop()
	}
	if s.cancelCtrl != nil {
		s.cancelCtrl()
	}
	if s.http != nil {
		_ = s.http.Shutdown(ctx)
	}
}

// Wait blocks until the HTTP listener has exited.
func (s *Server) Wait() { <-s.done }
