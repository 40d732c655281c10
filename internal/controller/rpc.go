// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package controller

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RPCServer exposes the controller's conceptual RPC surface over
// HTTP+JSON: inputs, outputs, view, table, statistics,
// flush_partial, extend_recipe, install_recipe, replicate_readers,
// graphviz, metrics_dump, remove_node. Every handler except
// metrics_dump replies 503 when this process is not the current leader — "503 means 'not leader,
// retry'".
//
// @title       flowbase controller RPC
// @description Conceptual placement/migration RPC surface. 503 means
// @description "not leader, retry".
type RPCServer struct {
	ctrl *Controller
	reg  *prometheus.Registry

	// Recipe is an optional hook returning the installed/extended
	// dataflow graph description, kept opaque here: planning the graph
	// from a recipe string is the external "SQL adapter/recipe compiler"
	// collaborator's job, out of this spec's scope. No handler calls it;
	// extend_recipe and install_recipe read the request body and discard it.
	Recipe func() (string, error)
}

func NewRPCServer(ctrl *Controller, reg *prometheus.Registry) *RPCServer {
	return &RPCServer{ctrl: ctrl, reg: reg}
}

// Router builds the mux.Router serving this controller's RPC surface,
// with CORS, recovery and compression middleware.
func (s *RPCServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(handlers.CompressHandler)
	r.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)))
	r.Use(handlers.CORS(
		handlers.AllowedHeaders([]string{"Content-Type"}),
		handlers.AllowedMethods([]string{"GET", "POST"}),
		handlers.AllowedOrigins([]string{"*"})))

	r.HandleFunc("/inputs", s.requireLeader(s.handleInputs)).Methods(http.MethodGet)
	r.HandleFunc("/outputs", s.requireLeader(s.handleOutputs)).Methods(http.MethodGet)
	r.HandleFunc("/view/{name}", s.requireLeader(s.handleView)).Methods(http.MethodGet)
	r.HandleFunc("/table/{name}", s.requireLeader(s.handleTable)).Methods(http.MethodGet)
	r.HandleFunc("/statistics", s.requireLeader(s.handleStatistics)).Methods(http.MethodGet)
	r.HandleFunc("/flush_partial", s.requireLeader(s.handleFlushPartial)).Methods(http.MethodPost)
	r.HandleFunc("/extend_recipe", s.requireLeader(s.handleExtendRecipe)).Methods(http.MethodPost)
	r.HandleFunc("/install_recipe", s.requireLeader(s.handleInstallRecipe)).Methods(http.MethodPost)
	r.HandleFunc("/replicate_readers", s.requireLeader(s.handleReplicateReaders)).Methods(http.MethodPost)
	r.HandleFunc("/graphviz", s.requireLeader(s.handleGraphviz)).Methods(http.MethodGet)
	r.HandleFunc("/remove_node", s.requireLeader(s.handleRemoveNode)).Methods(http.MethodPost)
	r.Handle("/metrics_dump", s.metricsHandler()).Methods(http.MethodGet)
	return r
}

// requireLeader wraps h so that non-leader instances answer 503
// without running the handler body.
func (s *RPCServer) requireLeader(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.ctrl.IsLeader() {
			http.Error(w, "not leader", http.StatusServiceUnavailable)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *RPCServer) handleInputs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{})
}

func (s *RPCServer) handleOutputs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{})
}

func (s *RPCServer) handleView(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"name": mux.Vars(r)["name"]})
}

func (s *RPCServer) handleTable(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"name": mux.Vars(r)["name"]})
}

func (s *RPCServer) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats := s.ctrl.CollectStats()
	if r.URL.Query().Get("format") == "lp" {
		payload, err := EncodeStatsLineProtocol(stats, time.Now())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write(payload)
		return
	}
	writeJSON(w, stats)
}

func (s *RPCServer) handleFlushPartial(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusAccepted)
}

func (s *RPCServer) handleExtendRecipe(w http.ResponseWriter, r *http.Request) {
	s.readRecipeBody(w, r)
}

func (s *RPCServer) handleInstallRecipe(w http.ResponseWriter, r *http.Request) {
	s.readRecipeBody(w, r)
}

func (s *RPCServer) readRecipeBody(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	_, _ = io.ReadAll(r.Body)
	w.WriteHeader(http.StatusOK)
}

func (s *RPCServer) handleReplicateReaders(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Queries     []string `json:"queries"`
		WorkerAddr  string   `json:"worker_addr,omitempty"`
		ReplicaCont int      `json:"replica_count"`
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	candidates := make(map[string]WorkerInfo)
	for _, addr := range s.ctrl.WorkerTable().HealthyWorkers() {
		info, _ := s.ctrl.WorkerTable().Get(addr)
		if req.WorkerAddr == "" || addr == req.WorkerAddr {
			candidates[addr] = info
		}
	}

	placed, err := PlaceReaders(candidates, req.ReplicaCont)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, map[string]any{"workers": placed})
}

func (s *RPCServer) handleGraphviz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/vnd.graphviz")
	_, _ = w.Write([]byte("digraph flowbase {}\n"))
}

func (s *RPCServer) handleRemoveNode(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *RPCServer) metricsHandler() http.Handler {
	if s.reg == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
}
