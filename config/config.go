// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config holds the process-wide configuration, loaded from a
// JSON file and validated against a JSON Schema before decoding.
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"time"

	"github.com/flowbase/flowbase/log"
)

// AdapterConfig selects the SQL adapter's routing behavior.
type AdapterConfig struct {
	// ListenAddr is where the adapter accepts client connections.
	ListenAddr string `json:"listen-addr"`

	// UpstreamDSN is the fronted database; empty means the engine is
	// authoritative.
	UpstreamDSN string `json:"upstream-dsn"`

	RaceReads            bool `json:"race-reads"`
	MirrorDDL            bool `json:"mirror-ddl"`
	ProxyUnsupportedSets bool `json:"proxy-unsupported-sets"`
	ReadYourWrites       bool `json:"read-your-writes"`
	SlowQueryLog         bool `json:"slow-query-log"`

	// QueryWindowMs and RecoveryWindowMs bound how long a query stays
	// pinned upstream after the engine was unreachable for it.
	QueryWindowMs    int `json:"query-window-ms"`
	RecoveryWindowMs int `json:"recovery-window-ms"`

	// MigrationStyle is one of "in-request-path", "async", "explicit".
	MigrationStyle string `json:"migration-style"`
}

// ControllerConfig tunes election and worker liveness.
type ControllerConfig struct {
	ExternalAddr     string `json:"external-addr"`
	PrimaryRegion    string `json:"primary-region"`
	HeartbeatEveryMs int    `json:"heartbeat-every-ms"`

	// ConsensusPath, when set, uses the file-backed consensus store at
	// that path instead of the in-process one.
	ConsensusPath string `json:"consensus-path"`
}

// WorkerConfig identifies this worker and its storage.
type WorkerConfig struct {
	ListenAddr string `json:"listen-addr"`
	Region     string `json:"region"`
	VolumeID   string `json:"volume-id"`

	// DBPath is the sqlite file backing base-table row stores.
	DBPath string `json:"db-path"`

	// LogDir holds the per-base durable Avro logs.
	LogDir string `json:"log-dir"`

	// Durability is one of "none", "buffered", "sync".
	Durability     string `json:"durability"`
	FlushRecords   int    `json:"flush-records"`
	FlushEveryMs   int    `json:"flush-every-ms"`
}

// ProgramConfig is the root configuration object.
type ProgramConfig struct {
	// Role is one of "controller", "worker", "adapter"; a single
	// process may combine roles in development.
	Roles []string `json:"roles"`

	Addr string `json:"addr"`

	// User and Group drop privileges after binding, when started as
	// root.
	User  string `json:"user"`
	Group string `json:"group"`

	JwtPublicKey  string `json:"jwt-public-key"`
	JwtPrivateKey string `json:"jwt-private-key"`

	Controller ControllerConfig `json:"controller"`
	Worker     WorkerConfig     `json:"worker"`
	Adapter    AdapterConfig    `json:"adapter"`

	// Nats is handed to pkg/nats.Init verbatim.
	Nats json.RawMessage `json:"nats"`

	// Archive configures S3 archival of sealed log segments; null
	// disables it.
	Archive json.RawMessage `json:"archive"`
}

// Keys is the decoded program configuration.
var Keys ProgramConfig = ProgramConfig{
	Roles: []string{"controller", "worker", "adapter"},
	Addr:  "localhost:8080",
	Worker: WorkerConfig{
		ListenAddr: "localhost:7000",
		DBPath:     "./var/flowbase.db",
		LogDir:     "./var/log",
		Durability: "buffered",
	},
	Adapter: AdapterConfig{
		ListenAddr:     "localhost:3306",
		MigrationStyle: "in-request-path",
	},
}

// Init loads, validates and decodes the configuration file at path.
func Init(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("CONFIG ERROR: %v", err)
		}
		log.Warnf("config file %s not found, using defaults", path)
		return
	}

	Validate(ConfigSchema, raw)

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		log.Fatalf("could not decode %s: %v", path, err)
	}
}

// HasRole reports whether this process runs the named role.
func HasRole(role string) bool {
	for _, r := range Keys.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HeartbeatEvery returns the configured worker heartbeat interval.
func HeartbeatEvery() time.Duration {
	if Keys.Controller.HeartbeatEveryMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(Keys.Controller.HeartbeatEveryMs) * time.Millisecond
}
