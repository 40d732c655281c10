// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package controller

import (
	"fmt"
	"time"

	"github.com/influxdata/line-protocol/v2/lineprotocol"
)

// WorkerStats is one worker's row in the statistics payload.
type WorkerStats struct {
	Addr          string    `json:"addr"`
	Healthy       bool      `json:"healthy"`
	Region        string    `json:"region,omitempty"`
	VolumeID      string    `json:"volume_id,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Stats is the statistics RPC payload.
type Stats struct {
	IsLeader       bool          `json:"is_leader"`
	HealthyWorkers int           `json:"healthy_workers"`
	Workers        []WorkerStats `json:"workers"`
}

// CollectStats snapshots the controller's worker table.
func (c *Controller) CollectStats() Stats {
	t := c.workers
	stats := Stats{IsLeader: c.IsLeader()}
	for _, addr := range t.Addrs() {
		info, ok := t.Get(addr)
		if !ok {
			continue
		}
		if info.Healthy {
			stats.HealthyWorkers++
		}
		stats.Workers = append(stats.Workers, WorkerStats{
			Addr:          addr,
			Healthy:       info.Healthy,
			Region:        info.Region,
			VolumeID:      info.VolumeID,
			LastHeartbeat: info.LastHeartbeat,
		})
	}
	return stats
}

// EncodeStatsLineProtocol renders stats as influx line protocol, the
// alternative statistics encoding next to JSON.
func EncodeStatsLineProtocol(stats Stats, now time.Time) ([]byte, error) {
	var enc lineprotocol.Encoder
	enc.SetPrecision(lineprotocol.Millisecond)

	enc.StartLine("controller")
	enc.AddField("is_leader", lineprotocol.BoolValue(stats.IsLeader))
	enc.AddField("healthy_workers", lineprotocol.IntValue(int64(stats.HealthyWorkers)))
	enc.EndLine(now)

	for _, w := range stats.Workers {
		enc.StartLine("worker")
		enc.AddTag("addr", w.Addr)
		if w.Region != "" {
			enc.AddTag("region", w.Region)
		}
		if w.VolumeID != "" {
			enc.AddTag("volume", w.VolumeID)
		}
		enc.AddField("healthy", lineprotocol.BoolValue(w.Healthy))
		enc.AddField("heartbeat_age_ms", lineprotocol.IntValue(now.Sub(w.LastHeartbeat).Milliseconds()))
		enc.EndLine(now)
	}

	if err := enc.Err(); err != nil {
		return nil, fmt.Errorf("controller: encoding statistics: %w", err)
	}
	return enc.Bytes(), nil
}
