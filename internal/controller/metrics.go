// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package controller

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the controller's Prometheus gauges, named directly
// after the values failover observers watch: "its is_leader
// metric transitions 0→1" and "healthy_workers() ... returns 2".
type Metrics struct {
	IsLeader       prometheus.Gauge
	HealthyWorkers prometheus.Gauge
}

// NewMetrics registers the controller's gauges against reg. Callers
// typically pass prometheus.NewRegistry() per-process and expose it
// via promhttp.HandlerFor from the RPC server's metrics_dump endpoint.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IsLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowbase",
			Subsystem: "controller",
			Name:      "is_leader",
			Help:      "1 if this process currently holds the controller leader slot, else 0.",
		}),
		HealthyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowbase",
			Subsystem: "controller",
			Name:      "healthy_workers",
			Help:      "Number of workers considered healthy by the current controller.",
		}),
	}
	reg.MustRegister(m.IsLeader, m.HealthyWorkers)
	return m
}
