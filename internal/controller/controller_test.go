// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package controller

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct{ sent []Message }

func (f *fakeSender) Send(m Message) error {
	f.sent = append(f.sent, m)
	return nil
}

func TestWorkerTableRegisterHeartbeatSweep(t *testing.T) {
	wt := NewWorkerTable()
	wt.Register("w1:4242", &fakeSender{}, "us-east", "vol-a")
	wt.Register("w2:4242", &fakeSender{}, "us-east", "vol-b")

	assert.ElementsMatch(t, []string{"w1:4242", "w2:4242"}, wt.HealthyWorkers())

	down := wt.SweepUnhealthy(0) // everything is "stale" immediately
	assert.ElementsMatch(t, []string{"w1:4242", "w2:4242"}, down)
	assert.Empty(t, wt.HealthyWorkers())

	wt.Heartbeat("w1:4242")
	assert.Equal(t, []string{"w1:4242"}, wt.HealthyWorkers())
}

func TestWorkerTableBroadcastRewritesSourceAndSkipsOrigin(t *testing.T) {
	wt := NewWorkerTable()
	s1, s2, s3 := &fakeSender{}, &fakeSender{}, &fakeSender{}
	wt.Register("w1", s1, "", "")
	wt.Register("w2", s2, "", "")
	wt.Register("w3", s3, "", "")

	wt.Broadcast(Message{Kind: MsgDomainBooted, Source: "w1", DomainIndex: 7}, "controller:9999", "w1")

	assert.Empty(t, s1.sent, "origin worker must not receive its own broadcast back")
	require.Len(t, s2.sent, 1)
	require.Len(t, s3.sent, 1)
	assert.Equal(t, "controller:9999", s2.sent[0].Source)
	assert.Equal(t, uint64(7), s2.sent[0].DomainIndex)
}

// TestControllerFailover exercises leader failover using the in-memory
// consensus store: once w1 steps down, w2 takes the leader slot and its
// is_leader gauge reads 1.
func TestControllerFailover(t *testing.T) {
	store := NewMemoryConsensusStore()

	w1 := New(store, NewMetrics(prometheus.NewRegistry()), Config{
		ExternalAddr: "w1", HeartbeatEvery: 10 * time.Millisecond, HealthcheckEvery: 10 * time.Millisecond,
	})
	w2 := New(store, NewMetrics(prometheus.NewRegistry()), Config{
		ExternalAddr: "w2", HeartbeatEvery: 10 * time.Millisecond, HealthcheckEvery: 10 * time.Millisecond,
	})

	ctx1, cancel1 := context.WithCancel(context.Background())
	go w1.Campaign(ctx1, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.True(t, w1.IsLeader())
	assert.Equal(t, float64(1), testGaugeValue(t, w1.metrics.IsLeader))

	w1.workers.Register("alpha", &fakeSender{}, "", "")
	w1.workers.Register("beta", &fakeSender{}, "", "")

	// Kill w1.
	cancel1()
	time.Sleep(20 * time.Millisecond)

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go w2.Campaign(ctx2, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	require.True(t, w2.IsLeader())
	assert.Equal(t, float64(1), testGaugeValue(t, w2.metrics.IsLeader))
}

func testGaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}
