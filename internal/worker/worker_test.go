// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowbase/flowbase/internal/controller"
	"github.com/flowbase/flowbase/internal/dataflow"
	"github.com/flowbase/flowbase/internal/reader"
	"github.com/flowbase/flowbase/internal/record"
	"github.com/flowbase/flowbase/internal/value"
)

// loopbackBus is an in-process Bus: handlers run synchronously on the
// publisher's goroutine.
type loopbackBus struct {
	mu       sync.RWMutex
	handlers map[string][]func(string, []byte)
}

func newLoopbackBus() *loopbackBus {
	return &loopbackBus{handlers: make(map[string][]func(string, []byte))}
}

func (b *loopbackBus) Publish(subject string, data []byte) error {
	b.mu.RLock()
	hs := append(([]func(string, []byte))(nil), b.handlers[subject]...)
	b.mu.RUnlock()
	for _, h := range hs {
		h(subject, data)
	}
	return nil
}

func (b *loopbackBus) Subscribe(subject string, handler func(string, []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = append(b.handlers[subject], handler)
	return nil
}

func leaderController(t *testing.T, bus controller.Bus) *controller.Controller {
	t.Helper()
	store := controller.NewMemoryConsensusStore()
	c := controller.New(store, nil, controller.Config{
		ExternalAddr:   "ctrl:6033",
		HeartbeatEvery: time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = c.Campaign(ctx, 10*time.Millisecond) }()
	require.Eventually(t, c.IsLeader, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Serve(bus))
	return c
}

func TestWorkerRegistersAndHeartbeats(t *testing.T) {
	bus := newLoopbackBus()
	c := leaderController(t, bus)

	w := New(Config{ListenAddr: "w1:7000", Region: "eu", VolumeID: "vol-a"}, bus)
	require.NoError(t, w.Register())

	info, ok := c.WorkerTable().Get("w1:7000")
	require.True(t, ok)
	assert.True(t, info.Healthy)
	assert.Equal(t, "eu", info.Region)

	before := info.LastHeartbeat
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, w.publish(controller.Message{Kind: controller.MsgHeartbeat}))
	info, _ = c.WorkerTable().Get("w1:7000")
	assert.True(t, info.LastHeartbeat.After(before))
}

func TestDomainBootedIsBroadcastToOtherWorkers(t *testing.T) {
	bus := newLoopbackBus()
	c := leaderController(t, bus)

	w1 := New(Config{ListenAddr: "w1:7000"}, bus)
	require.NoError(t, w1.Register())

	var mu sync.Mutex
	var seen []controller.Message
	// A second worker's subject records what the controller forwards.
	w2 := New(Config{ListenAddr: "w2:7000"}, bus)
	require.NoError(t, bus.Subscribe(controller.WorkerSubject("w2:7000"), func(_ string, data []byte) {
		var msg controller.Message
		require.NoError(t, unmarshalMessage(data, &msg))
		mu.Lock()
		seen = append(seen, msg)
		mu.Unlock()
	}))
	require.NoError(t, w2.Register())

	d := dataflow.NewDomain()
	require.NoError(t, w1.BootDomain(3, d))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	last := seen[len(seen)-1]
	assert.Equal(t, controller.MsgDomainBooted, last.Kind)
	assert.EqualValues(t, 3, last.DomainIndex)
	// The controller rewrites the source to its own external address.
	assert.Equal(t, c.Descriptor().ExternalAddr, last.Source)
	assert.Equal(t, "w1:7000", last.DomainAddr)
}

func TestViewLookupThroughHandle(t *testing.T) {
	bus := newLoopbackBus()
	w := New(Config{ListenAddr: "w1:7000"}, bus)

	r := reader.New([]int{0})
	require.NoError(t, r.Add(record.Delta{record.NewRecord(record.Positive, value.Int64(1), value.Text("a"))}, 1))
	r.Absorb(1)
	w.RegisterView("articles", r)

	v, err := w.View("articles")
	require.NoError(t, err)
	rows, err := v.Lookup(context.Background(), []value.Value{value.Int64(1)}, false, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	_, err = w.View("missing")
	require.Error(t, err)
}

func TestTCPLinkDeliversIntoRemoteDomain(t *testing.T) {
	bus := newLoopbackBus()
	w := New(Config{ListenAddr: "127.0.0.1:0"}, bus)

	d := dataflow.NewDomain()
	r := reader.New([]int{0})
	d.AddNode(dataflow.NewNode(9, "reader", &dataflow.ReaderNode{Reader: r, Timestamp: 1}, nil))
	w.mu.Lock()
	w.domains[1] = d
	w.mu.Unlock()
	go d.Run(nil)
	defer d.Enqueue(dataflow.Packet{Kind: dataflow.PacketStop})

	srv := NewLinkServer(w)
	srv.Route(9, 1)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	defer srv.Close()

	link := NewTCPLink(srv.Addr())
	defer link.Close()
	require.NoError(t, link.Send(dataflow.Packet{
		Kind:  dataflow.PacketInput,
		To:    9,
		Delta: record.Delta{record.NewRecord(record.Positive, value.Int64(7), value.Text("x"))},
	}))

	require.Eventually(t, func() bool {
		ts := int64(1)
		rows, err := r.Lookup([]value.Value{value.Int64(7)}, &ts)
		return err == nil && len(rows) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestWireRoundTripPreservesValues(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	f, err := value.Float64(3.25)
	require.NoError(t, err)
	p := dataflow.Packet{
		Kind: dataflow.PacketUpqueryResponse,
		From: 2,
		To:   5,
		Tag:  99,
		Key:  []value.Value{value.Int64(-4)},
		Delta: record.Delta{
			record.NewRecord(record.Positive,
				value.Null(), value.Int32(1), value.Uint64(2), f,
				value.Text("short"), value.String("a rather longer text value"),
				value.Timestamp(ts), value.TimeOfDay(90*time.Minute)),
			record.NewRecord(record.Negative, value.Int64(8)),
		},
	}

	got := fromWirePacket(toWirePacket(p))
	require.Equal(t, p.Kind, got.Kind)
	require.Equal(t, p.Tag, got.Tag)
	require.Len(t, got.Delta, 2)
	assert.Equal(t, record.Negative, got.Delta[1].Polarity)
	for i, want := range p.Delta[0].Row {
		assert.True(t, value.Equal(want, got.Delta[0].Row[i]), "column %d", i)
	}
}

func unmarshalMessage(data []byte, msg *controller.Message) error {
	return json.Unmarshal(data, msg)
}

// domainLink adapts a Domain's Enqueue to the Link contract for
// same-process delivery.
type domainLink struct{ d *dataflow.Domain }

func (l domainLink) Send(p dataflow.Packet) error { return l.d.Enqueue(p) }

func TestShardedLinkPartitionsByKeyAndBroadcastsControl(t *testing.T) {
	shards := make([]*dataflow.Domain, 2)
	links := make([]dataflow.Link, 2)
	readers := make([]*reader.Reader, 2)
	for i := range shards {
		shards[i] = dataflow.NewDomain()
		readers[i] = reader.New([]int{0})
		shards[i].AddNode(dataflow.NewNode(1, "reader", &dataflow.ReaderNode{Reader: readers[i], Timestamp: 1}, nil))
		links[i] = domainLink{shards[i]}
		go shards[i].Run(nil)
	}

	sl := &ShardedLink{
		Sharder: &dataflow.Sharder{ShardColumn: 0, NumShards: 2},
		Shards:  links,
	}

	var delta record.Delta
	for i := int64(0); i < 8; i++ {
		delta = append(delta, record.NewRecord(record.Positive, value.Int64(i)))
	}
	require.NoError(t, sl.Send(dataflow.Packet{Kind: dataflow.PacketInput, To: 1, Delta: delta}))

	// Every key lands in exactly the shard its hash selects, and in no
	// other.
	require.Eventually(t, func() bool {
		for i := int64(0); i < 8; i++ {
			key := []value.Value{value.Int64(i)}
			want := sl.Sharder.ChooseShard(key)
			for s, r := range readers {
				ts := int64(1)
				rows, err := r.Lookup(key, &ts)
				if err != nil {
					return false
				}
				if (s == want) != (len(rows) == 1) {
					return false
				}
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	// Control packets broadcast: a Drain stops every shard.
	require.NoError(t, sl.Send(dataflow.Packet{Kind: dataflow.PacketDrain}))
	require.Eventually(t, func() bool {
		for _, d := range shards {
			if d.Enqueue(dataflow.Packet{Kind: dataflow.PacketInput}) == nil {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}
