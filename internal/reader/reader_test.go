// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package reader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowbase/flowbase/internal/record"
	"github.com/flowbase/flowbase/internal/value"
)

func row(id int64, name string) record.Record {
	return record.NewRecord(record.Positive, value.Int64(id), value.Text(name))
}

// TestLookupRaceWithRetract: absorbed (1,"a"),(2,"b") at
// ts=0; append [+(3,"c")] at ts=1 and [-(1,"a")] at ts=2.
func TestLookupRaceWithRetract(t *testing.T) {
	r := New([]int{0})
	r.Add(record.Delta{row(1, "a"), row(2, "b")}, 0)
	r.Absorb(0)

	require.NoError(t, r.Add(record.Delta{row(3, "c")}, 1))
	require.NoError(t, r.Add(record.Delta{row(1, "a").Negate()}, 2))

	ts2 := int64(2)
	rows, err := r.Lookup([]value.Value{value.Int64(1)}, &ts2)
	require.NoError(t, err)
	assert.Empty(t, rows, "retract at ts=2 should have consumed the positive for key 1")

	rows, err = r.Lookup([]value.Value{value.Int64(3)}, &ts2)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].RowEqual(row(3, "c")))

	ts1 := int64(1)
	rows, err = r.Lookup([]value.Value{value.Int64(1)}, &ts1)
	require.NoError(t, err)
	require.Len(t, rows, 1, "at ts=1 the retract has not yet landed")
	assert.True(t, rows[0].RowEqual(row(1, "a")))
}

func TestLookupWithoutIncludingReturnsOnlyAbsorbed(t *testing.T) {
	r := New([]int{0})
	r.Add(record.Delta{row(1, "a")}, 0)
	r.Absorb(0)
	r.Add(record.Delta{row(2, "b")}, 1)

	rows, err := r.Lookup([]value.Value{value.Int64(2)}, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestAbsorbIdempotent(t *testing.T) {
	r := New([]int{0})
	r.Add(record.Delta{row(1, "a")}, 5)
	r.Absorb(5)
	r.Absorb(5)

	rows, err := r.Lookup([]value.Value{value.Int64(1)}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestAddBelowAbsorbedRejected(t *testing.T) {
	r := New([]int{0})
	r.Add(record.Delta{row(1, "a")}, 5)
	r.Absorb(5)

	err := r.Add(record.Delta{row(2, "b")}, 5)
	assert.Error(t, err)
}

func TestLookupBlockingWakesOnAbsorb(t *testing.T) {
	r := New([]int{0})
	r.Add(record.Delta{row(1, "a")}, 3)

	done := make(chan []record.Record, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		rows, err := r.LookupBlocking(ctx, []value.Value{value.Int64(1)}, 3)
		require.NoError(t, err)
		done <- rows
	}()

	time.Sleep(10 * time.Millisecond)
	r.Absorb(3)

	select {
	case rows := <-done:
		require.Len(t, rows, 1)
	case <-time.After(time.Second):
		t.Fatal("LookupBlocking did not wake up after Absorb")
	}
}

func TestLookupBlockingContextCancelled(t *testing.T) {
	r := New([]int{0})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.LookupBlocking(ctx, []value.Value{value.Int64(1)}, 10)
	assert.Error(t, err)
}
