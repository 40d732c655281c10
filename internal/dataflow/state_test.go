// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package dataflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowbase/flowbase/internal/record"
	"github.com/flowbase/flowbase/internal/value"
)

func TestStatePartialColdKeyIsHole(t *testing.T) {
	// A key nothing has ever touched is a hole by default: partial
	// state must upquery before its first read, not pretend the bucket
	// is filled and empty.
	s := NewState(VariantPartial, []int{0})
	key := []value.Value{value.Int64(1)}

	require.True(t, s.IsHole(key))
	res := s.Lookup(key)
	assert.True(t, res.Hole)
	assert.Empty(t, res.Rows)
}

func TestStateMarkFilledPromotesHole(t *testing.T) {
	s := NewState(VariantPartial, []int{0})
	key := []value.Value{value.Int64(1)}

	s.MarkFilled(key)
	assert.False(t, s.IsHole(key))
	res := s.Lookup(key)
	assert.False(t, res.Hole)
	assert.Empty(t, res.Rows)
}

func TestStateMarkHoleReEvictsFilledKey(t *testing.T) {
	s := NewState(VariantPartial, []int{0})
	key := []value.Value{value.Int64(1)}
	r := record.NewRecord(record.Positive, value.Int64(1), value.Text("a"))

	s.MarkFilled(key)
	s.Insert(key, r)
	require.Len(t, s.Lookup(key).Rows, 1)

	s.MarkHole(key)
	require.True(t, s.IsHole(key))
	assert.True(t, s.Lookup(key).Hole, "an evicted key upqueries again")
}

func TestStateInsertRemove(t *testing.T) {
	s := NewState(VariantFull, []int{0})
	key := []value.Value{value.Int64(1)}
	r := record.NewRecord(record.Positive, value.Int64(1), value.Text("a"))

	s.Insert(key, r)
	res := s.Lookup(key)
	require.Len(t, res.Rows, 1)

	ok := s.Remove(key, r)
	require.True(t, ok)
	res = s.Lookup(key)
	assert.Empty(t, res.Rows)
}

func TestStateFullVariantNeverHoles(t *testing.T) {
	s := NewState(VariantFull, []int{0})
	key := []value.Value{value.Int64(99)}
	res := s.Lookup(key)
	assert.False(t, res.Hole, "a full-state miss is just 'no rows', never a hole")
}

func TestEncodeKeyDistinguishesSignedFloatZero(t *testing.T) {
	pos, _ := value.Float64(0.0)
	neg, _ := value.Float64(math0())
	assert.NotEqual(t, encodeKey([]value.Value{pos}), encodeKey([]value.Value{neg}))
}

func math0() float64 {
	return negZero()
}

func negZero() float64 {
	z := 0.0
	return -z
}
