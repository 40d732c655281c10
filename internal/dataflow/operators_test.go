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

func TestFilterKeepsMatchingRows(t *testing.T) {
	f, err := NewFilter([]string{"n"}, "n > 10")
	require.NoError(t, err)

	in := record.Delta{
		record.NewRecord(record.Positive, value.Int64(5)),
		record.NewRecord(record.Positive, value.Int64(15)),
	}
	out, err := f.OnInput(nil, 0, in)
	require.NoError(t, err)
	require.Len(t, out, 1)
	n, _ := out[0].Row[0].AsInt64()
	assert.Equal(t, int64(15), n)
}

func TestProjectPassthroughAndExpression(t *testing.T) {
	p, err := NewProject([]string{"a", "b"}, []ProjectColumn{
		{FromParent: true, ParentIndex: 1},
		{Expr: "a * 2"},
	})
	require.NoError(t, err)

	in := record.Delta{record.NewRecord(record.Positive, value.Int64(3), value.Text("x"))}
	out, err := p.OnInput(nil, 0, in)
	require.NoError(t, err)
	require.Len(t, out, 1)
	s, _ := out[0].Row[0].AsString()
	assert.Equal(t, "x", s)
	n, _ := out[0].Row[1].AsInt64()
	assert.Equal(t, int64(6), n)
}

func TestUnionPassesThroughFromAnyParent(t *testing.T) {
	u := &Union{NumColumns: 1}
	in := record.Delta{record.NewRecord(record.Positive, value.Int64(1))}
	out, err := u.OnInput(nil, 7, in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSharderChoosesStableShard(t *testing.T) {
	s := &Sharder{ShardColumn: 0, NumShards: 4}
	row := []value.Value{value.Int64(42)}
	a := s.ChooseShard(row)
	b := s.ChooseShard(row)
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, 0)
	assert.Less(t, a, 4)
}

func TestAggregateCountEmitsRetractThenInsert(t *testing.T) {
	agg := NewAggregate(AggCount, []int{0}, -1)

	first, err := agg.OnInput(nil, 0, record.Delta{
		record.NewRecord(record.Positive, value.Text("g1")),
	})
	require.NoError(t, err)
	require.Len(t, first, 1)
	n, _ := first[0].Row[1].AsInt64()
	assert.Equal(t, int64(1), n)

	second, err := agg.OnInput(nil, 0, record.Delta{
		record.NewRecord(record.Positive, value.Text("g1")),
	})
	require.NoError(t, err)
	require.Len(t, second, 2, "must retract the old count before inserting the new one")
	assert.Equal(t, record.Negative, second[0].Polarity)
	assert.Equal(t, record.Positive, second[1].Polarity)
	oldN, _ := second[0].Row[1].AsInt64()
	newN, _ := second[1].Row[1].AsInt64()
	assert.Equal(t, int64(1), oldN)
	assert.Equal(t, int64(2), newN)
}

func TestAggregateCountDropsGroupAtZero(t *testing.T) {
	agg := NewAggregate(AggCount, []int{0}, -1)
	_, err := agg.OnInput(nil, 0, record.Delta{record.NewRecord(record.Positive, value.Text("g1"))})
	require.NoError(t, err)

	out, err := agg.OnInput(nil, 0, record.Delta{record.NewRecord(record.Negative, value.Text("g1"))})
	require.NoError(t, err)
	require.Len(t, out, 1, "count dropping to zero only retracts, nothing to insert")
	assert.Equal(t, record.Negative, out[0].Polarity)
	_, stillTracked := agg.groupState[encodeKey([]value.Value{value.Text("g1")})]
	assert.False(t, stillTracked)
}

func TestJoinInnerMatchesRightState(t *testing.T) {
	rightState := NewState(VariantFull, []int{0})
	rightKey := []value.Value{value.Int64(1)}
	rightState.Insert(rightKey, record.NewRecord(record.Positive, value.Int64(1), value.Text("r")))

	j := &Join{Kind: InnerJoin, Left: 0, Right: 1, LeftKeyCol: 0, RightKeyCol: 0,
		LeftColumns: []int{1}, RightColumns: []int{1}}

	ctx := &OnInputContext{
		Ancestor: func(idx NodeIndex) (*State, bool) {
			if idx == 1 {
				return rightState, true
			}
			return nil, false
		},
	}

	in := record.Delta{record.NewRecord(record.Positive, value.Int64(1), value.Text("l"))}
	out, err := j.OnInput(ctx, 0, in)
	require.NoError(t, err)
	require.Len(t, out, 1)
	s1, _ := out[0].Row[0].AsString()
	s2, _ := out[0].Row[1].AsString()
	assert.Equal(t, "l", s1)
	assert.Equal(t, "r", s2)
}

func TestJoinMissOnColdPartialStateReturnsUpqueryError(t *testing.T) {
	// A cold partial ancestor holes on every key by default: the join
	// must upquery, never emit a silent no-match.
	rightState := NewState(VariantPartial, []int{0})

	j := &Join{Kind: InnerJoin, Left: 0, Right: 1, LeftKeyCol: 0, RightKeyCol: 0}
	ctx := &OnInputContext{
		Ancestor: func(idx NodeIndex) (*State, bool) { return rightState, true },
	}

	in := record.Delta{record.NewRecord(record.Positive, value.Int64(1))}
	_, err := j.OnInput(ctx, 0, in)
	require.Error(t, err)
	var needs *ErrNeedsUpquery
	require.ErrorAs(t, err, &needs)
	assert.Equal(t, NodeIndex(1), needs.Node)
	require.Len(t, needs.Key, 1)

	// Once the key is backfilled, the same input passes through.
	rightState.MarkFilled(needs.Key)
	out, err := j.OnInput(ctx, 0, in)
	require.NoError(t, err)
	assert.Empty(t, out, "filled-but-empty bucket joins to nothing")
}
