// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package dataflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowbase/flowbase/internal/reader"
	"github.com/flowbase/flowbase/internal/record"
	"github.com/flowbase/flowbase/internal/value"
)

// Builds the classic article/vote-count graph inside one domain:
//
//	articles(aid,title,url) ─┐
//	                         ├─ join on aid ── reader keyed aid
//	votes(aid,uid) ── count-distinct(uid) by aid ─┘
//
// and drives writes through it end to end: one article, the same vote
// twice. The reader must end up with exactly one row (1,"t","u",1) —
// the duplicate vote neither doubles the count nor duplicates the row.
func TestWriteReadThroughJoinAndCountDistinct(t *testing.T) {
	const (
		articles  NodeIndex = 1
		votes     NodeIndex = 2
		voteCount NodeIndex = 3
		joined    NodeIndex = 4
		leaf      NodeIndex = 5
	)

	d := NewDomain()

	articleNode := NewNode(articles, "articles", &Base{Columns: 3}, NewState(VariantFull, []int{0}))
	articleNode.Children = []NodeIndex{joined}
	d.AddNode(articleNode)

	voteNode := NewNode(votes, "votes", &Base{Columns: 2}, nil)
	voteNode.Children = []NodeIndex{voteCount}
	d.AddNode(voteNode)

	countNode := NewNode(voteCount, "vote_count",
		NewAggregate(AggCountDistinct, []int{0}, 1), NewState(VariantFull, []int{0}))
	countNode.Children = []NodeIndex{joined}
	d.AddNode(countNode)

	joinNode := NewNode(joined, "article_with_vote_count", &Join{
		Kind:         InnerJoin,
		Left:         articles,
		Right:        voteCount,
		LeftKeyCol:   0,
		RightKeyCol:  0,
		LeftColumns:  []int{0, 1, 2},
		RightColumns: []int{1},
	}, nil)
	joinNode.Children = []NodeIndex{leaf}
	d.AddNode(joinNode)

	r := reader.New([]int{0})
	d.AddNode(NewNode(leaf, "reader", &ReaderNode{Reader: r}, nil))

	drained := make(chan struct{})
	go d.Run(func() { close(drained) })

	require.NoError(t, d.Enqueue(Packet{Kind: PacketInput, To: articles, Delta: record.Delta{
		record.NewRecord(record.Positive, value.Int64(1), value.Text("t"), value.Text("u")),
	}}))
	vote := record.Delta{record.NewRecord(record.Positive, value.Int64(1), value.Int64(100))}
	require.NoError(t, d.Enqueue(Packet{Kind: PacketInput, To: votes, Delta: vote}))
	require.NoError(t, d.Enqueue(Packet{Kind: PacketInput, To: votes, Delta: vote}))
	require.NoError(t, d.Enqueue(Packet{Kind: PacketDrain}))
	<-drained

	r.Absorb(1000)
	rows, err := r.Lookup([]value.Value{value.Int64(1)}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1, "duplicate vote must not produce a second row")

	row := rows[0].Row
	require.Len(t, row, 4)
	aid, _ := row[0].AsInt64()
	title, _ := row[1].AsString()
	url, _ := row[2].AsString()
	count, _ := row[3].AsInt64()
	assert.EqualValues(t, 1, aid)
	assert.Equal(t, "t", title)
	assert.Equal(t, "u", url)
	assert.EqualValues(t, 1, count, "count-distinct of the same voter twice is 1")
}

// A second voter moves the count to 2: the reader sees the old row
// retracted and the new one inserted.
func TestSecondDistinctVoterBumpsCount(t *testing.T) {
	const (
		votes     NodeIndex = 1
		voteCount NodeIndex = 2
		leaf      NodeIndex = 3
	)

	d := NewDomain()
	voteNode := NewNode(votes, "votes", &Base{Columns: 2}, nil)
	voteNode.Children = []NodeIndex{voteCount}
	d.AddNode(voteNode)

	countNode := NewNode(voteCount, "vote_count",
		NewAggregate(AggCountDistinct, []int{0}, 1), nil)
	countNode.Children = []NodeIndex{leaf}
	d.AddNode(countNode)

	r := reader.New([]int{0})
	d.AddNode(NewNode(leaf, "reader", &ReaderNode{Reader: r}, nil))

	drained := make(chan struct{})
	go d.Run(func() { close(drained) })

	require.NoError(t, d.Enqueue(Packet{Kind: PacketInput, To: votes, Delta: record.Delta{
		record.NewRecord(record.Positive, value.Int64(7), value.Int64(100)),
	}}))
	require.NoError(t, d.Enqueue(Packet{Kind: PacketInput, To: votes, Delta: record.Delta{
		record.NewRecord(record.Positive, value.Int64(7), value.Int64(200)),
	}}))
	require.NoError(t, d.Enqueue(Packet{Kind: PacketDrain}))
	<-drained

	r.Absorb(1000)
	rows, err := r.Lookup([]value.Value{value.Int64(7)}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	count, _ := rows[0].Row[1].AsInt64()
	assert.EqualValues(t, 2, count)
}

// enqueueLink delivers packets into another domain's queue, the local
// form of a cross-domain link.
type enqueueLink struct{ d *Domain }

func (l enqueueLink) Send(p Packet) error { return l.d.Enqueue(p) }

// A cold partial ancestor must upquery, not silently join to nothing:
// the vote-count replica next to the join starts with no materialized
// keys, so the first article write misses, backfills across the link
// from the authoritative copy, and only then flows to the reader.
func TestJoinOverColdPartialStateUpqueriesAndBackfills(t *testing.T) {
	const (
		articles  NodeIndex = 1
		voteCount NodeIndex = 3
		joined    NodeIndex = 4
		leaf      NodeIndex = 5
	)

	// The authoritative vote counts live in their own domain, fully
	// materialized: aid 1 has 5 distinct voters.
	upstream := NewDomain()
	authoritative := NewNode(voteCount, "vote_count", &Base{Columns: 2}, NewState(VariantFull, []int{0}))
	upstream.AddNode(authoritative)
	authoritative.State.Insert(
		[]value.Value{value.Int64(1)},
		record.NewRecord(record.Positive, value.Int64(1), value.Int64(5)))

	// The join's domain holds only a cold partial replica of the
	// counts.
	local := NewDomain()
	articleNode := NewNode(articles, "articles", &Base{Columns: 3}, NewState(VariantFull, []int{0}))
	articleNode.Children = []NodeIndex{joined}
	local.AddNode(articleNode)

	replica := NewNode(voteCount, "vote_count_replica", &Base{Columns: 2}, NewState(VariantPartial, []int{0}))
	local.AddNode(replica)

	joinNode := NewNode(joined, "article_with_vote_count", &Join{
		Kind:         InnerJoin,
		Left:         articles,
		Right:        voteCount,
		LeftKeyCol:   0,
		RightKeyCol:  0,
		LeftColumns:  []int{0, 1, 2},
		RightColumns: []int{1},
	}, nil)
	joinNode.Children = []NodeIndex{leaf}
	local.AddNode(joinNode)

	r := reader.New([]int{0})
	local.AddNode(NewNode(leaf, "reader", &ReaderNode{Reader: r}, nil))

	// Upquery requests for the replica's index travel to the
	// authoritative domain; its responses travel back to the join.
	local.SetLink(voteCount, enqueueLink{upstream})
	upstream.SetLink(joined, enqueueLink{local})

	go local.Run(nil)
	go upstream.Run(nil)
	defer local.Enqueue(Packet{Kind: PacketStop})
	defer upstream.Enqueue(Packet{Kind: PacketStop})

	require.True(t, replica.State.IsHole([]value.Value{value.Int64(1)}),
		"the replica must start cold")

	require.NoError(t, local.Enqueue(Packet{Kind: PacketInput, To: articles, Delta: record.Delta{
		record.NewRecord(record.Positive, value.Int64(1), value.Text("t"), value.Text("u")),
	}}))

	require.Eventually(t, func() bool {
		ts := int64(1)
		rows, err := r.Lookup([]value.Value{value.Int64(1)}, &ts)
		return err == nil && len(rows) == 1
	}, time.Second, 5*time.Millisecond, "the join should emit only after the upquery backfills")

	ts := int64(1)
	rows, err := r.Lookup([]value.Value{value.Int64(1)}, &ts)
	require.NoError(t, err)
	row := rows[0].Row
	require.Len(t, row, 4)
	count, _ := row[3].AsInt64()
	assert.EqualValues(t, 5, count)

	// The backfill materialized the key in the replica.
	assert.False(t, replica.State.IsHole([]value.Value{value.Int64(1)}))
}
