// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package record

import "github.com/flowbase/flowbase/internal/value"

// OpKind tags the concrete table operation.
type OpKind uint8

const (
	OpInsert OpKind = iota
	OpDeleteByKey
	OpDeleteMatchingRow
	OpUpdateByKey
	OpUpsert
	OpSetReplicationOffset
)

// ColumnSet is either a literal value to set, or an arithmetic
// adjustment to apply to the column's current value, for UpdateByKey.
type ColumnSet struct {
	Column int
	Value  value.Value

	// Apply, when non-nil, names an arithmetic op (value.Op) to
	// fold the stored value with Value rather than replacing it
	// outright ("apply arithmetic op per column").
	Apply *ArithAdjust
}

type ArithAdjust struct {
	Op     int // mirrors value.Op; kept untyped here to avoid an import cycle concern, see basetable for the cast site.
	Amount value.Value
}

// TableOperation is one write against a base table. ShardKey derives
// the key used to route the operation to a shard in a sharded base.
type TableOperation struct {
	Kind OpKind

	// Row is the full row for Insert/Upsert/DeleteMatchingRow.
	Row []value.Value

	// Key identifies the row for DeleteByKey/UpdateByKey/Upsert.
	Key []value.Value

	// Sets lists the per-column updates for UpdateByKey.
	Sets []ColumnSet

	// Offset is set only for OpSetReplicationOffset.
	Offset Offset

	shardKeyCol int
	hasShardKey bool
}

// WithShardKeyColumn records which column of Row/Key this operation
// shards on, so ShardKey() can derive it without the caller re-deriving
// it at every call site.
func (op TableOperation) WithShardKeyColumn(col int) TableOperation {
	op.shardKeyCol = col
	op.hasShardKey = true
	return op
}

// ShardKey derives the value this operation routes on. Ops carrying no
// row/key (e.g. SetReplicationOffset) fan out to every shard instead;
// the second return reports whether a key was derivable.
func (op TableOperation) ShardKey() (value.Value, bool) {
	if op.Kind == OpSetReplicationOffset {
		return value.Value{}, false
	}
	if !op.hasShardKey {
		return value.Value{}, false
	}
	switch op.Kind {
	case OpInsert, OpUpsert:
		if op.shardKeyCol < len(op.Row) {
			return op.Row[op.shardKeyCol], true
		}
		if op.shardKeyCol < len(op.Key) {
			return op.Key[op.shardKeyCol], true
		}
	case OpDeleteByKey, OpUpdateByKey:
		if op.shardKeyCol < len(op.Key) {
			return op.Key[op.shardKeyCol], true
		}
	case OpDeleteMatchingRow:
		if op.shardKeyCol < len(op.Row) {
			return op.Row[op.shardKeyCol], true
		}
	}
	return value.Value{}, false
}

// Batch is a sequence of TableOperations applied together, e.g. in one
// base.apply() call.
type Batch []TableOperation

// LargestOffset scans b for SetReplicationOffset operations and returns
// the largest one found: the largest offset in the batch wins.
func (b Batch) LargestOffset() (Offset, bool, error) {
	var best Offset
	found := false
	for _, op := range b {
		if op.Kind != OpSetReplicationOffset {
			continue
		}
		if !found {
			best = op.Offset
			found = true
			continue
		}
		c, err := best.Compare(op.Offset)
		if err != nil {
			return Offset{}, false, err
		}
		if c < 0 {
			best = op.Offset
		}
	}
	return best, found, nil
}
