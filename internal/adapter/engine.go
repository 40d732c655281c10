// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package adapter

import (
	"context"

	"github.com/flowbase/flowbase/internal/value"
)

// Origin records which side produced a result.
type Origin uint8

const (
	OriginEngine Origin = iota
	OriginUpstream
)

func (o Origin) String() string {
	if o == OriginEngine {
		return "engine"
	}
	return "upstream"
}

// Result is the uniform shape both sides return. Reads carry Rows;
// writes carry AffectedRows.
type Result struct {
	Origin       Origin
	Columns      []string
	Rows         [][]value.Value
	AffectedRows uint64
}

// Engine is the adapter's handle on the dataflow engine: reader
// lookups for selects, base-table applies for writes, and graph
// migrations for DDL.
type Engine interface {
	// HandleSelect serves the select from a reader, passing the
	// read-your-writes ticket so the lookup blocks until the reader's
	// absorbed watermark dominates it. Returns ErrViewNotFound or
	// ErrUnsupported (possibly wrapped) for the routing layer to
	// classify.
	HandleSelect(ctx context.Context, stmt *Statement, ticket *Ticket) (*Result, error)

	// HandleWrite applies an insert/update/delete to the owning base
	// table. Only used when no upstream is configured.
	HandleWrite(ctx context.Context, stmt *Statement) (*Result, error)

	// HandleDDL installs or extends the graph for a create/drop/alter.
	HandleDDL(ctx context.Context, stmt *Statement) error

	// TableIndex maps a table name to the engine's node index, used as
	// the write key for read-your-writes timestamps.
	TableIndex(ctx context.Context, table string) (int, error)

	// PrepareSelect plans stmt for later execution under the adapter's
	// statement id.
	PrepareSelect(ctx context.Context, stmt *Statement, id uint32) error

	// ExecutePreparedSelect runs a previously prepared select.
	ExecutePreparedSelect(ctx context.Context, id uint32, params []value.Value, ticket *Ticket) (*Result, error)
}

// Upstream is the connection to the authoritative database the adapter
// fronts. Statements are forwarded as raw text.
type Upstream interface {
	Query(ctx context.Context, raw string) (*Result, error)
	Exec(ctx context.Context, raw string) (*Result, error)

	// ExecRYW performs a write and returns the upstream's identifier
	// for it (e.g. a GTID) for the timestamp service.
	ExecRYW(ctx context.Context, raw string) (*Result, string, error)

	Prepare(ctx context.Context, raw string) (uint32, error)
	ExecuteRead(ctx context.Context, id uint32, params []value.Value) (*Result, error)
	ExecuteWrite(ctx context.Context, id uint32, params []value.Value) (*Result, error)
}

// TimestampClient turns an upstream write identifier into the logical
// timestamp a read-your-writes ticket joins in.
type TimestampClient interface {
	AppendWrite(writeID string, tables []int) (Ticket, error)
}
