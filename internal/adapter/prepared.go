// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package adapter

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/flowbase/flowbase/internal/querystatus"
	"github.com/flowbase/flowbase/internal/value"
)

// preparedOrigin records where a prepared statement lives and what it
// does there.
type preparedOrigin uint8

const (
	prepEngine preparedOrigin = iota
	prepUpstreamRead
	prepUpstreamWrite
)

// preparedStatement maps a client-facing id to its backing side. Ids
// are assigned by the adapter and never reuse upstream ids, so the two
// id spaces cannot collide.
type preparedStatement struct {
	origin     preparedOrigin
	upstreamID uint32
	stmt       *Statement
	raw        string
}

const preparedCacheSize = 1024

// preparedStatements is the connection's id → statement map. Bounded:
// prepared ids are connection-scoped, so evicting the least recently
// executed one only costs that client a re-prepare.
type preparedStatements struct {
	nextID uint32
	cache  *lru.Cache[uint32, *preparedStatement]
}

func newPreparedStatements() (*preparedStatements, error) {
	c, err := lru.New[uint32, *preparedStatement](preparedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("adapter: prepared statement cache: %w", err)
	}
	return &preparedStatements{cache: c}, nil
}

func (p *preparedStatements) store(ps *preparedStatement) uint32 {
	p.nextID++
	p.cache.Add(p.nextID, ps)
	return p.nextID
}

func (p *preparedStatements) get(id uint32) (*preparedStatement, bool) {
	return p.cache.Get(id)
}

// Prepare parses and plans query, returning the client-facing id. A
// select is tried against the engine first and prepared upstream on
// failure; writes always prepare upstream when one is configured.
func (b *Backend) Prepare(ctx context.Context, query string) (uint32, error) {
	if b.proxyAll || b.inTx {
		return b.prepareUpstream(ctx, query, prepUpstreamWrite)
	}

	stmt, err := b.parser.Parse(query)
	if err != nil {
		if b.upstream != nil {
			return b.prepareUpstream(ctx, query, prepUpstreamWrite)
		}
		return 0, err
	}

	switch stmt.Kind {
	case StmtSelect:
		id := b.prepared.store(&preparedStatement{origin: prepEngine, stmt: stmt, raw: query})
		if err := b.engine.PrepareSelect(ctx, stmt, id); err == nil {
			return id, nil
		} else if b.upstream == nil {
			return 0, err
		}
		// Engine cannot plan it: switch the freshly assigned id to an
		// upstream prepare without surfacing the engine failure.
		upID, err := b.upstream.Prepare(ctx, query)
		if err != nil {
			return 0, err
		}
		ps, _ := b.prepared.get(id)
		ps.origin = prepUpstreamRead
		ps.upstreamID = upID
		return id, nil
	case StmtInsert, StmtUpdate, StmtDelete:
		if b.upstream != nil {
			return b.prepareUpstream(ctx, query, prepUpstreamWrite)
		}
		return 0, ErrUnsupported
	default:
		if b.upstream != nil {
			origin := prepUpstreamWrite
			if stmt.Kind == StmtCompoundSelect {
				origin = prepUpstreamRead
			}
			return b.prepareUpstream(ctx, query, origin)
		}
		return 0, ErrUnsupported
	}
}

func (b *Backend) prepareUpstream(ctx context.Context, query string, origin preparedOrigin) (uint32, error) {
	if b.upstream == nil {
		return 0, ErrNoUpstream
	}
	upID, err := b.upstream.Prepare(ctx, query)
	if err != nil {
		return 0, err
	}
	return b.prepared.store(&preparedStatement{origin: origin, upstreamID: upID, raw: query}), nil
}

// Execute runs a previously prepared statement. An engine execute
// failure on a select transparently re-prepares the original text
// upstream and runs it there, keeping the client's id valid.
func (b *Backend) Execute(ctx context.Context, id uint32, params []value.Value) (*Result, error) {
	ps, ok := b.prepared.get(id)
	if !ok {
		return nil, &PreparedStatementMissingError{ID: id}
	}

	switch ps.origin {
	case prepUpstreamRead:
		if b.upstream == nil {
			return nil, ErrNoUpstream
		}
		return b.upstream.ExecuteRead(ctx, ps.upstreamID, params)
	case prepUpstreamWrite:
		if b.upstream == nil {
			return nil, ErrNoUpstream
		}
		return b.upstream.ExecuteWrite(ctx, ps.upstreamID, params)
	}

	res, err := b.engine.ExecutePreparedSelect(ctx, id, params, b.readTicket())
	b.recordOutcome(querystatus.HashQuery(ps.raw), ps.raw, err)
	if err == nil {
		return res, nil
	}
	if b.upstream == nil {
		return nil, err
	}
	alog.Debugf("re-preparing statement %d upstream after engine error: %v", id, err)
	upID, prepErr := b.upstream.Prepare(ctx, ps.raw)
	if prepErr != nil {
		return nil, prepErr
	}
	ps.origin = prepUpstreamRead
	ps.upstreamID = upID
	return b.upstream.ExecuteRead(ctx, upID, params)
}
