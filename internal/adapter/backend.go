// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package adapter

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowbase/flowbase/internal/querystatus"
	"github.com/flowbase/flowbase/log"
)

var alog log.Component = "ADAPTER"

// slowQueryThreshold is the execution time past which a statement is
// logged as slow.
const slowQueryThreshold = 5 * time.Millisecond

// Config selects the backend's routing behavior for one connection.
type Config struct {
	// RaceReads issues selects to the engine and the upstream
	// concurrently, returning the first success; otherwise the engine
	// is tried first and errors cascade upstream.
	RaceReads bool

	// MirrorDDL applies schema changes to the engine before forwarding
	// them upstream.
	MirrorDDL bool

	// ProxyUnsupportedSets proxies a disallowed SET, and every
	// statement after it, upstream for the rest of the connection
	// instead of rejecting it.
	ProxyUnsupportedSets bool

	// EnableRYW tracks a read-your-writes ticket across this
	// connection's writes and passes it on reads.
	EnableRYW bool

	// SlowQueryLog warns on statements slower than slowQueryThreshold.
	SlowQueryLog bool

	// QueryWindow and RecoveryWindow bound how long a query stays
	// pinned to the upstream after the engine was unreachable for it.
	QueryWindow    time.Duration
	RecoveryWindow time.Duration
}

// Backend routes one client connection's statements. Not safe for
// concurrent use: a connection issues one statement at a time, so the
// backend is owned by its connection goroutine, like the per-request
// state the REST layer keeps per handler call.
type Backend struct {
	cfg      Config
	parser   Parser
	engine   Engine
	upstream Upstream
	statuses *querystatus.Cache
	tsClient TimestampClient

	ticket   Ticket
	inTx     bool
	proxyAll bool

	prepared *preparedStatements

	slowlogGate rate.Sometimes
}

// NewBackend wires a backend for one connection. upstream and tsClient
// may be nil; statuses must not be.
func NewBackend(cfg Config, parser Parser, engine Engine, upstream Upstream, tsClient TimestampClient, statuses *querystatus.Cache) (*Backend, error) {
	prep, err := newPreparedStatements()
	if err != nil {
		return nil, err
	}
	return &Backend{
		cfg:         cfg,
		parser:      parser,
		engine:      engine,
		upstream:    upstream,
		statuses:    statuses,
		tsClient:    tsClient,
		ticket:      NewTicket(),
		prepared:    prep,
		slowlogGate: rate.Sometimes{First: 3, Interval: time.Second},
	}, nil
}

// Ticket exposes the connection's current read-your-writes ticket.
func (b *Backend) Ticket() Ticket { return b.ticket }

// Query routes one statement of client SQL.
func (b *Backend) Query(ctx context.Context, query string) (*Result, error) {
	start := time.Now()
	res, err := b.route(ctx, query)
	if b.cfg.SlowQueryLog {
		if took := time.Since(start); took >= slowQueryThreshold {
			b.slowlogGate.Do(func() {
				alog.Warnf("slow query (%v): %s", took, query)
			})
		}
	}
	return res, err
}

func (b *Backend) route(ctx context.Context, query string) (*Result, error) {
	// A connection that saw a disallowed SET under ProxyUnsupportedSets
	// is pinned upstream until it closes.
	if b.proxyAll {
		return b.queryUpstream(ctx, query)
	}

	stmt, err := b.parser.Parse(query)
	// Everything inside an explicit transaction goes upstream; the
	// closing COMMIT or ROLLBACK ends the pinning.
	if b.inTx {
		if err == nil && (stmt.Kind == StmtCommit || stmt.Kind == StmtRollback) {
			b.inTx = false
		}
		return b.queryUpstream(ctx, query)
	}
	if err != nil {
		// The engine can never plan what it cannot parse; remember that
		// before deciding where this execute goes.
		id := querystatus.HashQuery(query)
		b.statuses.Update(id, query, querystatus.Unsupported)
		if b.upstream != nil {
			return b.queryUpstream(ctx, query)
		}
		return nil, err
	}

	switch stmt.Kind {
	case StmtSet:
		return b.handleSet(ctx, stmt)
	case StmtBegin:
		b.inTx = true
		return b.queryUpstream(ctx, query)
	case StmtCommit, StmtRollback:
		b.inTx = false
		return b.queryUpstream(ctx, query)
	case StmtCompoundSelect:
		// Compound selects are always proxied when an upstream exists.
		if b.upstream != nil {
			return b.queryUpstream(ctx, query)
		}
		return nil, ErrUnsupported
	case StmtSelect:
		return b.handleSelect(ctx, stmt)
	case StmtInsert, StmtUpdate, StmtDelete:
		return b.handleWrite(ctx, stmt)
	default:
		if stmt.Kind.IsDDL() {
			return b.handleDDL(ctx, stmt)
		}
		return nil, ErrUnsupported
	}
}

func (b *Backend) queryUpstream(ctx context.Context, query string) (*Result, error) {
	if b.upstream == nil {
		return nil, ErrNoUpstream
	}
	return b.upstream.Query(ctx, query)
}

func (b *Backend) handleSet(ctx context.Context, stmt *Statement) (*Result, error) {
	if stmt.Set == nil || !isAllowedSet(stmt.Set) {
		if b.cfg.ProxyUnsupportedSets && b.upstream != nil {
			alog.Infof("proxying connection upstream after disallowed SET: %s", stmt.Raw)
			b.proxyAll = true
			return b.queryUpstream(ctx, stmt.Raw)
		}
		return nil, &SetDisallowedError{Statement: stmt.Raw}
	}
	// Allowed SETs are shadowed upstream so both sides agree on session
	// semantics; with no upstream they are accepted and ignored.
	if b.upstream != nil {
		return b.upstream.Exec(ctx, stmt.Raw)
	}
	return &Result{Origin: OriginEngine}, nil
}

// handleSelect applies the status-cache routing decision, then runs the
// read via race or cascade, feeding the outcome back into the cache.
func (b *Backend) handleSelect(ctx context.Context, stmt *Statement) (*Result, error) {
	id := querystatus.HashQuery(stmt.Raw)
	status := b.statuses.Insert(id, stmt.Raw)

	if b.upstream != nil && !status.Always && b.denied(id, status) {
		return b.queryUpstream(ctx, stmt.Raw)
	}

	if b.upstream != nil && b.cfg.RaceReads {
		return b.raceRead(ctx, stmt, id)
	}
	return b.cascadeRead(ctx, stmt, id)
}

// denied reports whether the status cache forbids routing this select
// to the engine right now, folding in the network-failure recovery
// window.
func (b *Backend) denied(id querystatus.QueryID, status querystatus.QueryStatus) bool {
	if _, deny := b.statuses.DenyList()[id]; deny {
		return true
	}
	if status.ExecutionInfo != nil && status.ExecutionInfo.State == querystatus.ExecNetworkFailure {
		// A reset means the recovery window elapsed: give the engine
		// another attempt instead of pinning the query upstream.
		return !b.statuses.ResetIfExceededRecovery(id, b.cfg.QueryWindow, b.cfg.RecoveryWindow)
	}
	return false
}

// recordOutcome feeds a single engine execute result back into the
// status cache.
func (b *Backend) recordOutcome(id querystatus.QueryID, raw string, err error) {
	switch {
	case err == nil:
		b.statuses.ExecuteSucceeded(id, raw)
	case errors.Is(err, ErrViewNotFound):
		b.statuses.ViewNotFound(id, raw)
		b.statuses.ExecuteFailed(id, raw)
	case errors.Is(err, ErrUnsupported):
		b.statuses.Update(id, raw, querystatus.Unsupported)
		b.statuses.ExecuteFailed(id, raw)
	case isNetworkError(err):
		b.statuses.ExecuteNetworkFailure(id, raw)
	default:
		b.statuses.ExecuteFailed(id, raw)
	}
}

// cascadeRead tries the engine first and falls back upstream on any
// engine error. With no upstream the engine error is surfaced as-is.
func (b *Backend) cascadeRead(ctx context.Context, stmt *Statement, id querystatus.QueryID) (*Result, error) {
	ticket := b.readTicket()
	res, err := b.engine.HandleSelect(ctx, stmt, ticket)
	b.recordOutcome(id, stmt.Raw, err)
	if err == nil {
		return res, nil
	}
	if b.upstream == nil {
		return nil, err
	}
	alog.Debugf("cascading %s upstream after engine error: %v", id, err)
	return b.upstream.Query(ctx, stmt.Raw)
}

// raceRead issues the select to the engine and the upstream in two
// cancellable tasks and returns the first success, cancelling the
// loser. If both fail, the upstream's error is surfaced.
func (b *Backend) raceRead(ctx context.Context, stmt *Statement, id querystatus.QueryID) (*Result, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan *Result, 2)
	// Bounded per-arm error channels: each arm reports at most once,
	// and the upstream's error is the one surfaced when both fail.
	engineErrs := make(chan error, 1)
	upstreamErrs := make(chan error, 1)
	ticket := b.readTicket()

	go func() {
		res, err := b.engine.HandleSelect(raceCtx, stmt, ticket)
		b.recordOutcome(id, stmt.Raw, err)
		if err != nil {
			engineErrs <- err
			return
		}
		results <- res
	}()
	go func() {
		res, err := b.upstream.Query(raceCtx, stmt.Raw)
		if err != nil {
			upstreamErrs <- err
			return
		}
		results <- res
	}()

	var upstreamErr error
	for failures := 0; failures < 2; {
		select {
		case res := <-results:
			return res, nil
		case err := <-engineErrs:
			failures++
			alog.Debugf("race: engine arm failed: %v", err)
		case err := <-upstreamErrs:
			failures++
			upstreamErr = err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, upstreamErr
}

// readTicket returns the ticket a read should carry, or nil when
// read-your-writes is off or nothing has been written yet.
func (b *Backend) readTicket() *Ticket {
	if !b.cfg.EnableRYW || b.ticket.Empty() {
		return nil
	}
	t := b.ticket
	return &t
}

// handleWrite routes an insert/update/delete. With an upstream
// configured all writes go there; under read-your-writes the returned
// write identifier is turned into a timestamp and joined into the
// connection's ticket.
func (b *Backend) handleWrite(ctx context.Context, stmt *Statement) (*Result, error) {
	if b.upstream == nil {
		return b.engine.HandleWrite(ctx, stmt)
	}

	if b.cfg.EnableRYW && b.tsClient != nil {
		res, writeID, err := b.upstream.ExecRYW(ctx, stmt.Raw)
		if err != nil {
			return nil, err
		}
		index, err := b.engine.TableIndex(ctx, stmt.Table)
		if err != nil {
			return nil, err
		}
		ts, err := b.tsClient.AppendWrite(writeID, []int{index})
		if err != nil {
			return nil, err
		}
		b.ticket.Join(ts)
		return res, nil
	}

	return b.upstream.Exec(ctx, stmt.Raw)
}

// handleDDL applies schema changes: engine then upstream when
// mirroring, otherwise whichever side is configured as authoritative.
func (b *Backend) handleDDL(ctx context.Context, stmt *Statement) (*Result, error) {
	if b.upstream != nil {
		if b.cfg.MirrorDDL {
			if err := b.engine.HandleDDL(ctx, stmt); err != nil {
				return nil, err
			}
		}
		return b.upstream.Exec(ctx, stmt.Raw)
	}
	if err := b.engine.HandleDDL(ctx, stmt); err != nil {
		return nil, err
	}
	return &Result{Origin: OriginEngine}, nil
}
