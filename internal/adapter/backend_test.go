// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package adapter

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowbase/flowbase/internal/querystatus"
	"github.com/flowbase/flowbase/internal/value"
)

// fakeParser classifies by leading keyword, enough to drive routing.
type fakeParser struct{}

func (fakeParser) Parse(query string) (*Statement, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(q, "select"):
		return &Statement{Kind: StmtSelect, Raw: query}, nil
	case strings.HasPrefix(q, "insert"), strings.HasPrefix(q, "update"), strings.HasPrefix(q, "delete"):
		table := "t"
		return &Statement{Kind: StmtInsert, Raw: query, Table: table}, nil
	case strings.HasPrefix(q, "begin"):
		return &Statement{Kind: StmtBegin, Raw: query}, nil
	case strings.HasPrefix(q, "commit"):
		return &Statement{Kind: StmtCommit, Raw: query}, nil
	case strings.HasPrefix(q, "create table"):
		return &Statement{Kind: StmtCreateTable, Raw: query}, nil
	case strings.HasPrefix(q, "set bad"):
		return &Statement{Kind: StmtSet, Raw: query, Set: &SetStatement{Variable: "bogus"}}, nil
	case strings.HasPrefix(q, "set"):
		return &Statement{Kind: StmtSet, Raw: query, Set: &SetStatement{Variable: "autocommit", Value: Literal{Kind: LitInt, Int: 1}}}, nil
	default:
		return nil, errors.New("parse error")
	}
}

type fakeEngine struct {
	selectErr  error
	selectWait time.Duration
	selects    atomic.Int64
	writes     atomic.Int64
	ddls       atomic.Int64
	prepareErr error
	executeErr error
	lastTicket *Ticket
}

func (e *fakeEngine) HandleSelect(ctx context.Context, stmt *Statement, ticket *Ticket) (*Result, error) {
	e.selects.Add(1)
	e.lastTicket = ticket
	if e.selectWait > 0 {
		select {
		case <-time.After(e.selectWait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.selectErr != nil {
		return nil, e.selectErr
	}
	return &Result{Origin: OriginEngine, Rows: [][]value.Value{{value.Int64(1)}}}, nil
}

func (e *fakeEngine) HandleWrite(ctx context.Context, stmt *Statement) (*Result, error) {
	e.writes.Add(1)
	return &Result{Origin: OriginEngine, AffectedRows: 1}, nil
}

func (e *fakeEngine) HandleDDL(ctx context.Context, stmt *Statement) error {
	e.ddls.Add(1)
	return nil
}

func (e *fakeEngine) TableIndex(ctx context.Context, table string) (int, error) { return 7, nil }

func (e *fakeEngine) PrepareSelect(ctx context.Context, stmt *Statement, id uint32) error {
	return e.prepareErr
}

func (e *fakeEngine) ExecutePreparedSelect(ctx context.Context, id uint32, params []value.Value, ticket *Ticket) (*Result, error) {
	if e.executeErr != nil {
		return nil, e.executeErr
	}
	return &Result{Origin: OriginEngine}, nil
}

type fakeUpstream struct {
	queryErr error
	queries  atomic.Int64
	execs    atomic.Int64
	prepares atomic.Int64
}

func (u *fakeUpstream) Query(ctx context.Context, raw string) (*Result, error) {
	u.queries.Add(1)
	if u.queryErr != nil {
		return nil, u.queryErr
	}
	return &Result{Origin: OriginUpstream}, nil
}

func (u *fakeUpstream) Exec(ctx context.Context, raw string) (*Result, error) {
	u.execs.Add(1)
	return &Result{Origin: OriginUpstream, AffectedRows: 1}, nil
}

func (u *fakeUpstream) ExecRYW(ctx context.Context, raw string) (*Result, string, error) {
	u.execs.Add(1)
	return &Result{Origin: OriginUpstream, AffectedRows: 1}, "w-1", nil
}

func (u *fakeUpstream) Prepare(ctx context.Context, raw string) (uint32, error) {
	u.prepares.Add(1)
	return uint32(100 + u.prepares.Load()), nil
}

func (u *fakeUpstream) ExecuteRead(ctx context.Context, id uint32, params []value.Value) (*Result, error) {
	return &Result{Origin: OriginUpstream}, nil
}

func (u *fakeUpstream) ExecuteWrite(ctx context.Context, id uint32, params []value.Value) (*Result, error) {
	return &Result{Origin: OriginUpstream, AffectedRows: 1}, nil
}

type fakeTimestamps struct{}

func (fakeTimestamps) AppendWrite(writeID string, tables []int) (Ticket, error) {
	t := NewTicket()
	for _, table := range tables {
		t.Observe(table, 42)
	}
	return t, nil
}

func newTestBackend(t *testing.T, cfg Config, engine Engine, upstream Upstream) *Backend {
	t.Helper()
	b, err := NewBackend(cfg, fakeParser{}, engine, upstream, fakeTimestamps{}, querystatus.New(querystatus.StyleInRequestPath))
	require.NoError(t, err)
	return b
}

func TestCascadeReadPrefersEngine(t *testing.T) {
	engine := &fakeEngine{}
	upstream := &fakeUpstream{}
	b := newTestBackend(t, Config{}, engine, upstream)

	res, err := b.Query(context.Background(), "select * from t")
	require.NoError(t, err)
	assert.Equal(t, OriginEngine, res.Origin)
	assert.EqualValues(t, 0, upstream.queries.Load())
}

func TestCascadeReadFallsBackOnEngineError(t *testing.T) {
	engine := &fakeEngine{selectErr: errors.New("boom")}
	upstream := &fakeUpstream{}
	b := newTestBackend(t, Config{}, engine, upstream)

	res, err := b.Query(context.Background(), "select * from t")
	require.NoError(t, err)
	assert.Equal(t, OriginUpstream, res.Origin)
}

func TestCascadeReadNoUpstreamSurfacesError(t *testing.T) {
	engine := &fakeEngine{selectErr: errors.New("boom")}
	b := newTestBackend(t, Config{}, engine, nil)

	_, err := b.Query(context.Background(), "select * from t")
	require.Error(t, err)
}

func TestRaceReadReturnsFirstSuccess(t *testing.T) {
	engine := &fakeEngine{selectWait: 50 * time.Millisecond}
	upstream := &fakeUpstream{}
	b := newTestBackend(t, Config{RaceReads: true}, engine, upstream)

	res, err := b.Query(context.Background(), "select * from t")
	require.NoError(t, err)
	assert.Equal(t, OriginUpstream, res.Origin)
}

func TestRaceReadSurfacesUpstreamErrorWhenBothFail(t *testing.T) {
	engine := &fakeEngine{selectErr: errors.New("engine down")}
	upstream := &fakeUpstream{queryErr: errors.New("upstream down")}
	b := newTestBackend(t, Config{RaceReads: true}, engine, upstream)

	_, err := b.Query(context.Background(), "select * from t")
	require.ErrorContains(t, err, "upstream down")
}

func TestUnsupportedSelectIsDeniedAfterwards(t *testing.T) {
	engine := &fakeEngine{selectErr: ErrUnsupported}
	upstream := &fakeUpstream{}
	b := newTestBackend(t, Config{}, engine, upstream)

	_, err := b.Query(context.Background(), "select * from t")
	require.NoError(t, err)
	assert.EqualValues(t, 1, engine.selects.Load())

	// The unsupported verdict is terminal: later executes skip the
	// engine entirely.
	_, err = b.Query(context.Background(), "select * from t")
	require.NoError(t, err)
	assert.EqualValues(t, 1, engine.selects.Load())
	assert.EqualValues(t, 2, upstream.queries.Load())
}

func TestNetworkFailurePinsQueryUpstreamUntilRecovery(t *testing.T) {
	engine := &fakeEngine{selectErr: &net.OpError{Op: "dial", Err: errors.New("refused")}}
	upstream := &fakeUpstream{}
	b := newTestBackend(t, Config{QueryWindow: time.Hour, RecoveryWindow: time.Hour}, engine, upstream)

	_, err := b.Query(context.Background(), "select * from t")
	require.NoError(t, err)
	require.EqualValues(t, 1, engine.selects.Load())

	_, err = b.Query(context.Background(), "select * from t")
	require.NoError(t, err)
	assert.EqualValues(t, 1, engine.selects.Load(), "query should stay pinned upstream inside the recovery window")
}

func TestViewNotFoundDemotesToPending(t *testing.T) {
	engine := &fakeEngine{selectErr: ErrViewNotFound}
	upstream := &fakeUpstream{}
	statuses := querystatus.New(querystatus.StyleInRequestPath)
	b, err := NewBackend(Config{}, fakeParser{}, engine, upstream, nil, statuses)
	require.NoError(t, err)

	res, err := b.Query(context.Background(), "select * from t")
	require.NoError(t, err)
	assert.Equal(t, OriginUpstream, res.Origin)

	st, ok := statuses.Get(querystatus.HashQuery("select * from t"))
	require.True(t, ok)
	assert.True(t, st.IsPending())
}

func TestWriteJoinsTicketUnderRYW(t *testing.T) {
	engine := &fakeEngine{}
	upstream := &fakeUpstream{}
	b := newTestBackend(t, Config{EnableRYW: true}, engine, upstream)

	_, err := b.Query(context.Background(), "insert into t values (1)")
	require.NoError(t, err)
	assert.EqualValues(t, 42, b.Ticket().Required(7))

	// The next read carries the joined ticket.
	_, err = b.Query(context.Background(), "select * from t")
	require.NoError(t, err)
	require.NotNil(t, engine.lastTicket)
	assert.EqualValues(t, 42, engine.lastTicket.Required(7))
}

func TestTransactionPinsConnectionUpstream(t *testing.T) {
	engine := &fakeEngine{}
	upstream := &fakeUpstream{}
	b := newTestBackend(t, Config{}, engine, upstream)

	_, err := b.Query(context.Background(), "begin")
	require.NoError(t, err)
	_, err = b.Query(context.Background(), "select * from t")
	require.NoError(t, err)
	assert.EqualValues(t, 0, engine.selects.Load())

	_, err = b.Query(context.Background(), "commit")
	require.NoError(t, err)
	_, err = b.Query(context.Background(), "select * from t")
	require.NoError(t, err)
	assert.EqualValues(t, 1, engine.selects.Load())
}

func TestDisallowedSetRejectedOrProxied(t *testing.T) {
	engine := &fakeEngine{}
	upstream := &fakeUpstream{}

	b := newTestBackend(t, Config{}, engine, upstream)
	_, err := b.Query(context.Background(), "set bad = 1")
	var disallowed *SetDisallowedError
	require.ErrorAs(t, err, &disallowed)

	// With proxying enabled, the SET and everything after it go
	// upstream for the rest of the connection.
	b = newTestBackend(t, Config{ProxyUnsupportedSets: true}, engine, upstream)
	_, err = b.Query(context.Background(), "set bad = 1")
	require.NoError(t, err)
	_, err = b.Query(context.Background(), "select * from t")
	require.NoError(t, err)
	assert.EqualValues(t, 0, engine.selects.Load())
}

func TestDDLMirroring(t *testing.T) {
	engine := &fakeEngine{}
	upstream := &fakeUpstream{}

	b := newTestBackend(t, Config{MirrorDDL: true}, engine, upstream)
	_, err := b.Query(context.Background(), "create table t (id int)")
	require.NoError(t, err)
	assert.EqualValues(t, 1, engine.ddls.Load())
	assert.EqualValues(t, 1, upstream.execs.Load())

	b = newTestBackend(t, Config{}, engine, upstream)
	_, err = b.Query(context.Background(), "create table u (id int)")
	require.NoError(t, err)
	assert.EqualValues(t, 1, engine.ddls.Load(), "without mirroring only the upstream sees DDL")
}

func TestParseFailureFallsBackAndRecordsUnsupported(t *testing.T) {
	engine := &fakeEngine{}
	upstream := &fakeUpstream{}
	statuses := querystatus.New(querystatus.StyleInRequestPath)
	b, err := NewBackend(Config{}, fakeParser{}, engine, upstream, nil, statuses)
	require.NoError(t, err)

	res, err := b.Query(context.Background(), "gibberish")
	require.NoError(t, err)
	assert.Equal(t, OriginUpstream, res.Origin)

	st, ok := statuses.Get(querystatus.HashQuery("gibberish"))
	require.True(t, ok)
	assert.True(t, st.IsUnsupported())
}

func TestPrepareAndExecute(t *testing.T) {
	engine := &fakeEngine{}
	upstream := &fakeUpstream{}
	b := newTestBackend(t, Config{}, engine, upstream)

	id, err := b.Prepare(context.Background(), "select * from t where id = ?")
	require.NoError(t, err)

	res, err := b.Execute(context.Background(), id, []value.Value{value.Int64(1)})
	require.NoError(t, err)
	assert.Equal(t, OriginEngine, res.Origin)

	_, err = b.Execute(context.Background(), id+999, nil)
	var missing *PreparedStatementMissingError
	require.ErrorAs(t, err, &missing)
}

func TestExecuteRepreparesUpstreamOnEngineFailure(t *testing.T) {
	engine := &fakeEngine{executeErr: errors.New("engine lost the view")}
	upstream := &fakeUpstream{}
	b := newTestBackend(t, Config{}, engine, upstream)

	id, err := b.Prepare(context.Background(), "select * from t where id = ?")
	require.NoError(t, err)

	// Same client id keeps working, now transparently backed upstream.
	res, err := b.Execute(context.Background(), id, []value.Value{value.Int64(1)})
	require.NoError(t, err)
	assert.Equal(t, OriginUpstream, res.Origin)
	assert.EqualValues(t, 1, upstream.prepares.Load())

	res, err = b.Execute(context.Background(), id, []value.Value{value.Int64(1)})
	require.NoError(t, err)
	assert.Equal(t, OriginUpstream, res.Origin)
	assert.EqualValues(t, 1, upstream.prepares.Load(), "re-prepare happens once")
}

func TestPrepareFallsBackWhenEngineCannotPlan(t *testing.T) {
	engine := &fakeEngine{prepareErr: ErrUnsupported}
	upstream := &fakeUpstream{}
	b := newTestBackend(t, Config{}, engine, upstream)

	id, err := b.Prepare(context.Background(), "select * from t where id = ?")
	require.NoError(t, err)

	res, err := b.Execute(context.Background(), id, []value.Value{value.Int64(1)})
	require.NoError(t, err)
	assert.Equal(t, OriginUpstream, res.Origin)
}
