// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package adapter

import (
	"errors"
	"fmt"
	"net"
)

// Sentinel errors the routing paths branch on. Engine implementations
// must return (or wrap) these so the backend can classify the outcome
// and record it in the query status cache.
var (
	// ErrViewNotFound is transient: the query's view was evicted or the
	// graph migrated. The query demotes to pending and this execute
	// falls back upstream.
	ErrViewNotFound = errors.New("view not found")

	// ErrUnsupported means the engine cannot plan this query at all.
	ErrUnsupported = errors.New("query unsupported by engine")

	// ErrNoUpstream is returned when a path requires the upstream
	// database but none is configured.
	ErrNoUpstream = errors.New("no upstream database configured")
)

// SetDisallowedError rejects a SET outside the allow-list. It is never
// eligible for upstream fallback on parse failure.
type SetDisallowedError struct {
	Statement string
}

func (e *SetDisallowedError) Error() string {
	return fmt.Sprintf("disallowed SET statement: %s", e.Statement)
}

// PreparedStatementMissingError reports an execute against an id this
// connection never prepared. The connection stays open.
type PreparedStatementMissingError struct {
	ID uint32
}

func (e *PreparedStatementMissingError) Error() string {
	return fmt.Sprintf("prepared statement %d not found", e.ID)
}

// isNetworkError reports whether err indicates the engine was
// unreachable, as opposed to reachable-but-failing.
func isNetworkError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne)
}
