// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package worker

import (
	"context"

	"github.com/flowbase/flowbase/internal/reader"
	"github.com/flowbase/flowbase/internal/record"
	"github.com/flowbase/flowbase/internal/value"
)

// View is the client-facing handle on one reader index.
type View struct {
	name   string
	reader *reader.Reader
}

// Name returns the view's registered name.
func (v *View) Name() string { return v.name }

// Reader exposes the underlying reader, e.g. so the domain hosting the
// leaf operator can append to it.
func (v *View) Reader() *reader.Reader { return v.reader }

// Lookup performs a point read. When at is non-nil the result includes
// pending deltas up to that timestamp; with block set, the call waits
// until the reader's absorbed watermark reaches at before answering —
// the read-your-writes path, where at comes from the client's ticket.
func (v *View) Lookup(ctx context.Context, key []value.Value, block bool, at *int64) ([]record.Record, error) {
	if at == nil {
		return v.reader.Lookup(key, nil)
	}
	if block {
		return v.reader.LookupBlocking(ctx, key, *at)
	}
	return v.reader.Lookup(key, at)
}
