// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package record

import "fmt"

// Offset is a (log-name, u128 offset) pair Two offsets are
// comparable only if their log names match.
type Offset struct {
	LogName string
	Hi      uint64
	Lo      uint64
}

// ErrIncomparableOffsets is the fatal-within-a-batch error for
// "Replication-offset mismatch": two offsets from different logs.
type ErrIncomparableOffsets struct {
	A, B string
}

func (e *ErrIncomparableOffsets) Error() string {
	return fmt.Sprintf("record: offsets from different logs are incomparable: %q vs %q", e.A, e.B)
}

// Compare returns -1/0/1 comparing o to other's 128-bit offset value.
// It errors if the log names differ.
func (o Offset) Compare(other Offset) (int, error) {
	if o.LogName != other.LogName {
		return 0, &ErrIncomparableOffsets{A: o.LogName, B: other.LogName}
	}
	if o.Hi != other.Hi {
		if o.Hi < other.Hi {
			return -1, nil
		}
		return 1, nil
	}
	switch {
	case o.Lo < other.Lo:
		return -1, nil
	case o.Lo > other.Lo:
		return 1, nil
	default:
		return 0, nil
	}
}

// Max returns whichever of o/other is larger's "largest
// offset in the batch wins" rule for persisted-offset interleaving. It
// panics on incomparable offsets — callers validate log-name agreement
// before folding a batch's offsets together.
func (o Offset) Max(other Offset) Offset {
	c, err := o.Compare(other)
	if err != nil {
		panic(err)
	}
	if c >= 0 {
		return o
	}
	return other
}

// Zero reports whether this is the unset offset (no log name).
func (o Offset) Zero() bool { return o.LogName == "" }
