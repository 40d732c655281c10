// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package value

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTotalOrdering(t *testing.T) {
	f1, _ := Float64(1.5)
	ts := Timestamp(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	tm := TimeOfDay(2 * time.Hour)

	values := []Value{
		Null(),
		Int64(-5),
		Uint64(5),
		f1,
		tm,
		ts,
		Text("a"),
		Text("b"),
	}

	// text > time/datetime > numeric > null
	for i := 0; i < len(values); i++ {
		for j := 0; j < len(values); j++ {
			cij := Compare(values[i], values[j])
			cji := Compare(values[j], values[i])
			assert.Equal(t, cij, -cji, "cmp(%v,%v) should reverse cmp(%v,%v)", values[i], values[j], values[j], values[i])
		}
	}

	assert.True(t, Compare(Text("a"), ts) > 0)
	assert.True(t, Compare(ts, tm) > 0)
	assert.True(t, Compare(tm, Int64(5)) > 0)
	assert.True(t, Compare(Int64(5), Null()) > 0)
}

func TestTransitivity(t *testing.T) {
	a, b, c := Int64(1), Int64(2), Int64(3)
	require.True(t, Compare(a, b) <= 0)
	require.True(t, Compare(b, c) <= 0)
	require.True(t, Compare(a, c) <= 0)
}

func TestNumericWideningAcrossSign(t *testing.T) {
	// A large uint64 must compare greater than any negative int64 after
	// 128-bit widening, not wrap around.
	big := Uint64(math.MaxUint64)
	neg := Int64(-1)
	assert.True(t, Compare(big, neg) > 0)
}

func TestFloatBitPatternOrderingAndHash(t *testing.T) {
	posZero, _ := Float64(0.0)
	negZero, _ := Float64(math.Copysign(0, -1))

	assert.False(t, Equal(posZero, negZero), "±0.0 must not be equal under bit-pattern ordering")
	assert.NotEqual(t, Hash(posZero), Hash(negZero), "±0.0 must hash distinctly")
}

func TestEqHashAgree(t *testing.T) {
	cases := []struct{ a, b Value }{
		{Int64(42), Int64(42)},
		{Uint32(7), Uint32(7)},
		{Text("hello"), Text("hello")},
		{String("a long string that goes to the heap"), String("a long string that goes to the heap")},
	}
	for _, c := range cases {
		if Equal(c.a, c.b) {
			assert.Equal(t, Hash(c.a), Hash(c.b))
		}
	}
}

func TestFloatConstructionRejectsNonFinite(t *testing.T) {
	_, err := Float64(math.NaN())
	require.Error(t, err)
	_, err = Float64(math.Inf(1))
	require.Error(t, err)
}

func TestInlineVsHeapText(t *testing.T) {
	short := Text("short")
	assert.Equal(t, KindText, short.Kind())

	long := Text("this string is definitely longer than fifteen bytes")
	assert.Equal(t, KindString, long.Kind())
}
