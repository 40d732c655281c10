// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArithPromotionToFloat(t *testing.T) {
	f, _ := Float32(1.5)
	result, err := Arith(OpAdd, Int32(2), f)
	require.NoError(t, err)
	assert.Equal(t, KindFloat32, result.Kind())
	got, _ := result.AsFloat64()
	assert.InDelta(t, 3.5, got, 1e-6)
}

func TestArithDoublePromotion(t *testing.T) {
	d, _ := Float64(2.5)
	result, err := Arith(OpMul, Int64(4), d)
	require.NoError(t, err)
	assert.Equal(t, KindFloat64, result.Kind())
}

func TestArithNullPropagates(t *testing.T) {
	result, err := Arith(OpAdd, Null(), Int64(5))
	require.NoError(t, err)
	assert.True(t, result.IsNull())
}

func TestArithDivideByZero(t *testing.T) {
	_, err := Arith(OpDiv, Int64(10), Int64(0))
	require.ErrorIs(t, err, ErrDivideByZero)
}

func TestArithIntegerOverflowOnNarrow(t *testing.T) {
	_, err := arithInt(OpAdd, Int32(1), Int32(1), KindInt32)
	require.NoError(t, err)

	// Force an int32 overflow: max + 1.
	_, err = arithInt(OpAdd, Int32(2147483647), Int32(1), KindInt32)
	require.Error(t, err)
}

func TestArithIntegerBasic(t *testing.T) {
	result, err := Arith(OpSub, Int64(10), Int64(3))
	require.NoError(t, err)
	n, _ := result.AsInt64()
	assert.Equal(t, int64(7), n)
}

func TestArithMulExactBeyondFloat53Bits(t *testing.T) {
	// 100000001 * 100000001 = 10000000200000001, whose exact value needs
	// more than 53 significant bits: a float-mediated product would drop
	// the trailing 1.
	result, err := Arith(OpMul, Int64(100000001), Int64(100000001))
	require.NoError(t, err)
	n, _ := result.AsInt64()
	assert.Equal(t, int64(10000000200000001), n)

	// Same product with one negative operand, sign carried exactly.
	result, err = Arith(OpMul, Int64(-100000001), Int64(100000001))
	require.NoError(t, err)
	n, _ = result.AsInt64()
	assert.Equal(t, int64(-10000000200000001), n)
}

func TestArithMulOverflowAtExactPowerOfTwo(t *testing.T) {
	// 2^32 * 2^32 = 2^64 does not fit int64 and must be an overflow
	// error, not a silent wrap to 0.
	_, err := Arith(OpMul, Int64(1<<32), Int64(1<<32))
	require.Error(t, err)

	_, err = Arith(OpMul, Int64(-(1 << 32)), Int64(1<<32))
	require.Error(t, err)

	// One bit under the boundary still fits unsigned.
	result, err := Arith(OpMul, Uint64(1<<32), Uint64(1<<31))
	require.NoError(t, err)
	u, _ := result.AsUint64()
	assert.Equal(t, uint64(1)<<63, u)
}

func TestArithMulLargeUint64Exact(t *testing.T) {
	// 4294967295 * 4294967297 = 2^64 - 1, exactly the uint64 maximum.
	result, err := Arith(OpMul, Uint64(4294967295), Uint64(4294967297))
	require.NoError(t, err)
	u, _ := result.AsUint64()
	assert.Equal(t, uint64(18446744073709551615), u)
}

func TestArithDivTruncatesTowardZero(t *testing.T) {
	result, err := Arith(OpDiv, Int64(-7), Int64(2))
	require.NoError(t, err)
	n, _ := result.AsInt64()
	assert.Equal(t, int64(-3), n)

	result, err = Arith(OpDiv, Int64(7), Int64(-2))
	require.NoError(t, err)
	n, _ = result.AsInt64()
	assert.Equal(t, int64(-3), n)

	// Exact division of a >53-bit dividend.
	result, err = Arith(OpDiv, Int64(10000000200000001), Int64(100000001))
	require.NoError(t, err)
	n, _ = result.AsInt64()
	assert.Equal(t, int64(100000001), n)
}
