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

func TestLiteralRoundTrip(t *testing.T) {
	cases := []string{
		"2024-03-14 09:30:00",
	}
	for _, lit := range cases {
		v, err := ParseTimestamp(lit)
		require.NoError(t, err)
		out, err := FormatTimestamp(v)
		require.NoError(t, err)
		assert.Equal(t, lit, out)
	}

	d, err := ParseDate("2024-03-14")
	require.NoError(t, err)
	dOut, err := FormatDate(d)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-14", dOut)

	tm, err := ParseTime("23:59:59")
	require.NoError(t, err)
	tmOut, err := FormatTime(tm)
	require.NoError(t, err)
	assert.Equal(t, "23:59:59", tmOut)
}

func TestCoerceIntNarrowingFails(t *testing.T) {
	_, err := Coerce(Int64(1<<40), TargetInt32)
	require.Error(t, err)
	var convErr *ConversionError
	require.ErrorAs(t, err, &convErr)
}

func TestCoerceStringToInt(t *testing.T) {
	v, err := Coerce(Text("123"), TargetInt64)
	require.NoError(t, err)
	n, _ := v.AsInt64()
	assert.Equal(t, int64(123), n)
}

func TestCoerceNullPropagates(t *testing.T) {
	v, err := Coerce(Null(), TargetInt32)
	require.NoError(t, err)
	assert.True(t, v.IsNull())
}
