// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package value implements the engine's tagged scalar type: the unit
// every Record column holds, every key tuple is built from, and every
// comparison and hash in the dataflow runtime operates on.
package value

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Kind tags the concrete representation a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt32
	KindInt64
	KindUint32
	KindUint64
	KindFloat32
	KindFloat64
	KindText   // inline, <= maxInlineText bytes, null-padded
	KindString // heap-shared, immutable, refcounted
	KindTimestamp
	KindTime
)

// maxInlineText is the largest text payload stored inline inside a Value
// without going through the heap-shared, refcounted long-text path.
const maxInlineText = 15

// Value is a tagged scalar. The zero Value is KindNull.
type Value struct {
	kind Kind

	i   int64   // Int32/Int64 (sign-extended), Timestamp (unix micros), Time (micros since midnight)
	u   uint64  // Uint32/Uint64
	f   float64 // Float32/Float64 payload, always stored widened
	fp  int32   // display precision for floats
	txt string  // inline text (<=15 bytes) or the string payload for KindString
	ref *sharedString
}

// sharedString backs KindString: immutable, de-duplicated, refcounted.
type sharedString struct {
	s     string
	count int32
}

func (s *sharedString) retain() *sharedString {
	if s == nil {
		return nil
	}
	s.count++
	return s
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

func Int32(v int32) Value  { return Value{kind: KindInt32, i: int64(v)} }
func Int64(v int64) Value  { return Value{kind: KindInt64, i: v} }
func Uint32(v uint32) Value { return Value{kind: KindUint32, u: uint64(v)} }
func Uint64(v uint64) Value { return Value{kind: KindUint64, u: v} }

// Float32 stores f widened to float64 internally, tagged with its
// original 32-bit precision for display/round-trip purposes. Non-finite
// inputs are rejected: arithmetic and construction never
// produce or accept NaN/Inf.
func Float32(f float32) (Value, error) {
	if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
		return Value{}, fmt.Errorf("value: non-finite float32 %v", f)
	}
	return Value{kind: KindFloat32, f: float64(f), fp: 32}, nil
}

func Float64(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("value: non-finite float64 %v", f)
	}
	return Value{kind: KindFloat64, f: f, fp: 64}, nil
}

// Text stores s inline if it fits in maxInlineText bytes, else promotes
// it to a heap-shared KindString, keeping short text allocation-free
// while longer text is de-duplicated behind a refcount.
func Text(s string) Value {
	if len(s) <= maxInlineText {
		return Value{kind: KindText, txt: s}
	}
	return String(s)
}

// String always allocates (or reuses, via the caller's interning table)
// a heap-shared string, regardless of length.
func String(s string) Value {
	return Value{kind: KindString, ref: &sharedString{s: s, count: 1}}
}

// InternString shares an existing refcounted string, bumping its count.
// Used by de-duplication tables that hand out the same backing string to
// many Values.
func InternString(ref *sharedString) Value {
	return Value{kind: KindString, ref: ref.retain()}
}

func Timestamp(t time.Time) Value {
	return Value{kind: KindTimestamp, i: t.UnixMicro()}
}

// TimeOfDay stores microseconds since midnight.
func TimeOfDay(d time.Duration) Value {
	return Value{kind: KindTime, i: int64(d / time.Microsecond)}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsInt64() (int64, bool) {
	switch v.kind {
	case KindInt32, KindInt64:
		return v.i, true
	case KindUint32, KindUint64:
		if v.u > math.MaxInt64 {
			return 0, false
		}
		return int64(v.u), true
	}
	return 0, false
}

func (v Value) AsUint64() (uint64, bool) {
	switch v.kind {
	case KindUint32, KindUint64:
		return v.u, true
	case KindInt32, KindInt64:
		if v.i < 0 {
			return 0, false
		}
		return uint64(v.i), true
	}
	return 0, false
}

func (v Value) AsFloat64() (float64, bool) {
	switch v.kind {
	case KindFloat32, KindFloat64:
		return v.f, true
	case KindInt32, KindInt64:
		return float64(v.i), true
	case KindUint32, KindUint64:
		return float64(v.u), true
	}
	return 0, false
}

func (v Value) AsString() (string, bool) {
	switch v.kind {
	case KindText:
		return v.txt, true
	case KindString:
		return v.ref.s, true
	}
	return "", false
}

func (v Value) AsTimestamp() (time.Time, bool) {
	if v.kind != KindTimestamp {
		return time.Time{}, false
	}
	return time.UnixMicro(v.i).UTC(), true
}

func (v Value) AsTimeOfDay() (time.Duration, bool) {
	if v.kind != KindTime {
		return 0, false
	}
	return time.Duration(v.i) * time.Microsecond, true
}

// String implements fmt.Stringer for debugging and error messages only;
// it is not the SQL literal encoding (see coerce.go's Format/Parse).
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "NULL"
	case KindInt32, KindInt64:
		return fmt.Sprintf("%d", v.i)
	case KindUint32, KindUint64:
		return fmt.Sprintf("%d", v.u)
	case KindFloat32:
		return fmt.Sprintf("%g", float32(v.f))
	case KindFloat64:
		return fmt.Sprintf("%g", v.f)
	case KindText:
		return v.txt
	case KindString:
		return v.ref.s
	case KindTimestamp:
		t, _ := v.AsTimestamp()
		return t.Format(layoutTimestamp)
	case KindTime:
		d, _ := v.AsTimeOfDay()
		return formatTimeOfDay(d)
	}
	return "?"
}

func formatTimeOfDay(d time.Duration) string {
	us := int64(d / time.Microsecond)
	neg := us < 0
	if neg {
		us = -us
	}
	h := us / 3_600_000_000
	us -= h * 3_600_000_000
	m := us / 60_000_000
	us -= m * 60_000_000
	s := us / 1_000_000
	sign := ""
	if neg {
		sign = "-"
	}
	return fmt.Sprintf("%s%02d:%02d:%02d", sign, h, m, s)
}

// kindRank orders Kind groups for the total ordering:
// text > time/datetime > numeric > null.
func kindRank(k Kind) int {
	switch k {
	case KindNull:
		return 0
	case KindInt32, KindInt64, KindUint32, KindUint64, KindFloat32, KindFloat64:
		return 1
	case KindTimestamp, KindTime:
		return 2
	case KindText, KindString:
		return 3
	}
	return -1
}

func isNumeric(k Kind) bool {
	switch k {
	case KindInt32, KindInt64, KindUint32, KindUint64, KindFloat32, KindFloat64:
		return true
	}
	return false
}

func isFloat(k Kind) bool { return k == KindFloat32 || k == KindFloat64 }

// Compare implements the total ordering: text > time >
// numeric > null, with 128-bit-widened numeric comparison and
// bit-pattern float ordering (so NaN can't violate totality — it's
// unconstructible — and +0.0/-0.0 compare distinctly, matching Hash).
func Compare(a, b Value) int {
	ra, rb := kindRank(a.kind), kindRank(b.kind)
	if ra != rb {
		return cmpInt(ra, rb)
	}

	switch {
	case a.kind == KindNull:
		return 0
	case isNumeric(a.kind):
		return compareNumeric(a, b)
	case a.kind == KindTimestamp || a.kind == KindTime:
		return cmpInt64(a.i, b.i)
	default:
		sa, _ := a.AsString()
		sb, _ := b.AsString()
		return strings.Compare(sa, sb)
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// compareNumeric promotes both operands via the promotion table: if
// either side is a float, both sides promote to float64 and
// compare via bit-pattern total ordering (orderedFloatBits); otherwise
// both sides widen to a signed 128-bit integer.
func compareNumeric(a, b Value) int {
	if isFloat(a.kind) || isFloat(b.kind) {
		fa, _ := a.AsFloat64()
		fb, _ := b.AsFloat64()
		return cmpUint64(orderedFloatBits(fa), orderedFloatBits(fb))
	}

	// Neither side is a float: compare as 128-bit signed integers so
	// that e.g. Uint64(math.MaxUint64) compares correctly against a
	// negative Int64.
	wa := widen128(a)
	wb := widen128(b)
	return wa.cmp(wb)
}

// orderedFloatBits maps a finite float64's bit pattern onto a uint64
// whose natural unsigned order matches IEEE-754 order, while staying
// injective (so +0.0 and -0.0 map to different, orderable keys instead
// of collapsing to "equal"). This is the "bit-pattern total ordering"
// required so that equality under this order agrees with Hash,
// which also hashes on raw bits.
func orderedFloatBits(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// int128 is a minimal signed 128-bit integer: hi holds the sign-extended
// high 64 bits, lo the low 64 bits (two's complement across the pair).
type int128 struct {
	hi int64
	lo uint64
}

func widen128(v Value) int128 {
	switch v.kind {
	case KindInt32, KindInt64:
		hi := int64(0)
		if v.i < 0 {
			hi = -1
		}
		return int128{hi: hi, lo: uint64(v.i)}
	default: // KindUint32, KindUint64
		return int128{hi: 0, lo: v.u}
	}
}

func (a int128) cmp(b int128) int {
	if a.hi != b.hi {
		return cmpInt64(a.hi, b.hi)
	}
	switch {
	case a.lo < b.lo:
		return -1
	case a.lo > b.lo:
		return 1
	default:
		return 0
	}
}

// Equal reports value equality consistent with Compare and with Hash
// so that equal values hash identically.
func Equal(a, b Value) bool { return Compare(a, b) == 0 }

// Hash returns a hash consistent with Equal.
// Floats hash on their exact bit pattern, matching the bit-pattern
// ordering Compare uses for floats, so -0.0 and +0.0 compare unequal
// and hash distinctly, consistently.
func Hash(v Value) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211

	h := uint64(offset64)
	mix := func(x uint64) {
		h ^= x
		h *= prime64
	}

	switch v.kind {
	case KindNull:
		mix(0)
	case KindInt32, KindInt64:
		mix(uint64(v.i))
	case KindUint32, KindUint64:
		mix(v.u)
	case KindFloat32, KindFloat64:
		mix(math.Float64bits(v.f))
	case KindText:
		for i := 0; i < len(v.txt); i++ {
			mix(uint64(v.txt[i]))
		}
	case KindString:
		s := v.ref.s
		for i := 0; i < len(s); i++ {
			mix(uint64(s[i]))
		}
	case KindTimestamp, KindTime:
		mix(uint64(v.i))
	}
	return h
}
