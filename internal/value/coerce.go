// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package value

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Textual literal layouts, fixed by the wire protocol.
const (
	layoutTimestamp = "2006-01-02 15:04:05"
	layoutDate      = "2006-01-02"
	layoutTime      = "15:04:05"
)

// TargetKind names a concrete SQL column type to coerce into. It is
// distinct from Kind because a SQL schema may declare e.g. "int" where
// the engine's native representation is KindInt32 or KindInt64
// depending on width, and because Date/Time/Timestamp all coerce
// through KindTimestamp/KindTime with different literal grammars.
type TargetKind uint8

const (
	TargetInt32 TargetKind = iota
	TargetInt64
	TargetUint32
	TargetUint64
	TargetFloat32
	TargetFloat64
	TargetText
	TargetTimestamp
	TargetDate
	TargetTime
)

// Coerce converts v to the representation named by target:
// "Coercion rules between concrete SQL types are explicit and fallible."
// Parses strings into numerics/dates/times, narrows integers (failing
// on out-of-range), and formats/parses timestamps using the fixed layouts.
func Coerce(v Value, target TargetKind) (Value, error) {
	if v.IsNull() {
		return Null(), nil
	}

	switch target {
	case TargetInt32, TargetInt64, TargetUint32, TargetUint64:
		return coerceToInt(v, target)
	case TargetFloat32:
		f, err := asFloat(v)
		if err != nil {
			return Value{}, convErr(v, target, err)
		}
		out, err := Float32(float32(f))
		if err != nil {
			return Value{}, convErr(v, target, err)
		}
		return out, nil
	case TargetFloat64:
		f, err := asFloat(v)
		if err != nil {
			return Value{}, convErr(v, target, err)
		}
		out, err := Float64(f)
		if err != nil {
			return Value{}, convErr(v, target, err)
		}
		return out, nil
	case TargetText:
		return Text(v.String()), nil
	case TargetTimestamp:
		return coerceToTimestamp(v)
	case TargetDate:
		return coerceToDate(v)
	case TargetTime:
		return coerceToTime(v)
	}
	return Value{}, fmt.Errorf("value: unknown coercion target %v", target)
}

func convErr(v Value, target TargetKind, detail error) error {
	return &ConversionError{Value: v, SourceKind: v.kind, TargetKind: targetNativeKind(target), Detail: detail.Error()}
}

func targetNativeKind(t TargetKind) Kind {
	switch t {
	case TargetInt32:
		return KindInt32
	case TargetInt64:
		return KindInt64
	case TargetUint32:
		return KindUint32
	case TargetUint64:
		return KindUint64
	case TargetFloat32:
		return KindFloat32
	case TargetFloat64:
		return KindFloat64
	case TargetText:
		return KindText
	case TargetTimestamp:
		return KindTimestamp
	case TargetDate:
		return KindTimestamp
	case TargetTime:
		return KindTime
	}
	return KindNull
}

func asFloat(v Value) (float64, error) {
	if f, ok := v.AsFloat64(); ok {
		return f, nil
	}
	if s, ok := v.AsString(); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("not a valid float literal: %q", s)
		}
		return f, nil
	}
	return 0, fmt.Errorf("no numeric representation available")
}

func coerceToInt(v Value, target TargetKind) (Value, error) {
	var n int64
	var unsignedSrc bool

	switch {
	case v.kind == KindInt32 || v.kind == KindInt64:
		n = v.i
	case v.kind == KindUint32 || v.kind == KindUint64:
		n = int64(v.u)
		unsignedSrc = true
	case v.kind == KindFloat32 || v.kind == KindFloat64:
		n = int64(v.f)
	case v.kind == KindText || v.kind == KindString:
		s, _ := v.AsString()
		parsed, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return Value{}, convErr(v, target, fmt.Errorf("not a valid integer literal: %q", s))
		}
		n = parsed
	default:
		return Value{}, convErr(v, target, fmt.Errorf("no integer representation available"))
	}

	switch target {
	case TargetInt32:
		if n < -1<<31 || n > 1<<31-1 {
			return Value{}, convErr(v, target, fmt.Errorf("out of range for int32: %d", n))
		}
		return Int32(int32(n)), nil
	case TargetInt64:
		return Int64(n), nil
	case TargetUint32:
		if n < 0 || n > 1<<32-1 {
			return Value{}, convErr(v, target, fmt.Errorf("out of range for uint32: %d", n))
		}
		return Uint32(uint32(n)), nil
	case TargetUint64:
		if n < 0 && !unsignedSrc {
			return Value{}, convErr(v, target, fmt.Errorf("out of range for uint64: %d", n))
		}
		return Uint64(uint64(n)), nil
	}
	return Value{}, fmt.Errorf("value: %v is not an integer target", target)
}

func coerceToTimestamp(v Value) (Value, error) {
	if v.kind == KindTimestamp {
		return v, nil
	}
	s, ok := v.AsString()
	if !ok {
		return Value{}, convErr(v, TargetTimestamp, fmt.Errorf("no text representation to parse"))
	}
	t, err := time.Parse(layoutTimestamp, s)
	if err != nil {
		return Value{}, convErr(v, TargetTimestamp, err)
	}
	return Timestamp(t), nil
}

func coerceToDate(v Value) (Value, error) {
	if v.kind == KindTimestamp {
		t, _ := v.AsTimestamp()
		return Timestamp(truncToDate(t)), nil
	}
	s, ok := v.AsString()
	if !ok {
		return Value{}, convErr(v, TargetDate, fmt.Errorf("no text representation to parse"))
	}
	t, err := time.Parse(layoutDate, s)
	if err != nil {
		return Value{}, convErr(v, TargetDate, err)
	}
	return Timestamp(t), nil
}

func truncToDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func coerceToTime(v Value) (Value, error) {
	if v.kind == KindTime {
		return v, nil
	}
	s, ok := v.AsString()
	if !ok {
		return Value{}, convErr(v, TargetTime, fmt.Errorf("no text representation to parse"))
	}
	t, err := time.Parse(layoutTime, s)
	if err != nil {
		return Value{}, convErr(v, TargetTime, err)
	}
	d := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
	return TimeOfDay(d), nil
}

// FormatDate renders a KindTimestamp Value using only the date portion
// of the timestamp layout.
func FormatDate(v Value) (string, error) {
	t, ok := v.AsTimestamp()
	if !ok {
		return "", fmt.Errorf("value: not a timestamp")
	}
	return t.Format(layoutDate), nil
}

// FormatTimestamp renders a KindTimestamp Value as YYYY-MM-DD HH:MM:SS.
func FormatTimestamp(v Value) (string, error) {
	t, ok := v.AsTimestamp()
	if !ok {
		return "", fmt.Errorf("value: not a timestamp")
	}
	return t.Format(layoutTimestamp), nil
}

// FormatTime renders a KindTime Value as HH:MM:SS.
func FormatTime(v Value) (string, error) {
	d, ok := v.AsTimeOfDay()
	if !ok {
		return "", fmt.Errorf("value: not a time-of-day")
	}
	return formatTimeOfDay(d), nil
}

// ParseTimestamp, ParseDate and ParseTime decode the textual literal formats
// directly into Values, for callers (e.g. the base-table log recovery
// path) that don't go through the generic Coerce dispatch.
func ParseTimestamp(s string) (Value, error) {
	t, err := time.Parse(layoutTimestamp, s)
	if err != nil {
		return Value{}, err
	}
	return Timestamp(t), nil
}

func ParseDate(s string) (Value, error) {
	t, err := time.Parse(layoutDate, s)
	if err != nil {
		return Value{}, err
	}
	return Timestamp(t), nil
}

func ParseTime(s string) (Value, error) {
	t, err := time.Parse(layoutTime, s)
	if err != nil {
		return Value{}, err
	}
	d := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
	return TimeOfDay(d), nil
}
