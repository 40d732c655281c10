// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package basetable

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/linkedin/goavro/v2"

	"github.com/flowbase/flowbase/internal/record"
	"github.com/flowbase/flowbase/internal/value"
	"github.com/flowbase/flowbase/log"
)

var btlog log.Component = "BASETABLE"

// entrySchema is the fixed Avro record schema every durable log segment
// uses: a generic (kind, offset, JSON payload) envelope, the same shape
// as the checkpoint format's generated per-timestamp records in
// a checkpoint format, but static since a table
// operation's envelope does not change shape across schema evolutions —
// only the JSON payload inside it does.
const entrySchema = `{
  "type": "record",
  "name": "BaseTableEntry",
  "fields": [
    {"name": "seq", "type": "long"},
    {"name": "kind", "type": "int"},
    {"name": "offsetLogName", "type": "string"},
    {"name": "offsetHi", "type": "long"},
    {"name": "offsetLo", "type": "long"},
    {"name": "payload", "type": "string"}
  ]
}`

// AvroLog is the write-ahead durable log backing one base table,
// appending Avro Object Container File (OCF) records exactly the way
// a rolling checkpoint writer would: open-or-create,
// reuse the existing file's codec, append with deflate compression.
type AvroLog struct {
	mu    sync.Mutex
	path  string
	codec *goavro.Codec
	seq   int64
}

// OpenAvroLog opens (or creates) the durable log file at path.
func OpenAvroLog(path string) (*AvroLog, error) {
	codec, err := goavro.NewCodec(entrySchema)
	if err != nil {
		return nil, fmt.Errorf("basetable: building avro codec: %w", err)
	}
	l := &AvroLog{path: path, codec: codec}
	if seq, err := l.lastSeq(); err == nil {
		l.seq = seq
	}
	return l, nil
}

// lastSeq scans the existing log (if any) to recover the next sequence
// number across a restart, mirroring the checkpoint reader's use of
// goavro.NewOCFReader to recover prior state before appending more.
func (l *AvroLog) lastSeq() (int64, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	reader, err := goavro.NewOCFReader(bufio.NewReader(f))
	if err != nil {
		return 0, err
	}
	var max int64
	for reader.Scan() {
		rec, err := reader.Read()
		if err != nil {
			return max, err
		}
		m, ok := rec.(map[string]any)
		if !ok {
			continue
		}
		if seq, ok := m["seq"].(int64); ok && seq > max {
			max = seq
		}
	}
	return max, nil
}

// Append durably records one table operation plus the offset in effect
// when it was applied. It returns the entry's sequence number.
func (l *AvroLog) Append(op record.TableOperation, off record.Offset) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	payload, err := json.Marshal(encodeOp(op))
	if err != nil {
		return 0, fmt.Errorf("basetable: encoding operation: %w", err)
	}

	l.seq++
	entry := map[string]any{
		"seq":           l.seq,
		"kind":          int32(op.Kind),
		"offsetLogName": off.LogName,
		"offsetHi":      int64(off.Hi),
		"offsetLo":      int64(off.Lo),
		"payload":       string(payload),
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return 0, fmt.Errorf("basetable: opening log %s: %w", l.path, err)
	}
	defer f.Close()

	writer, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               f,
		Codec:           l.codec,
		CompressionName: goavro.CompressionDeflateLabel,
	})
	if err != nil {
		return 0, fmt.Errorf("basetable: creating OCF writer: %w", err)
	}
	if err := writer.Append([]map[string]any{entry}); err != nil {
		return 0, fmt.Errorf("basetable: appending log entry: %w", err)
	}
	return l.seq, nil
}

// Sync fsyncs the log file, used by DurabilitySyncOnCommit and by the
// buffered flush ticker.
func (l *AvroLog) Sync() error {
	f, err := os.OpenFile(l.path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	return f.Sync()
}

// LoggedEntry is one recovered record, handed to Replay's callback in
// log order.
type LoggedEntry struct {
	Seq    int64
	Op     record.TableOperation
	Offset record.Offset
}

// Replay scans the durable log in order, invoking fn for each entry.
// Table.Recover uses this to rebuild the authoritative sqlite row store
// after a restart by scanning the OCF file front to back.
func (l *AvroLog) Replay(fn func(LoggedEntry) error) error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("basetable: opening log for replay: %w", err)
	}
	defer f.Close()

	reader, err := goavro.NewOCFReader(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("basetable: creating OCF reader: %w", err)
	}
	for reader.Scan() {
		raw, err := reader.Read()
		if err != nil {
			return fmt.Errorf("basetable: reading log entry: %w", err)
		}
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		var encoded encodedOp
		payload, _ := m["payload"].(string)
		if err := json.Unmarshal([]byte(payload), &encoded); err != nil {
			return fmt.Errorf("basetable: decoding log payload: %w", err)
		}
		op, err := decodeOp(record.OpKind(encoded.Kind), encoded)
		if err != nil {
			return fmt.Errorf("basetable: reconstructing operation: %w", err)
		}

		entry := LoggedEntry{
			Op: op,
			Offset: record.Offset{
				LogName: m["offsetLogName"].(string),
				Hi:      uint64(m["offsetHi"].(int64)),
				Lo:      uint64(m["offsetLo"].(int64)),
			},
		}
		if seq, ok := m["seq"].(int64); ok {
			entry.Seq = seq
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

type encodedOp struct {
	Kind int             `json:"kind"`
	Row  []encodedValue  `json:"row,omitempty"`
	Key  []encodedValue  `json:"key,omitempty"`
	Sets []encodedColSet `json:"sets,omitempty"`
}

// encodedValue is a lossless, round-trippable rendering of a
// value.Value: unlike Value.String() (documented as debug-only), it
// uses strconv with full precision for numerics and the literal parse
// layouts for timestamps/times, so recovery reconstructs the exact
// original value rather than an approximation.
type encodedValue struct {
	Kind uint8  `json:"k"`
	Text string `json:"v"`
	Null bool   `json:"n,omitempty"`
}

type encodedColSet struct {
	Column int          `json:"col"`
	Value  encodedValue `json:"val"`
}

func encodeValue(v value.Value) encodedValue {
	if v.IsNull() {
		return encodedValue{Kind: uint8(value.KindNull), Null: true}
	}
	switch v.Kind() {
	case value.KindInt32, value.KindInt64:
		n, _ := v.AsInt64()
		return encodedValue{Kind: uint8(v.Kind()), Text: strconv.FormatInt(n, 10)}
	case value.KindUint32, value.KindUint64:
		n, _ := v.AsUint64()
		return encodedValue{Kind: uint8(v.Kind()), Text: strconv.FormatUint(n, 10)}
	case value.KindFloat32, value.KindFloat64:
		f, _ := v.AsFloat64()
		return encodedValue{Kind: uint8(v.Kind()), Text: strconv.FormatFloat(f, 'g', -1, 64)}
	case value.KindTimestamp:
		s, _ := value.FormatTimestamp(v)
		return encodedValue{Kind: uint8(v.Kind()), Text: s}
	case value.KindTime:
		s, _ := value.FormatTime(v)
		return encodedValue{Kind: uint8(v.Kind()), Text: s}
	default:
		s, _ := v.AsString()
		return encodedValue{Kind: uint8(v.Kind()), Text: s}
	}
}

func decodeValue(e encodedValue) (value.Value, error) {
	if e.Null {
		return value.Null(), nil
	}
	switch value.Kind(e.Kind) {
	case value.KindInt32:
		n, err := strconv.ParseInt(e.Text, 10, 32)
		if err != nil {
			return value.Value{}, err
		}
		return value.Int32(int32(n)), nil
	case value.KindInt64:
		n, err := strconv.ParseInt(e.Text, 10, 64)
		if err != nil {
			return value.Value{}, err
		}
		return value.Int64(n), nil
	case value.KindUint32:
		n, err := strconv.ParseUint(e.Text, 10, 32)
		if err != nil {
			return value.Value{}, err
		}
		return value.Uint32(uint32(n)), nil
	case value.KindUint64:
		n, err := strconv.ParseUint(e.Text, 10, 64)
		if err != nil {
			return value.Value{}, err
		}
		return value.Uint64(n), nil
	case value.KindFloat32:
		f, err := strconv.ParseFloat(e.Text, 32)
		if err != nil {
			return value.Value{}, err
		}
		return value.Float32(float32(f))
	case value.KindFloat64:
		f, err := strconv.ParseFloat(e.Text, 64)
		if err != nil {
			return value.Value{}, err
		}
		return value.Float64(f)
	case value.KindTimestamp:
		return value.ParseTimestamp(e.Text)
	case value.KindTime:
		return value.ParseTime(e.Text)
	case value.KindText:
		return value.Text(e.Text), nil
	case value.KindString:
		return value.String(e.Text), nil
	default:
		return value.Null(), nil
	}
}

func encodeOp(op record.TableOperation) encodedOp {
	e := encodedOp{Kind: int(op.Kind)}
	for _, v := range op.Row {
		e.Row = append(e.Row, encodeValue(v))
	}
	for _, v := range op.Key {
		e.Key = append(e.Key, encodeValue(v))
	}
	for _, s := range op.Sets {
		e.Sets = append(e.Sets, encodedColSet{Column: s.Column, Value: encodeValue(s.Value)})
	}
	return e
}

// decodeOp reconstructs a TableOperation from its JSON payload, used by
// Table.Recover to replay a durable log segment after a restart.
func decodeOp(kind record.OpKind, e encodedOp) (record.TableOperation, error) {
	op := record.TableOperation{Kind: kind}
	for _, ev := range e.Row {
		v, err := decodeValue(ev)
		if err != nil {
			return op, err
		}
		op.Row = append(op.Row, v)
	}
	for _, ev := range e.Key {
		v, err := decodeValue(ev)
		if err != nil {
			return op, err
		}
		op.Key = append(op.Key, v)
	}
	for _, s := range e.Sets {
		v, err := decodeValue(s.Value)
		if err != nil {
			return op, err
		}
		op.Sets = append(op.Sets, record.ColumnSet{Column: s.Column, Value: v})
	}
	return op, nil
}

// Rotate seals the current log file by renaming it aside; the next
// Append starts a fresh segment, continuing the sequence numbering. The
// sealed path is returned for the archiver to pick up. Rotating an
// empty or missing log returns "" with no error.
func (l *AvroLog) Rotate() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := os.Stat(l.path); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	sealed := fmt.Sprintf("%s.%d.sealed", l.path, l.seq)
	if err := os.Rename(l.path, sealed); err != nil {
		return "", fmt.Errorf("basetable: sealing log segment: %w", err)
	}
	btlog.Infof("sealed log segment %s", sealed)
	return sealed, nil
}
