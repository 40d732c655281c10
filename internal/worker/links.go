// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package worker

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flowbase/flowbase/internal/dataflow"
	"github.com/flowbase/flowbase/internal/record"
	"github.com/flowbase/flowbase/internal/value"
)

// The cross-process link wire format: a 4-byte big-endian length prefix
// followed by one JSON-encoded packet. Values are flattened into a
// tagged shape because their in-memory representation is unexported.

type wireValue struct {
	K uint8   `json:"k"`
	I int64   `json:"i,omitempty"`
	U uint64  `json:"u,omitempty"`
	F float64 `json:"f,omitempty"`
	S string  `json:"s,omitempty"`
}

type wireRecord struct {
	Positive bool        `json:"p"`
	Row      []wireValue `json:"r"`
}

type wirePacket struct {
	Kind  uint8        `json:"kind"`
	From  uint32       `json:"from"`
	To    uint32       `json:"to"`
	Tag   uint64       `json:"tag,omitempty"`
	Key   []wireValue  `json:"key,omitempty"`
	Delta []wireRecord `json:"delta,omitempty"`
}

func toWireValue(v value.Value) wireValue {
	switch v.Kind() {
	case value.KindInt32, value.KindInt64:
		n, _ := v.AsInt64()
		return wireValue{K: uint8(v.Kind()), I: n}
	case value.KindUint32, value.KindUint64:
		n, _ := v.AsUint64()
		return wireValue{K: uint8(v.Kind()), U: n}
	case value.KindFloat32, value.KindFloat64:
		f, _ := v.AsFloat64()
		return wireValue{K: uint8(v.Kind()), F: f}
	case value.KindText, value.KindString:
		s, _ := v.AsString()
		return wireValue{K: uint8(v.Kind()), S: s}
	case value.KindTimestamp:
		t, _ := v.AsTimestamp()
		return wireValue{K: uint8(v.Kind()), I: t.UnixMicro()}
	case value.KindTime:
		d, _ := v.AsTimeOfDay()
		return wireValue{K: uint8(v.Kind()), I: int64(d)}
	default:
		return wireValue{K: uint8(value.KindNull)}
	}
}

func fromWireValue(w wireValue) value.Value {
	switch value.Kind(w.K) {
	case value.KindInt32:
		return value.Int32(int32(w.I))
	case value.KindInt64:
		return value.Int64(w.I)
	case value.KindUint32:
		return value.Uint32(uint32(w.U))
	case value.KindUint64:
		return value.Uint64(w.U)
	case value.KindFloat32, value.KindFloat64:
		v, err := value.Float64(w.F)
		if err != nil {
			return value.Null()
		}
		return v
	case value.KindText, value.KindString:
		return value.String(w.S)
	case value.KindTimestamp:
		return value.Timestamp(time.UnixMicro(w.I).UTC())
	case value.KindTime:
		return value.TimeOfDay(time.Duration(w.I))
	default:
		return value.Null()
	}
}

func toWireRow(row []value.Value) []wireValue {
	out := make([]wireValue, len(row))
	for i, v := range row {
		out[i] = toWireValue(v)
	}
	return out
}

func fromWireRow(row []wireValue) []value.Value {
	out := make([]value.Value, len(row))
	for i, v := range row {
		out[i] = fromWireValue(v)
	}
	return out
}

func toWirePacket(p dataflow.Packet) wirePacket {
	w := wirePacket{
		Kind: uint8(p.Kind),
		From: uint32(p.From),
		To:   uint32(p.To),
		Tag:  p.Tag,
		Key:  toWireRow(p.Key),
	}
	for _, rec := range p.Delta {
		w.Delta = append(w.Delta, wireRecord{Positive: bool(rec.Polarity), Row: toWireRow(rec.Row)})
	}
	return w
}

func fromWirePacket(w wirePacket) dataflow.Packet {
	p := dataflow.Packet{
		Kind: dataflow.PacketKind(w.Kind),
		From: dataflow.NodeIndex(w.From),
		To:   dataflow.NodeIndex(w.To),
		Tag:  w.Tag,
		Key:  fromWireRow(w.Key),
	}
	for _, rec := range w.Delta {
		p.Delta = append(p.Delta, record.Record{Polarity: record.Polarity(rec.Positive), Row: fromWireRow(rec.Row)})
	}
	return p
}

func writeFrame(w io.Writer, p dataflow.Packet) error {
	payload, err := json.Marshal(toWirePacket(p))
	if err != nil {
		return err
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readFrame(r io.Reader) (dataflow.Packet, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return dataflow.Packet{}, err
	}
	payload := make([]byte, binary.BigEndian.Uint32(length[:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return dataflow.Packet{}, err
	}
	var w wirePacket
	if err := json.Unmarshal(payload, &w); err != nil {
		return dataflow.Packet{}, err
	}
	return fromWirePacket(w), nil
}

// TCPLink sends packets to a domain hosted on a remote worker. It
// satisfies dataflow.Link; a send blocks when the kernel's socket
// buffer fills, which is how back-pressure propagates across workers.
type TCPLink struct {
	addr string

	mu   sync.Mutex
	conn net.Conn
	bw   *bufio.Writer
}

func NewTCPLink(addr string) *TCPLink {
	return &TCPLink{addr: addr}
}

func (l *TCPLink) Send(p dataflow.Packet) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		conn, err := net.Dial("tcp", l.addr)
		if err != nil {
			return fmt.Errorf("worker: link to %s: %w", l.addr, err)
		}
		l.conn = conn
		l.bw = bufio.NewWriter(conn)
	}
	if err := writeFrame(l.bw, p); err != nil {
		l.close()
		return fmt.Errorf("worker: link to %s: %w", l.addr, err)
	}
	if err := l.bw.Flush(); err != nil {
		l.close()
		return fmt.Errorf("worker: link to %s: %w", l.addr, err)
	}
	return nil
}

func (l *TCPLink) close() {
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
		l.bw = nil
	}
}

// Close tears the connection down; the next Send redials.
func (l *TCPLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.close()
}

// LinkServer accepts framed packets from remote workers and enqueues
// them into the hosted domain that owns the target node.
type LinkServer struct {
	worker *Worker

	// route maps a target node to its hosting domain index.
	mu    sync.RWMutex
	route map[dataflow.NodeIndex]uint64

	ln net.Listener
}

func NewLinkServer(w *Worker) *LinkServer {
	return &LinkServer{worker: w, route: make(map[dataflow.NodeIndex]uint64)}
}

// Route records that node idx is served by domain.
func (s *LinkServer) Route(idx dataflow.NodeIndex, domain uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.route[idx] = domain
}

// Listen starts accepting connections on addr. It returns after the
// listener is bound; accepted connections are served on their own
// goroutines until Close.
func (s *LinkServer) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("worker: link server: %w", err)
	}
	s.ln = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	return nil
}

// Addr returns the bound listen address.
func (s *LinkServer) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *LinkServer) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *LinkServer) serve(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	for {
		p, err := readFrame(br)
		if err != nil {
			if err != io.EOF {
				wlog.Warnf("link from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		s.mu.RLock()
		domainIdx, ok := s.route[p.To]
		s.mu.RUnlock()
		if !ok {
			wlog.Warnf("no route for node %d, dropping packet from %s", p.To, conn.RemoteAddr())
			continue
		}
		d, ok := s.worker.Domain(domainIdx)
		if !ok {
			wlog.Warnf("domain %d not hosted here, dropping packet", domainIdx)
			continue
		}
		if err := d.Enqueue(p); err != nil {
			wlog.Warnf("enqueue into domain %d: %v", domainIdx, err)
		}
	}
}

// ShardedLink fans packets out across the N instances of a sharded
// domain: input records are partitioned by the sharder's hash of the
// shard column, while everything else (upqueries, evictions, control)
// goes to every instance.
type ShardedLink struct {
	Sharder *dataflow.Sharder
	Shards  []dataflow.Link
}

func (l *ShardedLink) Send(p dataflow.Packet) error {
	if p.Kind != dataflow.PacketInput {
		for _, s := range l.Shards {
			if err := s.Send(p); err != nil {
				return err
			}
		}
		return nil
	}
	parts := make([]record.Delta, len(l.Shards))
	for _, r := range p.Delta {
		i := l.Sharder.ChooseShard(r.Row)
		parts[i] = append(parts[i], r)
	}
	for i, d := range parts {
		if len(d) == 0 {
			continue
		}
		sp := p
		sp.Delta = d
		if err := l.Shards[i].Send(sp); err != nil {
			return err
		}
	}
	return nil
}
