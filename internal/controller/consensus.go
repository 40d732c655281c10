// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package controller implements the singleton dataflow planner:
// leader election through an external consensus
// store, worker registration and heartbeat-based liveness, and
// region/volume-aware placement.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"

	"github.com/google/uuid"
)

// ControllerDescriptor is the value the elected controller serializes
// into the consensus store's leader slot. Clients read it to
// discover the current leader.
type ControllerDescriptor struct {
	ExternalAddr string    `json:"external_addr"`
	WorkerAddr   string    `json:"worker_addr"`
	DomainAddr   string    `json:"domain_addr"`
	Nonce        uuid.UUID `json:"nonce"`
}

// ErrNotLeader is returned by ConsensusStore.Become when another
// descriptor already holds the leader slot. The slot has no lease or
// expiry: it stays held until its holder calls Resign.
var ErrNotLeader = errors.New("controller: not leader")

// ConsensusStore is the external leader-election primitive, kept as an
// interface so deployments can plug in their own store (no specific
// product is mandated — see DESIGN.md). Become performs a
// compare-and-swap of the leader slot: it succeeds only if the slot is
// empty or already held by this same descriptor's nonce.
type ConsensusStore interface {
	// Become attempts to write desc into the leader slot, succeeding
	// only if no other descriptor holds it.
	Become(ctx context.Context, desc ControllerDescriptor) error
	// Current returns the descriptor currently holding the leader slot,
	// or false if the slot is empty.
	Current(ctx context.Context) (ControllerDescriptor, bool, error)
	// Resign releases the slot if held by desc's nonce.
	Resign(ctx context.Context, desc ControllerDescriptor) error
}

// MemoryConsensusStore is an in-process ConsensusStore for single-binary
// tests and development, where no external store is configured.
type MemoryConsensusStore struct {
	mu      sync.Mutex
	current *ControllerDescriptor
}

func NewMemoryConsensusStore() *MemoryConsensusStore {
	return &MemoryConsensusStore{}
}

func (s *MemoryConsensusStore) Become(_ context.Context, desc ControllerDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.Nonce != desc.Nonce {
		return ErrNotLeader
	}
	s.current = &desc
	return nil
}

func (s *MemoryConsensusStore) Current(_ context.Context) (ControllerDescriptor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ControllerDescriptor{}, false, nil
	}
	return *s.current, true, nil
}

func (s *MemoryConsensusStore) Resign(_ context.Context, desc ControllerDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.Nonce == desc.Nonce {
		s.current = nil
	}
	return nil
}

// FileConsensusStore persists the leader slot as JSON on a shared
// filesystem, for deployments without a dedicated consensus service —
// the same "single authoritative file, read-modify-write" shape as a
// lock file. It is not linearizable across machines sharing the file
// over NFS-like mounts with weak consistency; it is a development/
// single-host fallback, not a substitute for a real consensus service.
type FileConsensusStore struct {
	mu   sync.Mutex
	path string
}

func NewFileConsensusStore(path string) *FileConsensusStore {
	return &FileConsensusStore{path: path}
}

func (s *FileConsensusStore) Become(_ context.Context, desc ControllerDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok, err := s.read()
	if err != nil {
		return err
	}
	if ok && existing.Nonce != desc.Nonce {
		return ErrNotLeader
	}
	return s.write(desc)
}

func (s *FileConsensusStore) Current(_ context.Context) (ControllerDescriptor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *FileConsensusStore) Resign(_ context.Context, desc ControllerDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok, err := s.read()
	if err != nil {
		return err
	}
	if ok && existing.Nonce == desc.Nonce {
		return os.Remove(s.path)
	}
	return nil
}

func (s *FileConsensusStore) read() (ControllerDescriptor, bool, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return ControllerDescriptor{}, false, nil
	}
	if err != nil {
		return ControllerDescriptor{}, false, err
	}
	var desc ControllerDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return ControllerDescriptor{}, false, err
	}
	return desc, true, nil
}

func (s *FileConsensusStore) write(desc ControllerDescriptor) error {
	raw, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, raw, 0o600)
}
