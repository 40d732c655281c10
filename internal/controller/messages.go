// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package controller

// MessageKind tags a coordination message exchanged between a worker
// and the controller.
type MessageKind uint8

const (
	MsgRegister MessageKind = iota
	MsgHeartbeat
	MsgDomainBooted
	MsgAssignment
)

// Message is one coordination message. Every message "carries a source
// socket address"; the controller rewrites Source to its own
// external address when forwarding (DomainBooted broadcast).
type Message struct {
	Kind   MessageKind `json:"kind"`
	Source string      `json:"source"`

	// MsgRegister. Region and VolumeID are the worker's optional
	// placement tags.
	RemoteListenAddr string `json:"remote_listen_addr,omitempty"`
	Region           string `json:"region,omitempty"`
	VolumeID         string `json:"volume_id,omitempty"`

	// MsgDomainBooted
	DomainIndex uint64 `json:"domain_index,omitempty"`
	DomainAddr  string `json:"domain_addr,omitempty"`

	// MsgAssignment — content is operator-specific; carried as an
	// opaque payload the worker decodes per assignment type.
	AssignmentPayload []byte `json:"assignment_payload,omitempty"`
}
