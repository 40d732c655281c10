// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package controller

import (
	"encoding/json"
	"strings"
)

// Bus is the pub/sub fabric coordination messages travel on. The NATS
// client in pkg/nats satisfies it; tests use an in-process loopback.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(subject string, data []byte)) error
}

// CoordinationSubject is where workers address the controller.
const CoordinationSubject = "flowbase.coordination"

// WorkerSubject is the per-worker subject the controller addresses a
// registered worker on. Dots in the listen address would introduce
// extra subject tokens, so they are folded away.
func WorkerSubject(addr string) string {
	return "flowbase.worker." + strings.NewReplacer(".", "-", ":", "-").Replace(addr)
}

// BusSender delivers coordination messages to one worker's subject.
type BusSender struct {
	bus     Bus
	subject string
}

func NewBusSender(bus Bus, workerAddr string) *BusSender {
	return &BusSender{bus: bus, subject: WorkerSubject(workerAddr)}
}

func (s *BusSender) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.bus.Publish(s.subject, data)
}

// Serve subscribes the controller to the coordination subject and
// dispatches incoming worker messages. Messages arriving while this
// process is not the leader are ignored. Every controller subscribes
// to the same subject, so the leader's own subscription handles them;
// a message published while no leader is elected is dropped.
func (c *Controller) Serve(bus Bus) error {
	return bus.Subscribe(CoordinationSubject, func(_ string, data []byte) {
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			clog.Errorf("undecodable coordination message: %v", err)
			return
		}
		if !c.IsLeader() {
			clog.Debugf("ignoring %v from %s: not leader", msg.Kind, msg.Source)
			return
		}
		switch msg.Kind {
		case MsgRegister:
			sender := NewBusSender(bus, msg.RemoteListenAddr)
			c.HandleRegister(msg, sender, msg.Region, msg.VolumeID)
		case MsgHeartbeat:
			c.HandleHeartbeat(msg)
		case MsgDomainBooted:
			c.HandleDomainBooted(msg)
		default:
			clog.Warnf("unexpected coordination message kind %v from %s", msg.Kind, msg.Source)
		}
	})
}
