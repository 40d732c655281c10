// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTicketJoinIsIdempotentAndCommutative(t *testing.T) {
	w := NewTicket()
	w.Observe(1, 10)
	w.Observe(2, 5)

	a := NewTicket()
	a.Join(w)
	a.Join(w)
	assert.EqualValues(t, 10, a.Required(1))
	assert.EqualValues(t, 5, a.Required(2))

	// Join in the opposite order reaches the same point.
	x := NewTicket()
	x.Observe(1, 3)
	b := NewTicket()
	b.Join(x)
	b.Join(w)
	c := NewTicket()
	c.Join(w)
	c.Join(x)
	assert.True(t, b.Dominates(c))
	assert.True(t, c.Dominates(b))
}

func TestTicketDominates(t *testing.T) {
	w := NewTicket()
	w.Observe(1, 10)

	r := NewTicket()
	assert.False(t, r.Dominates(w))
	r.Observe(1, 9)
	assert.False(t, r.Dominates(w))
	r.Observe(1, 10)
	assert.True(t, r.Dominates(w))
	assert.True(t, r.Dominates(NewTicket()))
}
