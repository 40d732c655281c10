// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func str(s string) Literal { return Literal{Kind: LitString, Str: s} }
func integer(i int64) Literal { return Literal{Kind: LitInt, Int: i} }

func TestIsAllowedSet(t *testing.T) {
	cases := []struct {
		name     string
		stmt     SetStatement
		allowed  bool
	}{
		{"utc time_zone", SetStatement{Variable: "time_zone", Value: str("+00:00")}, true},
		{"session time_zone", SetStatement{Variable: "@@SESSION.time_zone", Value: str("+00:00")}, true},
		{"offset time_zone", SetStatement{Variable: "time_zone", Value: str("+02:00")}, false},
		{"autocommit on", SetStatement{Variable: "autocommit", Value: integer(1)}, true},
		{"autocommit off", SetStatement{Variable: "autocommit", Value: integer(0)}, false},
		{"known sql modes", SetStatement{Variable: "sql_mode", Value: str("STRICT_TRANS_TABLES, NO_ZERO_DATE")}, true},
		{"unknown sql mode", SetStatement{Variable: "sql_mode", Value: str("STRICT_TRANS_TABLES,ANSI_QUOTES")}, false},
		{"global sql_mode", SetStatement{Variable: "@@global.sql_mode", Value: str("only_full_group_by")}, true},
		{"names utf8mb4", SetStatement{Variable: "names", Value: str("utf8mb4")}, true},
		{"names big5", SetStatement{Variable: "names", Value: str("big5")}, false},
		{"foreign_key_checks anything", SetStatement{Variable: "foreign_key_checks", Value: integer(0)}, true},
		{"unknown variable", SetStatement{Variable: "max_allowed_packet", Value: integer(1)}, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.allowed, isAllowedSet(&c.stmt))
		})
	}
}
