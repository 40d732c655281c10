// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package adapter

import "strings"

// sqlModes we accept in a SET sql_mode list. Everything else makes the
// whole statement disallowed.
var allowedSQLModes = map[string]struct{}{
	"only_full_group_by":       {},
	"strict_trans_tables":      {},
	"no_zero_in_date":          {},
	"no_zero_date":             {},
	"error_for_division_by_zero": {},
	"no_auto_create_user":      {},
	"no_engine_substitution":   {},
}

// isAllowedSet checks a session SET against the allow-list. Variable
// names compare case-insensitively; session/global scope prefixes on
// time_zone and sql_mode are accepted.
func isAllowedSet(set *SetStatement) bool {
	switch strings.ToLower(set.Variable) {
	case "time_zone", "@@global.time_zone", "@@local.time_zone", "@@session.time_zone":
		return set.Value.Kind == LitString && set.Value.Str == "+00:00"
	case "autocommit":
		return set.Value.Kind == LitInt && set.Value.Int == 1
	case "sql_mode", "@@session.sql_mode", "@@global.sql_mode":
		if set.Value.Kind != LitString {
			return false
		}
		for _, mode := range strings.Split(set.Value.Str, ",") {
			mode = strings.ToLower(strings.TrimSpace(mode))
			if _, ok := allowedSQLModes[mode]; !ok {
				alog.Warnf("unknown sql mode %q in SET", mode)
				return false
			}
		}
		return true
	case "names":
		if set.Value.Kind != LitString {
			return false
		}
		switch set.Value.Str {
		case "latin1", "utf8", "utf8mb4":
			return true
		}
		return false
	case "foreign_key_checks":
		return true
	}
	return false
}
