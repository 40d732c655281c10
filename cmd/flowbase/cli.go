// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import "flag"

var (
	flagInit, flagServer, flagGops, flagMigrateDB, flagVersion bool
	flagNewUser, flagDelUser, flagConfigFile, flagLogLevel     string
)

func cliInit() {
	flag.BoolVar(&flagInit, "init", false, "Setup var directory, initialize sqlite database file and config.json")
	flag.BoolVar(&flagServer, "server", false, "Start a server, continues listening on port after initialization and argument handling")
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.BoolVar(&flagMigrateDB, "migrate-db", false, "Migrate database to supported version and exit")
	flag.BoolVar(&flagVersion, "version", false, "Show version information and exit")
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Specify alternative path to `config.json`")
	flag.StringVar(&flagNewUser, "add-user", "", "Add a new user. Argument format: <username>:<password>")
	flag.StringVar(&flagDelUser, "del-user", "", "Remove an existing user. Argument format: <username>")
	flag.StringVar(&flagLogLevel, "loglevel", "warn", "Sets the logging level: `[debug, info, warn, err]`")
	flag.Parse()
}
