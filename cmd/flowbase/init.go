// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/flowbase/flowbase/log"
)

const configTemplate = `{
    "roles": ["controller", "worker", "adapter"],
    "addr": "127.0.0.1:8080",
    "jwt-public-key": "%s",
    "jwt-private-key": "%s",
    "worker": {
        "listen-addr": "127.0.0.1:7000",
        "db-path": "./var/flowbase.db",
        "log-dir": "./var/log",
        "durability": "buffered",
        "flush-records": 128,
        "flush-every-ms": 500
    },
    "adapter": {
        "listen-addr": "127.0.0.1:3306",
        "migration-style": "in-request-path",
        "slow-query-log": true
    }
}
`

// initEnv scaffolds a fresh working directory: var/, var/log/, a
// config.json with a freshly generated token key pair.
func initEnv() {
	if _, err := os.Stat("config.json"); err == nil {
		log.Fatal("config.json already exists in this directory, refusing to overwrite")
	}

	if err := os.MkdirAll("var/log", 0o777); err != nil {
		log.Fatalf("creating var directory: %v", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		log.Fatalf("generating key pair: %v", err)
	}

	cfg := fmt.Sprintf(configTemplate,
		base64.StdEncoding.EncodeToString(pub),
		base64.StdEncoding.EncodeToString(priv))
	if err := os.WriteFile("config.json", []byte(cfg), 0o666); err != nil {
		log.Fatalf("writing config.json: %v", err)
	}

	log.Print("initialized config.json and var/ directory")
}
