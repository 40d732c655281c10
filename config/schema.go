// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

// ConfigSchema is the JSON Schema the configuration file is validated
// against before decoding.
const ConfigSchema = `{
    "type": "object",
    "properties": {
        "roles": {
            "description": "Which roles this process runs.",
            "type": "array",
            "items": {
                "type": "string",
                "enum": ["controller", "worker", "adapter"]
            },
            "minItems": 1
        },
        "addr": {
            "description": "Address the HTTP server listens on.",
            "type": "string"
        },
        "user": {
            "description": "Drop root privileges to this user after binding.",
            "type": "string"
        },
        "group": {
            "description": "Drop root privileges to this group after binding.",
            "type": "string"
        },
        "jwt-public-key": {
            "description": "Base64-encoded Ed25519 public key for session token verification.",
            "type": "string"
        },
        "jwt-private-key": {
            "description": "Base64-encoded Ed25519 private key for session token signing.",
            "type": "string"
        },
        "controller": {
            "type": "object",
            "properties": {
                "external-addr": { "type": "string" },
                "primary-region": {
                    "description": "When set, only workers in this region may be elected controller.",
                    "type": "string"
                },
                "heartbeat-every-ms": { "type": "integer", "minimum": 100 },
                "consensus-path": { "type": "string" }
            }
        },
        "worker": {
            "type": "object",
            "properties": {
                "listen-addr": { "type": "string" },
                "region": { "type": "string" },
                "volume-id": { "type": "string" },
                "db-path": { "type": "string" },
                "log-dir": { "type": "string" },
                "durability": {
                    "type": "string",
                    "enum": ["none", "buffered", "sync"]
                },
                "flush-records": { "type": "integer", "minimum": 1 },
                "flush-every-ms": { "type": "integer", "minimum": 1 }
            }
        },
        "adapter": {
            "type": "object",
            "properties": {
                "listen-addr": { "type": "string" },
                "upstream-dsn": { "type": "string" },
                "race-reads": { "type": "boolean" },
                "mirror-ddl": { "type": "boolean" },
                "proxy-unsupported-sets": { "type": "boolean" },
                "read-your-writes": { "type": "boolean" },
                "slow-query-log": { "type": "boolean" },
                "query-window-ms": { "type": "integer", "minimum": 0 },
                "recovery-window-ms": { "type": "integer", "minimum": 0 },
                "migration-style": {
                    "type": "string",
                    "enum": ["in-request-path", "async", "explicit"]
                }
            }
        },
        "nats": {
            "type": "object"
        },
        "archive": {
            "type": "object"
        }
    }
}`
