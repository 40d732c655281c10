// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/gops/agent"

	"github.com/flowbase/flowbase/config"
	"github.com/flowbase/flowbase/internal/auth"
	"github.com/flowbase/flowbase/internal/basetable"
	"github.com/flowbase/flowbase/log"
	"github.com/flowbase/flowbase/pkg/nats"
	"github.com/flowbase/flowbase/pkg/runtimeEnv"
)

const version = "0.1.0"

func main() {
	cliInit()

	if flagVersion {
		fmt.Printf("flowbase %s\n", version)
		os.Exit(0)
	}

	// See https://github.com/google/gops (Runtime overhead is almost zero)
	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	if flagLogLevel != "" {
		os.Setenv("LOGLEVEL", flagLogLevel)
	}

	if flagInit {
		initEnv()
		return
	}

	config.Init(flagConfigFile)

	if config.Keys.Nats != nil {
		if err := nats.Init(config.Keys.Nats); err != nil {
			log.Fatalf("NATS config: %v", err)
		}
	}

	conn, err := basetable.Connect(config.Keys.Worker.DBPath)
	if err != nil {
		log.Fatalf("opening base table store: %v", err)
	}

	if flagMigrateDB {
		// Connect already migrated; nothing further to do.
		return
	}

	authn, err := auth.Init(conn.DB, auth.JWTConfig{
		PublicKey:  config.Keys.JwtPublicKey,
		PrivateKey: config.Keys.JwtPrivateKey,
	})
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	if flagNewUser != "" {
		parts := strings.SplitN(flagNewUser, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			log.Fatal("add-user argument format is <username>:<password>")
		}
		if err := authn.AddUser(parts[0], parts[1]); err != nil {
			log.Fatalf("add-user: %v", err)
		}
	}
	if flagDelUser != "" {
		if err := authn.DelUser(flagDelUser); err != nil {
			log.Fatalf("del-user: %v", err)
		}
	}

	if !flagServer {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv, err := startServer(ctx, conn, authn)
	if err != nil {
		log.Fatalf("starting server: %v", err)
	}

	if err := runtimeEnv.DropPrivileges(config.Keys.User, config.Keys.Group); err != nil {
		log.Fatalf("error while preparing server start: %s", err.Error())
	}
	runtimeEnv.SystemdNotifiy(true, "running")

	var wg sync.WaitGroup
	wg.Add(1)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer wg.Done()
		<-sigs
		runtimeEnv.SystemdNotifiy(false, "shutting down")
		cancel()

		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		srv.Shutdown(shutdownCtx)
	}()

	srv.Wait()
	wg.Wait()
	log.Print("flowbase exiting")
}
