// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/hindsightlabs/hindsight/internal/config"
	"github.com/hindsightlabs/hindsight/internal/runtime"
	"github.com/hindsightlabs/hindsight/pkg/log"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cliInit()

	if flagVersion {
		fmt.Printf("hindsightd %s, commit %s, built %s\n", version, commit, date)
		return
	}

	path := configPath()

	if flagInit {
		initEnv(path)
		return
	}

	if err := config.Init(path); err != nil {
		log.Fatalf("loading %s: %v", path, err)
	}

	plugins, err := config.LoadPlugins(config.Keys.LoadPath)
	if err != nil {
		log.Fatalf("scanning load_path: %v", err)
	}
	log.Infof("loaded %d plugin configs from %s", len(plugins), config.Keys.LoadPath)

	d, err := runtime.New(config.Keys, plugins)
	if err != nil {
		log.Fatalf("starting up: %v", err)
	}

	if os.Getenv("GOGC") == "" {
		debug.SetGCPercent(100)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		log.Errorf("fatal runtime error: %v", err)
		os.Exit(1)
	}

	log.Info("clean shutdown complete")
}
