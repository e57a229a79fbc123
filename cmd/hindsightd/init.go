// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"encoding/json"
	"os"

	"github.com/hindsightlabs/hindsight/pkg/log"
	"github.com/hindsightlabs/hindsight/pkg/schema"
)

// initEnv scaffolds a fresh deployment: output_path/run_path/load_path
// directories and a default config.json, refusing to run when the config
// file already exists so a stray -init never overwrites it. Directories
// that already exist are left as they are.
func initEnv(path string) {
	if _, err := os.Stat(path); err == nil {
		log.Fatalf("%s already exists, refusing to overwrite it", path)
	}

	cfg := schema.DefaultConfig()
	cfg.OutputPath = "./var/output"
	cfg.LoadPath = "./var/plugins"
	cfg.RunPath = "./var/run"

	for _, dir := range []string{cfg.OutputPath, cfg.LoadPath, cfg.RunPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("creating %s: %v", dir, err)
		}
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		log.Fatalf("marshaling default config: %v", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		log.Fatalf("writing %s: %v", path, err)
	}

	log.Infof("wrote %s, created %s, %s, %s", path, cfg.OutputPath, cfg.LoadPath, cfg.RunPath)
}
