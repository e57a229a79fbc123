// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hindsightlabs/hindsight/pkg/log"
	"github.com/hindsightlabs/hindsight/pkg/schema"
	"github.com/joho/godotenv"
)

// Keys holds the process-wide validated configuration, populated by Init.
// Every downstream package reads from here rather than parsing JSON of
// its own; the config file format itself is treated as an opaque input.
var Keys = schema.DefaultConfig()

// Init reads, validates and decodes the configuration file at path. A
// sibling ".env" file, if present, is first loaded into the process
// environment; after validation and decoding, the HINDSIGHT_OUTPUT_PATH,
// HINDSIGHT_LOAD_PATH, HINDSIGHT_RUN_PATH and HINDSIGHT_ADMIN_LISTEN
// variables, when set, override the decoded values.
func Init(path string) error {
	if envPath := filepath.Join(filepath.Dir(path), ".env"); fileExists(envPath) {
		if err := godotenv.Overload(envPath); err != nil {
			return fmt.Errorf("config: loading %s: %w", envPath, err)
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := schema.Validate(schema.ConfigKind, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("config: validating %s: %w", path, err)
	}

	cfg := schema.DefaultConfig()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return fmt.Errorf("config: decoding %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if cfg.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.Hostname = h
		}
	}

	Keys = cfg
	log.SetLogLevel(cfg.LogLevel)
	log.SetLogDateTime(cfg.LogDateTime)
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// applyEnvOverrides lets an operator override a handful of deployment-time
// paths without editing the checked-in config file, the same overlay
// style godotenv is built for.
func applyEnvOverrides(cfg *schema.Config) {
	if v := os.Getenv("HINDSIGHT_OUTPUT_PATH"); v != "" {
		cfg.OutputPath = v
	}
	if v := os.Getenv("HINDSIGHT_LOAD_PATH"); v != "" {
		cfg.LoadPath = v
	}
	if v := os.Getenv("HINDSIGHT_RUN_PATH"); v != "" {
		cfg.RunPath = v
	}
	if v := os.Getenv("HINDSIGHT_ADMIN_LISTEN"); v != "" {
		cfg.AdminListen = v
	}
}
