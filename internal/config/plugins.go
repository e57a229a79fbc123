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
	"sort"
	"strings"

	"github.com/hindsightlabs/hindsight/pkg/schema"
)

// LoadPlugins walks loadPath once, parsing every "*.cfg.json" file it
// finds into a schema.PluginConfig. This is a one-shot directory scan,
// performed at startup only — it does not watch loadPath for changes at
// runtime, which remains out of scope.
func LoadPlugins(loadPath string) ([]schema.PluginConfig, error) {
	var files []string
	if err := walkConfigFiles(loadPath, &files); err != nil {
		return nil, fmt.Errorf("config: scanning load_path %s: %w", loadPath, err)
	}
	sort.Strings(files)

	plugins := make([]schema.PluginConfig, 0, len(files))
	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}

		if err := schema.Validate(schema.PluginKind, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("config: validating %s: %w", path, err)
		}

		pc := schema.PluginConfig{Thread: -1}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&pc); err != nil {
			return nil, fmt.Errorf("config: decoding %s: %w", path, err)
		}

		switch pc.Type {
		case schema.PluginInput:
			pc.ApplyDefaults(Keys.InputDefaults)
		case schema.PluginAnalysis:
			pc.ApplyDefaults(Keys.AnalysisDefaults)
		case schema.PluginOutput:
			pc.ApplyDefaults(Keys.OutputDefaults)
			if pc.ReadQueue == "" {
				pc.ReadQueue = schema.ReadQueueInput
			}
			if pc.AsyncBufferSize == 0 {
				pc.AsyncBufferSize = 64
			}
		default:
			return nil, fmt.Errorf("config: %s: unknown plugin type %q", path, pc.Type)
		}

		plugins = append(plugins, pc)
	}

	return plugins, nil
}

func walkConfigFiles(root string, out *[]string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		full := filepath.Join(root, e.Name())
		if e.IsDir() {
			if err := walkConfigFiles(full, out); err != nil {
				return err
			}
			continue
		}
		if strings.HasSuffix(e.Name(), ".cfg.json") {
			*out = append(*out, full)
		}
	}
	return nil
}
