// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hindsightlabs/hindsight/pkg/schema"
)

func TestLoadPluginsScansDirectoryTree(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	writePlugin(t, filepath.Join(dir, "counter.cfg.json"), `{
		"name": "counter", "type": "input", "filename": "counter.lua"
	}`)
	writePlugin(t, filepath.Join(sub, "forward.cfg.json"), `{
		"name": "forward", "type": "output", "filename": "forward.lua", "read_queue": "both"
	}`)
	// Non-matching files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("n/a"), 0o644); err != nil {
		t.Fatal(err)
	}

	plugins, err := LoadPlugins(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plugins) != 2 {
		t.Fatalf("expected 2 plugins, got %d", len(plugins))
	}
	if plugins[1].ReadQueue != schema.ReadQueueBoth {
		t.Errorf("expected explicit read_queue to be preserved, got %q", plugins[1].ReadQueue)
	}
}

func TestLoadPluginsRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, filepath.Join(dir, "bad.cfg.json"), `{"name": "bad"}`)

	if _, err := LoadPlugins(dir); err == nil {
		t.Errorf("expected an error for a plugin config missing required fields")
	}
}

func writePlugin(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
