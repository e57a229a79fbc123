package runtime

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hindsightlabs/hindsight/internal/checkpoint"
	"github.com/hindsightlabs/hindsight/pkg/schema"
)

func TestMaxExistingIDPicksLargestFile(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0.log", "3.log", "1.log"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	id, ok := maxExistingID(dir)
	if !ok || id != 3 {
		t.Fatalf("expected (3, true), got (%d, %v)", id, ok)
	}
}

func TestMaxExistingIDEmptyDir(t *testing.T) {
	dir := t.TempDir()
	if _, ok := maxExistingID(dir); ok {
		t.Fatalf("expected no existing id in an empty directory")
	}
}

func TestWriterStartIDPrefersPersistedCheckpoint(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "2.log"), nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	store, err := checkpoint.Open(filepath.Join(t.TempDir(), "hindsight.cp"))
	if err != nil {
		t.Fatalf("checkpoint.Open: %v", err)
	}
	store.Set(checkpoint.WriterKey("input"), checkpoint.PositionValue(9, 0))

	if got := writerStartID(store, dir, "input"); got != 9 {
		t.Fatalf("expected the persisted writer id 9 to win over the on-disk max, got %d", got)
	}
}

func TestWriterStartIDFallsBackToOnDiskMax(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "5.log"), nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	store, err := checkpoint.Open(filepath.Join(t.TempDir(), "hindsight.cp"))
	if err != nil {
		t.Fatalf("checkpoint.Open: %v", err)
	}

	if got := writerStartID(store, dir, "input"); got != 5 {
		t.Fatalf("expected fallback to the on-disk max id 5, got %d", got)
	}
}

func TestWriterStartIDDefaultsToZero(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.Open(filepath.Join(t.TempDir(), "hindsight.cp"))
	if err != nil {
		t.Fatalf("checkpoint.Open: %v", err)
	}
	if got := writerStartID(store, dir, "input"); got != 0 {
		t.Fatalf("expected 0 for a brand new queue, got %d", got)
	}
}

func TestPartitionByTypeSplitsByPluginType(t *testing.T) {
	plugins := []schema.PluginConfig{
		{Name: "in-a", Type: schema.PluginInput},
		{Name: "an-a", Type: schema.PluginAnalysis},
		{Name: "out-a", Type: schema.PluginOutput},
		{Name: "in-b", Type: schema.PluginInput},
	}
	inputs, analyses, outputs := partitionByType(plugins)
	if len(inputs) != 2 || len(analyses) != 1 || len(outputs) != 1 {
		t.Fatalf("unexpected partition sizes: inputs=%d analyses=%d outputs=%d", len(inputs), len(analyses), len(outputs))
	}
}
