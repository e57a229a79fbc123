package stats

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hindsightlabs/hindsight/internal/checkpoint"
	"github.com/hindsightlabs/hindsight/internal/queue"
	"github.com/hindsightlabs/hindsight/internal/registry"
	"github.com/hindsightlabs/hindsight/pkg/schema"
)

func testWriter(t *testing.T) (*Writer, *checkpoint.Store, *queue.Writer, string) {
	t.Helper()
	dir := t.TempDir()
	inputDir := filepath.Join(dir, "input")
	qw, err := queue.NewWriter(inputDir, 0, 1<<20)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	t.Cleanup(func() { qw.Close() })
	if err := qw.Append([]byte("payload-one")); err != nil {
		t.Fatalf("append: %v", err)
	}

	store, err := checkpoint.Open(filepath.Join(dir, "hindsight.cp"))
	if err != nil {
		t.Fatalf("checkpoint.Open: %v", err)
	}

	deps := Deps{
		Store:            store,
		Queues:           map[string]*queue.Writer{"input": qw},
		InputRegistry:    registry.New(),
		AnalysisRegistry: registry.New(),
		OutputRegistry:   registry.New(),
		StatsDir:         filepath.Join(dir, "stats"),
		Interval:         time.Millisecond,
		Registerer:       prometheus.NewRegistry(),
	}

	w, err := New(deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w, store, qw, dir
}

func TestTickPublishesWatermarkAndFlushesCheckpoint(t *testing.T) {
	w, store, qw, dir := testWriter(t)

	cfg := schema.PluginConfig{Name: "out-a", Type: schema.PluginOutput, ReadQueue: schema.ReadQueueInput}
	plugin := registry.New(cfg, nil)
	if err := w.deps.OutputRegistry.Add(plugin); err != nil {
		t.Fatalf("Add: %v", err)
	}
	store.UpdateReader("input", "out-a", 0, 5)

	w.tick()

	if got := qw.Gap(); got != 0 {
		t.Fatalf("expected a gap of 0 (single queue file, reader caught up), got %d", got)
	}

	if _, err := os.Stat(filepath.Join(dir, "hindsight.cp")); err != nil {
		t.Fatalf("expected the checkpoint file to be flushed: %v", err)
	}
}

func TestTickWritesStatsFilesEverySixthIteration(t *testing.T) {
	w, _, _, _ := testWriter(t)

	cfg := schema.PluginConfig{Name: "in-a", Type: schema.PluginInput}
	plugin := registry.New(cfg, nil)
	if err := w.deps.InputRegistry.Add(plugin); err != nil {
		t.Fatalf("Add: %v", err)
	}
	plugin.RecordProcess(time.Millisecond, false)

	statsPath := filepath.Join(w.deps.StatsDir, "plugins.tsv")

	for i := 0; i < 5; i++ {
		w.tick()
		if _, err := os.Stat(statsPath); err == nil {
			t.Fatalf("did not expect stats files before the sixth tick (tick %d)", i+1)
		}
	}
	w.tick()
	if _, err := os.Stat(statsPath); err != nil {
		t.Fatalf("expected plugins.tsv after the sixth tick: %v", err)
	}
	if _, err := os.Stat(filepath.Join(w.deps.StatsDir, "utilization.tsv")); err != nil {
		t.Fatalf("expected utilization.tsv after the sixth tick: %v", err)
	}
}

func TestWriteStatsFilesSchemaAndValues(t *testing.T) {
	w, _, _, dir := testWriter(t)

	cfg := schema.PluginConfig{Name: "in-a", Type: schema.PluginInput, InstructionLimit: 42}
	plugin := registry.New(cfg, nil)
	if err := w.deps.InputRegistry.Add(plugin); err != nil {
		t.Fatalf("Add: %v", err)
	}
	plugin.RecordProcess(10*time.Millisecond, false)
	plugin.RecordProcess(20*time.Millisecond, true)
	plugin.RecordMatcherEval(time.Millisecond)
	plugin.RecordTimer(2 * time.Millisecond)
	plugin.RecordMemory(1024)
	plugin.RecordMemory(2048)
	plugin.RecordOutput(512)

	for i := 0; i < tsvFlushEvery; i++ {
		w.tick()
	}

	pluginsRaw, err := os.ReadFile(filepath.Join(dir, "stats", "plugins.tsv"))
	if err != nil {
		t.Fatalf("reading plugins.tsv: %v", err)
	}
	pluginsLines := strings.Split(strings.TrimRight(string(pluginsRaw), "\n"), "\n")
	wantHeader := "name\ttype\tstate\tinject_count\tinject_bytes\tprocess_count\tprocess_failed\t" +
		"current_memory\tmax_memory\tmax_output_bytes\tmax_instructions\t" +
		"matcher_mean_ns\tmatcher_stddev_ns\tprocess_mean_ns\tprocess_stddev_ns\ttimer_mean_ns\ttimer_stddev_ns"
	if pluginsLines[0] != wantHeader {
		t.Fatalf("plugins.tsv header = %q, want %q", pluginsLines[0], wantHeader)
	}
	if len(pluginsLines) != 2 {
		t.Fatalf("expected one data row in plugins.tsv, got %d lines", len(pluginsLines)-1)
	}
	cols := strings.Split(pluginsLines[1], "\t")
	if cols[0] != "in-a" || cols[5] != "2" || cols[6] != "1" {
		t.Fatalf("unexpected plugins.tsv row: %q", pluginsLines[1])
	}
	if cols[7] != "2048" || cols[8] != "2048" {
		t.Fatalf("expected current_memory and max_memory of 2048, got row %q", pluginsLines[1])
	}
	if cols[9] != "512" {
		t.Fatalf("expected max_output_bytes of 512, got row %q", pluginsLines[1])
	}
	if cols[10] != "42" {
		t.Fatalf("expected max_instructions of 42 (the configured limit), got row %q", pluginsLines[1])
	}

	utilRaw, err := os.ReadFile(filepath.Join(dir, "stats", "utilization.tsv"))
	if err != nil {
		t.Fatalf("reading utilization.tsv: %v", err)
	}
	utilLines := strings.Split(strings.TrimRight(string(utilRaw), "\n"), "\n")
	wantUtilHeader := "name\tmessages_processed\tpct_utilization\tpct_time_matcher\tpct_time_process\tpct_time_timer"
	if utilLines[0] != wantUtilHeader {
		t.Fatalf("utilization.tsv header = %q, want %q", utilLines[0], wantUtilHeader)
	}
	utilCols := strings.Split(utilLines[1], "\t")
	if utilCols[0] != "in-a" || utilCols[1] != "2" {
		t.Fatalf("unexpected utilization.tsv row: %q", utilLines[1])
	}
	if pctUtil, err := strconv.ParseFloat(utilCols[2], 64); err != nil || pctUtil <= 0 {
		t.Fatalf("expected a positive pct_utilization, got %q", utilCols[2])
	}
}

func TestNewRegistersPrometheusCollectorsOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	deps := Deps{
		Store:            mustOpenStore(t),
		Queues:           map[string]*queue.Writer{},
		InputRegistry:    registry.New(),
		AnalysisRegistry: registry.New(),
		OutputRegistry:   registry.New(),
		Registerer:       reg,
	}
	if _, err := New(deps); err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := New(deps); err != nil {
		t.Fatalf("expected a second New against the same registry not to error, got: %v", err)
	}
}

func mustOpenStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	store, err := checkpoint.Open(filepath.Join(t.TempDir(), "hindsight.cp"))
	if err != nil {
		t.Fatalf("checkpoint.Open: %v", err)
	}
	return store
}
