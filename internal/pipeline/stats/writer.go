// Package stats implements the checkpoint/stats writer (§4.J): a single
// scheduled task that, once per second, publishes each queue's minimum
// reader id back to its writer (closing the backpressure loop §5 keys
// off), always persists the full checkpoint file, and every sixth tick
// writes the plugins/utilization TSV snapshots. The admin surface (§4.K)
// and Prometheus gauges (§4.J') are fed from registry snapshots, not from
// these files.
package stats

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/joeycumines/go-microbatch"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hindsightlabs/hindsight/internal/checkpoint"
	"github.com/hindsightlabs/hindsight/internal/queue"
	"github.com/hindsightlabs/hindsight/internal/registry"
	"github.com/hindsightlabs/hindsight/pkg/log"
	"github.com/hindsightlabs/hindsight/pkg/schema"
)

// tsvFlushEvery is the "every sixth iteration" cadence the stats files
// are written at, per §4.J.
const tsvFlushEvery = 6

// Deps bundles the collaborators the stats writer needs.
type Deps struct {
	Store *checkpoint.Store

	// Queues maps a queue name ("input", "analysis") to its writer, so
	// the computed minimum reader id can be published back to it.
	Queues map[string]*queue.Writer

	// InputRegistry, AnalysisRegistry and OutputRegistry are the three
	// per-type registries; a plugin's reader identity and read_queue
	// membership come from its Config.
	InputRegistry    *registry.Registry
	AnalysisRegistry *registry.Registry
	OutputRegistry   *registry.Registry

	// AnalysisReaderName is the consumer identity the analysis pool's
	// single reader uses against the input queue (not itself a
	// registered plugin, so it isn't covered by AnalysisRegistry).
	AnalysisReaderName string

	StatsDir string
	Interval time.Duration

	Registerer prometheus.Registerer
}

func (d *Deps) setDefaults() {
	if d.Interval <= 0 {
		d.Interval = time.Second
	}
	if d.AnalysisReaderName == "" {
		d.AnalysisReaderName = "analysis"
	}
	if d.Registerer == nil {
		d.Registerer = prometheus.DefaultRegisterer
	}
}

// pluginMetricJob is one plugin's snapshot, submitted to the metrics
// batcher so Prometheus gauge updates for a tick happen as one batch
// rather than serializing through the exporter for every plugin
// individually.
type pluginMetricJob struct {
	name, pluginType, state string
	stats                   registry.Stats
}

// Writer drives the once-per-second stats/checkpoint task.
type Writer struct {
	deps Deps
	log  *log.Logger

	scheduler gocron.Scheduler
	iteration int64

	metrics *prometheusGauges
	batcher *microbatch.Batcher[*pluginMetricJob]

	mu      sync.Mutex
	fatalCh chan error

	// prevStats/prevStatsAt hold the previous stats-file snapshot per
	// plugin name, so writeStatsFiles can diff two snapshots into
	// utilization.tsv's per-interval figures instead of reporting
	// lifetime totals.
	prevStats   map[string]registry.Stats
	prevStatsAt time.Time
}

// New constructs a Writer. Call Run to start the scheduled task; Run
// blocks until ctx is canceled.
func New(deps Deps) (*Writer, error) {
	deps.setDefaults()

	gauges, err := newPrometheusGauges(deps.Registerer)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		deps:    deps,
		log:     log.Named("stats"),
		metrics: gauges,
		fatalCh: make(chan error, 1),
	}
	w.batcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
		FlushInterval: 50 * time.Millisecond,
	}, w.flushMetrics)
	return w, nil
}

// Run starts the gocron scheduler and blocks until ctx is canceled or a
// fatal system error (a failed checkpoint flush, per §7) occurs.
func (w *Writer) Run(ctx context.Context) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("stats: creating scheduler: %w", err)
	}
	w.scheduler = s

	if _, err := s.NewJob(
		gocron.DurationJob(w.deps.Interval),
		gocron.NewTask(w.tick),
	); err != nil {
		return fmt.Errorf("stats: scheduling tick: %w", err)
	}

	s.Start()
	defer func() {
		_ = s.Shutdown()
		_ = w.batcher.Close()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-w.fatalCh:
		return err
	}
}

// tick is the scheduled task body: gather, publish watermarks, flush
// the checkpoint, and (every sixth call) write the stats files.
func (w *Writer) tick() {
	inputPlugins := w.deps.InputRegistry.Snapshot()
	analysisPlugins := safeSnapshot(w.deps.AnalysisRegistry)
	outputPlugins := safeSnapshot(w.deps.OutputRegistry)

	w.publishWatermarks(analysisPlugins, outputPlugins)

	all := make([]*registry.Plugin, 0, len(inputPlugins)+len(analysisPlugins)+len(outputPlugins))
	all = append(all, inputPlugins...)
	all = append(all, analysisPlugins...)
	all = append(all, outputPlugins...)
	w.submitMetrics(all)

	if err := w.deps.Store.Flush(); err != nil {
		w.log.Errorf("checkpoint flush failed: %v", err)
		select {
		case w.fatalCh <- fmt.Errorf("stats: %w", err):
		default:
		}
		return
	}

	w.mu.Lock()
	w.iteration++
	due := w.iteration%tsvFlushEvery == 0
	w.mu.Unlock()

	if due {
		if err := w.writeStatsFiles(all); err != nil {
			// Stats files are non-fatal per §7: log and continue.
			w.log.Errorf("writing stats files: %v", err)
		}
	}
}

// publishWatermarks computes, per queue, the minimum position any
// reader has reached and publishes it to that queue's writer.
func (w *Writer) publishWatermarks(analysisPlugins, outputPlugins []*registry.Plugin) {
	mins := make(map[string]int64)
	haveMin := make(map[string]bool)

	note := func(queueName string, id int64) {
		if !haveMin[queueName] || id < mins[queueName] {
			mins[queueName] = id
			haveMin[queueName] = true
		}
	}

	if v, ok := w.deps.Store.Get(checkpoint.ReaderKey("input", w.deps.AnalysisReaderName)); ok {
		if id, _, ok := v.AsPosition(); ok {
			note("input", id)
		}
	}

	for _, p := range outputPlugins {
		cfg := p.Config
		if cfg.ReadQueue == schema.ReadQueueInput || cfg.ReadQueue == schema.ReadQueueBoth {
			if v, ok := w.deps.Store.Get(checkpoint.ReaderKey("input", cfg.Name)); ok {
				if id, _, ok := v.AsPosition(); ok {
					note("input", id)
				}
			}
		}
		if cfg.ReadQueue == schema.ReadQueueAnalysis || cfg.ReadQueue == schema.ReadQueueBoth {
			if v, ok := w.deps.Store.Get(checkpoint.ReaderKey("analysis", cfg.Name)); ok {
				if id, _, ok := v.AsPosition(); ok {
					note("analysis", id)
				}
			}
		}
	}

	for queueName, writer := range w.deps.Queues {
		if haveMin[queueName] {
			writer.PublishMinReaderID(mins[queueName])
		}
		w.metrics.queueGap.WithLabelValues(queueName).Set(float64(writer.Gap()))
		id, offset := writer.Snapshot()
		w.metrics.queueWriterID.WithLabelValues(queueName).Set(float64(id))
		w.metrics.queueWriterOffset.WithLabelValues(queueName).Set(float64(offset))
		w.deps.Store.Set(checkpoint.WriterKey(queueName), checkpoint.PositionValue(id, offset))
	}
}

// submitMetrics hands one batch job per plugin to the metrics batcher.
// Results are not waited on: metric export is best-effort and must
// never block the once-a-second tick.
func (w *Writer) submitMetrics(plugins []*registry.Plugin) {
	for _, p := range plugins {
		job := &pluginMetricJob{
			name:       p.Name,
			pluginType: pluginTypeString(p.Type),
			state:      p.State().String(),
			stats:      p.StatsSnapshot(),
		}
		if _, err := w.batcher.Submit(context.Background(), job); err != nil {
			w.log.Warnf("submitting metrics for %q: %v", p.Name, err)
		}
	}
}

// flushMetrics is the microbatch processor: it applies a batch of
// plugin snapshots to the Prometheus gauges in one pass.
func (w *Writer) flushMetrics(ctx context.Context, jobs []*pluginMetricJob) error {
	for _, j := range jobs {
		w.metrics.processCount.WithLabelValues(j.name, j.pluginType).Set(float64(j.stats.ProcessCount))
		w.metrics.processFailed.WithLabelValues(j.name, j.pluginType).Set(float64(j.stats.ProcessFailed))
		w.metrics.injectCount.WithLabelValues(j.name, j.pluginType).Set(float64(j.stats.InjectCount))
		w.metrics.injectBytes.WithLabelValues(j.name, j.pluginType).Set(float64(j.stats.InjectBytes))
		w.metrics.currentMemory.WithLabelValues(j.name, j.pluginType).Set(float64(j.stats.CurrentMemory))
		w.metrics.maxMemory.WithLabelValues(j.name, j.pluginType).Set(float64(j.stats.MaxMemory))
		w.metrics.pluginState.WithLabelValues(j.name, j.pluginType, j.state).Set(1)
	}
	return nil
}

func pluginTypeString(t schema.PluginType) string {
	switch t {
	case schema.PluginInput:
		return "input"
	case schema.PluginAnalysis:
		return "analysis"
	case schema.PluginOutput:
		return "output"
	default:
		return "unknown"
	}
}

func safeSnapshot(r *registry.Registry) []*registry.Plugin {
	if r == nil {
		return nil
	}
	return r.Snapshot()
}

// writeStatsFiles writes plugins.tsv and utilization.tsv to StatsDir,
// each via a .tmp-then-rename atomic swap.
func (w *Writer) writeStatsFiles(plugins []*registry.Plugin) error {
	if w.deps.StatsDir == "" {
		return nil
	}
	sorted := append([]*registry.Plugin(nil), plugins...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	now := time.Now()
	interval := now.Sub(w.prevStatsAt)
	if w.prevStatsAt.IsZero() || interval <= 0 {
		interval = time.Duration(tsvFlushEvery) * w.deps.Interval
	}
	intervalNanos := float64(interval.Nanoseconds())

	var pluginsTSV strings.Builder
	pluginsTSV.WriteString("name\ttype\tstate\tinject_count\tinject_bytes\tprocess_count\tprocess_failed\t" +
		"current_memory\tmax_memory\tmax_output_bytes\tmax_instructions\t" +
		"matcher_mean_ns\tmatcher_stddev_ns\tprocess_mean_ns\tprocess_stddev_ns\ttimer_mean_ns\ttimer_stddev_ns\n")
	var utilTSV strings.Builder
	utilTSV.WriteString("name\tmessages_processed\tpct_utilization\tpct_time_matcher\tpct_time_process\tpct_time_timer\n")

	nextPrev := make(map[string]registry.Stats, len(sorted))

	for _, p := range sorted {
		st := p.StatsSnapshot()
		mMean, mStd := st.MatcherMeanStddev()
		pMean, pStd := st.ProcessMeanStddev()
		tMean, tStd := st.TimerMeanStddev()
		fmt.Fprintf(&pluginsTSV, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.Name, pluginTypeString(p.Type), p.State().String(),
			st.InjectCount, st.InjectBytes, st.ProcessCount, st.ProcessFailed,
			st.CurrentMemory, st.MaxMemory, st.MaxOutputBytes, st.MaxInstructions,
			formatFloat(mMean), formatFloat(mStd), formatFloat(pMean), formatFloat(pStd), formatFloat(tMean), formatFloat(tStd))

		prev := w.prevStats[p.Name]
		messagesProcessed := st.ProcessCount - prev.ProcessCount
		matcherNanos := st.MatcherTotalNanos() - prev.MatcherTotalNanos()
		processNanos := st.ProcessTotalNanos() - prev.ProcessTotalNanos()
		timerNanos := st.TimerTotalNanos() - prev.TimerTotalNanos()
		busyNanos := matcherNanos + processNanos + timerNanos
		fmt.Fprintf(&utilTSV, "%s\t%d\t%s\t%s\t%s\t%s\n",
			p.Name, messagesProcessed,
			formatFloat(pct(busyNanos, intervalNanos)),
			formatFloat(pct(matcherNanos, intervalNanos)),
			formatFloat(pct(processNanos, intervalNanos)),
			formatFloat(pct(timerNanos, intervalNanos)))

		nextPrev[p.Name] = st
	}

	w.prevStats = nextPrev
	w.prevStatsAt = now

	if err := writeAtomic(filepath.Join(w.deps.StatsDir, "plugins.tsv"), pluginsTSV.String()); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(w.deps.StatsDir, "utilization.tsv"), utilTSV.String())
}

// pct expresses part as a percentage of whole, clamped to [0, 100] so a
// clock skew or a freshly (re)started plugin never reports nonsense.
func pct(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	v := part / whole * 100
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}

func writeAtomic(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}
