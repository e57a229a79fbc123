// Package runtime wires every pipeline component together into one
// running daemon: it opens the queues and checkpoint store, starts one
// goroutine per input and output plugin, the fixed analysis worker
// pool, the checkpoint/stats writer, and (when configured) the admin
// HTTP surface and gops diagnostics agent, then blocks until its
// context is canceled.
package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/gops/agent"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hindsightlabs/hindsight/internal/checkpoint"
	"github.com/hindsightlabs/hindsight/internal/httpapi"
	"github.com/hindsightlabs/hindsight/internal/pipeline/analysis"
	"github.com/hindsightlabs/hindsight/internal/pipeline/input"
	"github.com/hindsightlabs/hindsight/internal/pipeline/logthrottle"
	"github.com/hindsightlabs/hindsight/internal/pipeline/output"
	"github.com/hindsightlabs/hindsight/internal/pipeline/stats"
	"github.com/hindsightlabs/hindsight/internal/pipeline/throttle"
	"github.com/hindsightlabs/hindsight/internal/queue"
	"github.com/hindsightlabs/hindsight/internal/registry"
	"github.com/hindsightlabs/hindsight/pkg/log"
	"github.com/hindsightlabs/hindsight/pkg/schema"
)

// Daemon owns every running component for the lifetime of one process.
type Daemon struct {
	cfg     schema.Config
	plugins []schema.PluginConfig
	log     *log.Logger

	store       *checkpoint.Store
	inputQ      *queue.Writer
	analysisQ   *queue.Writer
	inputReg    *registry.Registry
	analysisReg *registry.Registry
	outputReg   *registry.Registry
	errors      *logthrottle.Throttle

	cancel context.CancelFunc

	inputRunners  []*input.Runner
	outputRunners []*output.Runner
	analysisPool  *analysis.Pool
	statsWriter   *stats.Writer
	admin         *httpapi.Server
}

// New builds a Daemon from an already-loaded configuration and plugin
// set, opening the checkpoint store and queue writers. Call Run to
// start every component; Run blocks until ctx is canceled or a fatal
// system error occurs.
func New(cfg schema.Config, plugins []schema.PluginConfig) (*Daemon, error) {
	if err := os.MkdirAll(cfg.OutputPath, 0o755); err != nil {
		return nil, fmt.Errorf("runtime: creating output_path: %w", err)
	}
	if cfg.RunPath != "" {
		if err := os.MkdirAll(cfg.RunPath, 0o755); err != nil {
			return nil, fmt.Errorf("runtime: creating run_path: %w", err)
		}
	}

	store, err := checkpoint.Open(filepath.Join(cfg.OutputPath, "hindsight.cp"))
	if err != nil {
		return nil, fmt.Errorf("runtime: opening checkpoint store: %w", err)
	}

	inputDir := filepath.Join(cfg.OutputPath, "input")
	analysisDir := filepath.Join(cfg.OutputPath, "analysis")

	inputW, err := queue.NewWriter(inputDir, writerStartID(store, inputDir, "input"), int64(cfg.OutputSize))
	if err != nil {
		return nil, fmt.Errorf("runtime: opening input queue writer: %w", err)
	}

	analysisW, err := queue.NewWriter(analysisDir, writerStartID(store, analysisDir, "analysis"), int64(cfg.OutputSize))
	if err != nil {
		return nil, fmt.Errorf("runtime: opening analysis queue writer: %w", err)
	}

	d := &Daemon{
		cfg:         cfg,
		plugins:     plugins,
		log:         log.Named("runtime"),
		store:       store,
		inputQ:      inputW,
		analysisQ:   analysisW,
		inputReg:    registry.New(),
		analysisReg: registry.New(),
		outputReg:   registry.New(),
		errors:      logthrottle.New(),
	}
	return d, nil
}

// writerStartID resumes a queue writer at its last persisted id
// (checkpoint.WriterKey), falling back to the largest on-disk file id
// already present, or 0 for a brand new queue directory.
func writerStartID(store *checkpoint.Store, dir, queueName string) int64 {
	if v, ok := store.Get(checkpoint.WriterKey(queueName)); ok {
		if id, _, ok := v.AsPosition(); ok {
			return id
		}
	}
	if id, ok := maxExistingID(dir); ok {
		return id
	}
	return 0
}

// maxExistingID returns the largest id with a {id}.log file present in
// dir, so a restarted writer without a persisted WriterKey continues
// appending to the most recent file instead of truncating back to the
// oldest one still on disk.
func maxExistingID(dir string) (int64, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, false
	}
	best := int64(-1)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".log") {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(name, ".log"), 10, 64)
		if err != nil {
			continue
		}
		if id > best {
			best = id
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

// Run starts every component and blocks until ctx is canceled or a
// fatal system error is reported. Once every component has started, it
// attempts a final checkpoint flush before returning, matching §7's
// shutdown contract; a gops or stats-writer startup error returns without
// that flush.
func (d *Daemon) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	if d.cfg.GopsListen != "" {
		if err := agent.Listen(agent.Options{Addr: d.cfg.GopsListen}); err != nil {
			return fmt.Errorf("runtime: gops agent: %w", err)
		}
		defer agent.Close()
	}

	inputThrottle := throttle.New(d.cfg.Backpressure, d.cfg.OutputPath, d.cfg.OutputSize*d.cfg.BackpressureDf)
	analysisThrottle := throttle.New(d.cfg.Backpressure, d.cfg.OutputPath, d.cfg.OutputSize*d.cfg.BackpressureDf)

	onShutdownTerminate := func(pluginName string, cause error) {
		d.log.Critf("plugin %q requested shutdown_terminate: %v", pluginName, cause)
		cancel()
	}

	var wg sync.WaitGroup

	inputCfgs, analysisCfgs, outputCfgs := partitionByType(d.plugins)

	d.analysisPool = analysis.NewPool(max(d.cfg.AnalysisThreads, 1), analysis.Deps{
		Store:               d.store,
		Writer:              d.analysisQ,
		InputDir:            filepath.Join(d.cfg.OutputPath, "input"),
		InputRollSize:       int64(d.cfg.OutputSize),
		QueueName:           "input",
		ReaderName:          "analysis",
		Registry:            d.analysisReg,
		Throttle:            analysisThrottle,
		Errors:              d.errors,
		SourceDir:           d.cfg.LoadPath,
		RunPath:             d.cfg.RunPath,
		OutputPath:          d.cfg.OutputPath,
		MaxMessageSize:      int64(d.cfg.MaxMessageSize),
		OnShutdownTerminate: onShutdownTerminate,
	})
	for _, cfg := range analysisCfgs {
		if err := d.analysisPool.AddPlugin(cfg); err != nil {
			d.log.Errorf("analysis plugin %q failed to start: %v", cfg.Name, err)
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.analysisPool.Run(runCtx); err != nil {
			d.log.Critf("analysis pool: %v", err)
			cancel()
		}
	}()

	inputDeps := input.Deps{
		Store:               d.store,
		Writer:              d.inputQ,
		Registry:            d.inputReg,
		Throttle:            inputThrottle,
		Errors:              d.errors,
		SourceDir:           d.cfg.LoadPath,
		RunPath:             d.cfg.RunPath,
		OutputPath:          d.cfg.OutputPath,
		MaxMessageSize:      int64(d.cfg.MaxMessageSize),
		OnShutdownTerminate: onShutdownTerminate,
	}
	for _, cfg := range inputCfgs {
		r := input.New(cfg, inputDeps)
		d.inputRunners = append(d.inputRunners, r)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run(runCtx)
		}()
	}

	outputDeps := output.Deps{
		Store:               d.store,
		InputDir:            filepath.Join(d.cfg.OutputPath, "input"),
		InputRollSize:       int64(d.cfg.OutputSize),
		AnalysisDir:         filepath.Join(d.cfg.OutputPath, "analysis"),
		AnalysisRollSize:    int64(d.cfg.OutputSize),
		Registry:            d.outputReg,
		Errors:              d.errors,
		SourceDir:           d.cfg.LoadPath,
		RunPath:             d.cfg.RunPath,
		OutputPath:          d.cfg.OutputPath,
		MaxMessageSize:      int64(d.cfg.MaxMessageSize),
		OnShutdownTerminate: onShutdownTerminate,
	}
	for _, cfg := range outputCfgs {
		r := output.New(cfg, outputDeps)
		d.outputRunners = append(d.outputRunners, r)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run(runCtx)
		}()
	}

	statsWriter, err := stats.New(stats.Deps{
		Store:              d.store,
		Queues:             map[string]*queue.Writer{"input": d.inputQ, "analysis": d.analysisQ},
		InputRegistry:      d.inputReg,
		AnalysisRegistry:   d.analysisReg,
		OutputRegistry:     d.outputReg,
		AnalysisReaderName: "analysis",
		StatsDir:           d.cfg.OutputPath,
		Registerer:         prometheus.DefaultRegisterer,
	})
	if err != nil {
		cancel()
		wg.Wait()
		return fmt.Errorf("runtime: building stats writer: %w", err)
	}
	d.statsWriter = statsWriter

	statsErrCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		statsErrCh <- statsWriter.Run(runCtx)
	}()

	if d.cfg.AdminListen != "" {
		d.admin = httpapi.New(d.cfg.AdminListen, httpapi.Deps{
			InputRegistry:    d.inputReg,
			AnalysisRegistry: d.analysisReg,
			OutputRegistry:   d.outputReg,
			Gatherer:         prometheus.DefaultGatherer,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.admin.Run(runCtx); err != nil {
				d.log.Errorf("admin surface: %v", err)
			}
		}()
	}

	<-runCtx.Done()
	d.analysisPool.Stop()
	for _, r := range d.inputRunners {
		r.Stop()
	}
	for _, r := range d.outputRunners {
		r.Stop()
	}
	wg.Wait()

	inputID, inputOffset := d.inputQ.Snapshot()
	d.store.Set(checkpoint.WriterKey("input"), checkpoint.PositionValue(inputID, inputOffset))
	analysisID, analysisOffset := d.analysisQ.Snapshot()
	d.store.Set(checkpoint.WriterKey("analysis"), checkpoint.PositionValue(analysisID, analysisOffset))

	if err := d.store.Flush(); err != nil {
		return fmt.Errorf("runtime: final checkpoint flush: %w", err)
	}
	if err := d.inputQ.Close(); err != nil {
		d.log.Errorf("closing input queue: %v", err)
	}
	if err := d.analysisQ.Close(); err != nil {
		d.log.Errorf("closing analysis queue: %v", err)
	}

	select {
	case err := <-statsErrCh:
		return err
	default:
		return nil
	}
}

func partitionByType(plugins []schema.PluginConfig) (inputs, analyses, outputs []schema.PluginConfig) {
	for _, p := range plugins {
		switch p.Type {
		case schema.PluginInput:
			inputs = append(inputs, p)
		case schema.PluginAnalysis:
			analyses = append(analyses, p)
		case schema.PluginOutput:
			outputs = append(outputs, p)
		}
	}
	return
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
