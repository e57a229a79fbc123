// Package analysis implements the analysis plugin runtime: a fixed pool
// of N worker partitions (plugin_hash mod N, or a pinned thread index)
// fed by a single reader that consumes the input queue in order,
// evaluates each plugin's matcher, and calls its process entry point.
//
// The concurrency model's "N analysis worker threads" are modeled here
// as N fixed partitions of plugins, each processed by a fresh goroutine
// per message rather than one long-lived OS thread: goroutines are cheap
// enough in Go that the fan-out/fan-in per message (mirroring
// memorystore's ToCheckpoint worker-pool-over-channel shape) replaces
// the semaphore handoff without losing the fixed partition assignment
// the "plugin_hash mod N" rule is actually for.
package analysis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hindsightlabs/hindsight/internal/checkpoint"
	"github.com/hindsightlabs/hindsight/internal/frame"
	"github.com/hindsightlabs/hindsight/internal/matcher"
	"github.com/hindsightlabs/hindsight/internal/pipeline/logthrottle"
	"github.com/hindsightlabs/hindsight/internal/pipeline/throttle"
	"github.com/hindsightlabs/hindsight/internal/queue"
	"github.com/hindsightlabs/hindsight/internal/registry"
	"github.com/hindsightlabs/hindsight/internal/sandbox"
	"github.com/hindsightlabs/hindsight/pkg/log"
	"github.com/hindsightlabs/hindsight/pkg/schema"
)

// hostHandle narrows *sandbox.Host to what this package needs, so tests
// can substitute a fake.
type hostHandle interface {
	Init() error
	Process(msg *frame.Message, cp *checkpoint.Value, seqID int64) (sandbox.Code, error)
	MemoryUsage() int64
	OutputUsage() int64
	Stop()
	Destroy() error
}

// HostFactory constructs a plugin handle from a sandbox.CreateConfig.
type HostFactory func(cfg sandbox.CreateConfig) (hostHandle, error)

// DefaultHostFactory wires a Pool to the real goja-backed sandbox.
func DefaultHostFactory(cfg sandbox.CreateConfig) (hostHandle, error) {
	return sandbox.Create(cfg)
}

// Deps bundles the collaborators the analysis pool needs.
type Deps struct {
	Store  *checkpoint.Store
	Writer *queue.Writer // the analysis queue; receives inject_message output

	InputDir      string // the input queue directory this pool reads from
	InputRollSize int64
	QueueName     string // name of the input queue, for reader-checkpoint keys
	ReaderName    string // consumer identity under QueueName (e.g. "analysis")

	Registry *registry.Registry
	Throttle *throttle.Queue
	Errors   *logthrottle.Throttle

	SourceDir      string
	RunPath        string
	OutputPath     string
	MaxMessageSize int64

	// OnShutdownTerminate is invoked when a plugin configured with
	// shutdown_terminate terminates fatally, per §7's "optionally kill
	// the whole process" clause.
	OnShutdownTerminate func(pluginName string, cause error)

	PollInterval time.Duration
	NewHost      HostFactory
}

type pluginHandle struct {
	plugin *registry.Plugin
	host   hostHandle
}

// worker owns one fixed partition's plugin list. list access is guarded
// by mu, matching §5's "thread's list lock" — held only around
// membership changes, never across a plugin call.
type worker struct {
	idx  int
	deps *Deps

	mu      sync.Mutex
	plugins []*pluginHandle
}

func newWorker(idx int, deps *Deps) *worker {
	return &worker{idx: idx, deps: deps}
}

func (w *worker) addPlugin(ph *pluginHandle) {
	w.mu.Lock()
	w.plugins = append(w.plugins, ph)
	w.mu.Unlock()
}

func (w *worker) removePlugin(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, ph := range w.plugins {
		if ph.plugin.Name == name {
			w.plugins = append(w.plugins[:i], w.plugins[i+1:]...)
			return
		}
	}
}

func (w *worker) snapshot() []*pluginHandle {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*pluginHandle, len(w.plugins))
	copy(out, w.plugins)
	return out
}

// processOne evaluates every assigned plugin's matcher against msg and
// calls process() on a match, accumulating per-plugin stats. A plugin
// whose call errors (§4.F's ">0 is fatal", already converted to an
// error by the sandbox) is terminated and dropped from this partition.
func (w *worker) processOne(msg *frame.Message) {
	for _, ph := range w.snapshot() {
		if m := ph.plugin.Matcher(); m != nil {
			start := time.Now()
			matched := m.Eval(msg)
			ph.plugin.RecordMatcherEval(time.Since(start))
			if !matched {
				continue
			}
		}

		start := time.Now()
		_, err := ph.host.Process(msg, nil, -1)
		ph.plugin.RecordProcess(time.Since(start), err != nil)
		ph.plugin.RecordMemory(ph.host.MemoryUsage())
		ph.plugin.RecordOutput(ph.host.OutputUsage())
		if err != nil {
			w.terminate(ph, err)
		}
	}
}

func (w *worker) terminate(ph *pluginHandle, cause error) {
	ph.plugin.SetLastError(cause)
	ph.plugin.SetState(registry.StateTerminated)
	w.removePlugin(ph.plugin.Name)
	w.deps.Registry.Remove(ph.plugin.Name)

	if w.deps.Errors != nil {
		w.deps.Errors.Errorf(ph.plugin.Name, "process-fatal", "analysis plugin %q terminated: %v", ph.plugin.Name, cause)
	} else {
		log.Named("analysis").Errorf("plugin %q terminated: %v", ph.plugin.Name, cause)
	}
	w.writeErrFile(ph.plugin.Name, cause)

	if err := ph.host.Destroy(); err != nil {
		log.Named("analysis").Errorf("destroy %q: %v", ph.plugin.Name, err)
	}

	if ph.plugin.Config.ShutdownTerminate && w.deps.OnShutdownTerminate != nil {
		w.deps.OnShutdownTerminate(ph.plugin.Name, cause)
	}
}

func (w *worker) writeErrFile(name string, cause error) {
	if w.deps.OutputPath == "" {
		return
	}
	path := filepath.Join(w.deps.OutputPath, name+".err")
	_ = os.WriteFile(path, []byte(cause.Error()+"\n"), 0o644)
}

// Pool is the analysis stage runtime: N fixed plugin partitions plus the
// single reader that drives them in input-queue order.
type Pool struct {
	deps    Deps
	workers []*worker
	log     *log.Logger

	runCtx   context.Context
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPool constructs a Pool with n fixed partitions. Call AddPlugin for
// every configured analysis plugin before calling Run.
func NewPool(n int, deps Deps) *Pool {
	if deps.NewHost == nil {
		deps.NewHost = DefaultHostFactory
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = 50 * time.Millisecond
	}
	p := &Pool{deps: deps, log: log.Named("analysis"), runCtx: context.Background(), stopCh: make(chan struct{})}
	p.workers = make([]*worker, n)
	for i := range p.workers {
		p.workers[i] = newWorker(i, &p.deps)
	}
	return p
}

// Stop requests cooperative shutdown of the reader loop.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// AddPlugin compiles the plugin's matcher, creates and initializes its
// sandbox, registers it, and assigns it to worker (Thread, if pinned and
// in range, else plugin_hash mod N). A bad matcher or a sandbox create/
// init failure is a user configuration error (§7): the plugin is simply
// not started, and the caller decides whether that is fatal to startup.
func (p *Pool) AddPlugin(cfg schema.PluginConfig) error {
	var m *matcher.Matcher
	if cfg.MessageMatcher != "" {
		var err error
		m, err = matcher.Compile(cfg.MessageMatcher)
		if err != nil {
			return fmt.Errorf("analysis plugin %q: bad matcher: %w", cfg.Name, err)
		}
	}

	idx := cfg.Thread
	if idx < 0 || idx >= len(p.workers) {
		idx = registry.PartitionHash(cfg.Name, len(p.workers))
	}

	plugin := registry.New(cfg, m)

	sourcePath := filepath.Join(p.deps.SourceDir, cfg.Filename)
	var statePath string
	if cfg.PreserveData && p.deps.RunPath != "" {
		statePath = filepath.Join(p.deps.RunPath, cfg.Name+".data")
	}

	host, err := p.deps.NewHost(sandbox.CreateConfig{
		SourcePath: sourcePath,
		StatePath:  statePath,
		Config:     cfg.Config,
		Limits: sandbox.Limits{
			MemoryBytes:      cfg.MemoryLimit,
			InstructionCount: cfg.InstructionLimit,
			OutputBytes:      cfg.OutputLimit,
			MaxMessageSize:   p.deps.MaxMessageSize,
		},
		Inject: p.injectFor(plugin),
	})
	if err != nil {
		return fmt.Errorf("analysis plugin %q: %w", cfg.Name, err)
	}
	if err := host.Init(); err != nil {
		return fmt.Errorf("analysis plugin %q: init: %w", cfg.Name, err)
	}
	if err := p.deps.Registry.Add(plugin); err != nil {
		return err
	}
	plugin.SetState(registry.StateRunning)
	p.workers[idx].addPlugin(&pluginHandle{plugin: plugin, host: host})
	return nil
}

// injectFor builds the InjectFunc for one plugin: encode, append to the
// analysis queue (under the writer's own lock), record stats, and apply
// backpressure.
func (p *Pool) injectFor(plugin *registry.Plugin) sandbox.InjectFunc {
	return func(msg *frame.Message, _ checkpoint.Value) error {
		payload := frame.EncodeMessage(msg)
		if err := p.deps.Writer.Append(payload); err != nil {
			return err
		}
		plugin.RecordInject(len(payload))

		if p.deps.Throttle != nil {
			if err := p.deps.Throttle.Wait(p.runCtx, p.deps.Writer.Gap); err != nil {
				return err
			}
		}
		return nil
	}
}

// Run drives the reader loop (§4.H steps 1-4) until ctx is canceled or
// Stop is called. AddPlugin must not be called concurrently with Run.
func (p *Pool) Run(ctx context.Context) error {
	p.runCtx = ctx

	startID, startOffset := p.deps.Store.LookupReader(p.deps.InputDir, p.deps.QueueName, p.deps.ReaderName)
	reader := queue.NewReader(p.deps.InputDir, startID, startOffset, p.deps.InputRollSize)
	defer reader.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stopCh:
			return nil
		default:
		}

		payload, ok, err := reader.Next()
		if err != nil {
			return fmt.Errorf("analysis: reading input queue: %w", err)
		}
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-p.stopCh:
				return nil
			case <-time.After(p.deps.PollInterval):
			}
			continue
		}

		msg, err := frame.DecodeMessage(payload)
		if err != nil {
			p.log.Warnf("skipping undecodable message: %v", err)
			continue
		}

		p.dispatch(msg)

		id, offset := reader.Position()
		p.deps.Store.UpdateReader(p.deps.QueueName, p.deps.ReaderName, id, offset)
	}
}

// dispatch fans msg out to every partition concurrently and waits for
// all of them to finish before the reader advances, matching "wait on
// finished semaphore N times" before moving to the next message.
func (p *Pool) dispatch(msg *frame.Message) {
	var wg sync.WaitGroup
	wg.Add(len(p.workers))
	for _, w := range p.workers {
		w := w
		go func() {
			defer wg.Done()
			w.processOne(msg)
		}()
	}
	wg.Wait()
}
