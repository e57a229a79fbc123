// Package input implements the input plugin runtime: one goroutine per
// configured input plugin that repeatedly calls the plugin's process
// entry point, turns its inject_message calls into queue appends, and
// honors the ticker-interval idle wait and backpressure sleep the
// concurrency model describes.
package input

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hindsightlabs/hindsight/internal/checkpoint"
	"github.com/hindsightlabs/hindsight/internal/frame"
	"github.com/hindsightlabs/hindsight/internal/pipeline/logthrottle"
	"github.com/hindsightlabs/hindsight/internal/pipeline/throttle"
	"github.com/hindsightlabs/hindsight/internal/queue"
	"github.com/hindsightlabs/hindsight/internal/registry"
	"github.com/hindsightlabs/hindsight/internal/sandbox"
	"github.com/hindsightlabs/hindsight/pkg/log"
	"github.com/hindsightlabs/hindsight/pkg/schema"
)

// hostHandle is the subset of *sandbox.Host a Runner needs. Abstracted
// out so tests can substitute a fake without a real goja runtime.
type hostHandle interface {
	Init() error
	Process(msg *frame.Message, cp *checkpoint.Value, seqID int64) (sandbox.Code, error)
	MemoryUsage() int64
	OutputUsage() int64
	Stop()
	Destroy() error
}

// HostFactory constructs a plugin handle from a sandbox.CreateConfig.
// Tests substitute a fake factory; production code uses DefaultHostFactory.
type HostFactory func(cfg sandbox.CreateConfig) (hostHandle, error)

// DefaultHostFactory wires a Runner to the real goja-backed sandbox.
func DefaultHostFactory(cfg sandbox.CreateConfig) (hostHandle, error) {
	return sandbox.Create(cfg)
}

// Deps bundles the collaborators shared by every input plugin runner.
type Deps struct {
	Store    *checkpoint.Store
	Writer   *queue.Writer
	Registry *registry.Registry
	Throttle *throttle.Queue
	Errors   *logthrottle.Throttle

	SourceDir      string // load_path: directory holding plugin source files
	RunPath        string // directory for {name}.data state files
	OutputPath     string // directory for {name}.err files
	MaxMessageSize int64

	// OnShutdownTerminate is invoked when a plugin configured with
	// shutdown_terminate terminates fatally, per §7's "optionally kill
	// the whole process" clause. Typically cancels the root context.
	OnShutdownTerminate func(pluginName string, cause error)

	NewHost HostFactory
}

// Runner drives one input plugin's goroutine for the lifetime of the
// process, or until its plugin detaches (ticker_interval == 0 after one
// pass, or a fatal error).
type Runner struct {
	cfg  schema.PluginConfig
	deps Deps

	plugin *registry.Plugin
	log    *log.Logger

	stopOnce sync.Once
	stopCh   chan struct{}

	mu          sync.Mutex
	pluginCP    checkpoint.Value
	hasPluginCP bool
	host        hostHandle
}

// New constructs a Runner for one configured input plugin. Call Run to
// start it; Run blocks until the plugin detaches or ctx is canceled.
func New(cfg schema.PluginConfig, deps Deps) *Runner {
	if deps.NewHost == nil {
		deps.NewHost = DefaultHostFactory
	}
	return &Runner{
		cfg:    cfg,
		deps:   deps,
		log:    log.Named(fmt.Sprintf("input=%s", cfg.Name)),
		stopCh: make(chan struct{}),
	}
}

// Stop requests cooperative shutdown: the run loop exits at its next
// check, and if a process() call is in flight the sandbox is interrupted.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.mu.Lock()
	h := r.host
	r.mu.Unlock()
	if h != nil {
		h.Stop()
	}
}

// Run executes the plugin's loop (§4.G) until detach. It always removes
// the plugin from the registry and persists its final opaque checkpoint
// before returning, matching the "on detach" contract.
func (r *Runner) Run(ctx context.Context) {
	r.plugin = registry.New(r.cfg, nil)
	if err := r.deps.Registry.Add(r.plugin); err != nil {
		r.log.Errorf("register: %v", err)
		return
	}
	defer r.deps.Registry.Remove(r.cfg.Name)

	if v, ok := r.deps.Store.Get(checkpoint.PluginKey(r.cfg.Name)); ok {
		r.pluginCP = v
		r.hasPluginCP = true
	}

	sourcePath := filepath.Join(r.deps.SourceDir, r.cfg.Filename)
	var statePath string
	if r.cfg.PreserveData && r.deps.RunPath != "" {
		statePath = filepath.Join(r.deps.RunPath, r.cfg.Name+".data")
	}

	host, err := r.deps.NewHost(sandbox.CreateConfig{
		SourcePath: sourcePath,
		StatePath:  statePath,
		Config:     r.cfg.Config,
		Limits: sandbox.Limits{
			MemoryBytes:      r.cfg.MemoryLimit,
			InstructionCount: r.cfg.InstructionLimit,
			OutputBytes:      r.cfg.OutputLimit,
			MaxMessageSize:   r.deps.MaxMessageSize,
		},
		Inject: r.inject(ctx),
	})
	if err != nil {
		r.failPluginLoad(err)
		return
	}
	r.mu.Lock()
	r.host = host
	r.mu.Unlock()
	defer r.finalize()

	r.plugin.SetState(registry.StateCreated)
	if err := host.Init(); err != nil {
		r.terminate(err)
		return
	}
	r.plugin.SetState(registry.StateRunning)

	for {
		select {
		case <-ctx.Done():
			r.plugin.SetState(registry.StateStopping)
			return
		case <-r.stopCh:
			r.plugin.SetState(registry.StateStopping)
			return
		default:
		}

		var cpArg *checkpoint.Value
		if r.hasPluginCP {
			cp := r.pluginCP
			cpArg = &cp
		}

		start := time.Now()
		code, err := host.Process(nil, cpArg, -1)
		r.plugin.RecordProcess(time.Since(start), err != nil)
		r.plugin.RecordMemory(host.MemoryUsage())
		r.plugin.RecordOutput(host.OutputUsage())
		if err != nil {
			r.terminate(err)
			return
		}

		// code is always <= 0 here: Process converts a plugin-reported
		// positive (fatal) code into an error and returns CodeFail.
		_ = code

		if r.cfg.TickerInterval <= 0 {
			r.plugin.SetState(registry.StateStopping)
			return
		}

		select {
		case <-ctx.Done():
			r.plugin.SetState(registry.StateStopping)
			return
		case <-r.stopCh:
			r.plugin.SetState(registry.StateStopping)
			return
		case <-time.After(time.Duration(r.cfg.TickerInterval) * time.Millisecond):
		}
	}
}

// inject builds the InjectFunc passed to the sandbox: encode, append,
// advance the in-memory opaque checkpoint, and apply backpressure.
func (r *Runner) inject(ctx context.Context) sandbox.InjectFunc {
	return func(msg *frame.Message, newCheckpoint checkpoint.Value) error {
		payload := frame.EncodeMessage(msg)
		if err := r.deps.Writer.Append(payload); err != nil {
			return err
		}
		r.plugin.RecordInject(len(payload))

		r.mu.Lock()
		r.pluginCP = newCheckpoint
		r.hasPluginCP = true
		r.mu.Unlock()

		if r.deps.Throttle != nil {
			if err := r.deps.Throttle.Wait(ctx, r.deps.Writer.Gap); err != nil {
				return err
			}
		}
		return nil
	}
}

// terminate records a plugin-fatal error (§7), writes it to the
// plugin's .err file, and marks the plugin terminated.
func (r *Runner) terminate(err error) {
	r.plugin.SetLastError(err)
	r.plugin.SetState(registry.StateTerminated)
	if r.deps.Errors != nil {
		r.deps.Errors.Errorf(r.cfg.Name, "process-fatal", "input plugin %q terminated: %v", r.cfg.Name, err)
	} else {
		r.log.Errorf("terminated: %v", err)
	}
	r.writeErrFile(err)
	if r.cfg.ShutdownTerminate && r.deps.OnShutdownTerminate != nil {
		r.deps.OnShutdownTerminate(r.cfg.Name, err)
	}
}

// failPluginLoad handles a Create failure: a user configuration error
// (bad source, bad config table), not a fatal system error. The plugin
// never entered the registry's running state; it is simply not started.
func (r *Runner) failPluginLoad(err error) {
	r.log.Errorf("failed to start: %v", err)
	r.plugin.SetLastError(err)
	r.plugin.SetState(registry.StateTerminated)
	r.writeErrFile(err)
}

func (r *Runner) writeErrFile(cause error) {
	if r.deps.OutputPath == "" {
		return
	}
	path := filepath.Join(r.deps.OutputPath, r.cfg.Name+".err")
	if err := os.WriteFile(path, []byte(cause.Error()+"\n"), 0o644); err != nil {
		r.log.Errorf("writing %s: %v", path, err)
	}
}

// finalize persists the final opaque checkpoint and destroys the
// sandbox handle, per §4.G's "on detach" contract.
func (r *Runner) finalize() {
	r.mu.Lock()
	host := r.host
	cp := r.pluginCP
	has := r.hasPluginCP
	r.mu.Unlock()

	if r.cfg.RmCpTerminate && r.plugin.State() == registry.StateTerminated {
		r.deps.Store.Delete(checkpoint.PluginKey(r.cfg.Name))
	} else if has {
		r.deps.Store.Set(checkpoint.PluginKey(r.cfg.Name), cp)
	}

	if host != nil {
		if err := host.Destroy(); err != nil {
			r.log.Errorf("destroy: %v", err)
		}
	}
}
