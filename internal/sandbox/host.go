// Package sandbox adapts a goja JavaScript runtime into the plugin host
// contract: create/init/process/timer/stop/destroy over a handle that
// only one caller thread touches at a time.
package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dop251/goja"

	"github.com/hindsightlabs/hindsight/internal/checkpoint"
	"github.com/hindsightlabs/hindsight/internal/frame"
)

// Code is the outcome of a plugin entry-point call. Non-positive values
// are the named outcomes below; any positive value is a plugin-reported
// fatal error code.
type Code int

const (
	CodeSent  Code = 0
	CodeBatch Code = -1
	CodeAsync Code = -2
	CodeRetry Code = -3
	CodeFail  Code = -4
)

func (c Code) String() string {
	switch c {
	case CodeSent:
		return "SENT"
	case CodeBatch:
		return "BATCH"
	case CodeAsync:
		return "ASYNC"
	case CodeRetry:
		return "RETRY"
	case CodeFail:
		return "FAIL"
	default:
		return fmt.Sprintf("FATAL(%d)", int(c))
	}
}

// BadPlugin is returned by Create when the source fails to compile or
// the config table is malformed.
var BadPlugin = errors.New("sandbox: bad plugin")

// ErrInstructionLimit and ErrMemoryLimit are the interrupt values a
// watchdog passes to goja.Runtime.Interrupt; they surface as the
// *goja.InterruptedError's Value().
var (
	ErrInstructionLimit = errors.New("sandbox: instruction limit exceeded")
	ErrMemoryLimit      = errors.New("sandbox: memory limit exceeded")
)

// errTerminated marks a handle that must not be used again.
var errTerminated = errors.New("sandbox: handle terminated")

// InjectFunc is supplied by the caller (an input or analysis plugin
// runtime) and is invoked synchronously whenever plugin code calls the
// bound inject_message function. It must not block on anything that
// could call back into this handle.
type InjectFunc func(msg *frame.Message, newCheckpoint checkpoint.Value) error

// AckFunc is supplied by an output plugin runtime and is invoked
// synchronously whenever plugin code calls the bound
// update_checkpoint_callback function, reporting that a previously
// ASYNC-deferred sequence id has now completed.
type AckFunc func(seqID int64) error

// CreateConfig are the arguments to Create.
type CreateConfig struct {
	SourcePath string
	StatePath  string // optional; empty disables persistent state
	Config     []byte // plugin-specific JSON config table, made available as `config` global
	Limits     Limits
	Inject     InjectFunc
	Ack        AckFunc // optional; only output plugins bind update_checkpoint_callback
}

// Host is one sandboxed plugin instance: a goja runtime plus the
// bookkeeping the process/init/timer/stop/destroy operations need. The
// zero value is not usable; construct with Create.
type Host struct {
	mu sync.Mutex

	vm       *goja.Runtime
	wd       *watchdog
	cfg      CreateConfig
	inject   InjectFunc
	outLimit int64
	msgLimit int64
	outUsed  int64 // cumulative injected bytes this call; reset per Process/Init/Timer
	maxOut   int64 // running max of outUsed across calls

	entryProcess goja.Callable
	entryTimer   goja.Callable
	entryInit    goja.Callable

	stopped bool
	dead    error
}

// Create compiles source and constructs a fresh runtime with resource
// limits installed. It does not run the plugin's top-level code; call
// Init for that.
func Create(cfg CreateConfig) (*Host, error) {
	src, err := os.ReadFile(cfg.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("%w: read source %s: %v", BadPlugin, cfg.SourcePath, err)
	}

	program, err := goja.Compile(cfg.SourcePath, string(src), true)
	if err != nil {
		return nil, fmt.Errorf("%w: compile %s: %v", BadPlugin, cfg.SourcePath, err)
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(256)

	h := &Host{
		vm:       vm,
		cfg:      cfg,
		inject:   cfg.Inject,
		outLimit: cfg.Limits.OutputBytes,
		msgLimit: cfg.Limits.MaxMessageSize,
	}
	h.wd = newWatchdog(h, cfg.Limits)

	if err := bindCallbacks(h); err != nil {
		return nil, fmt.Errorf("%w: %v", BadPlugin, err)
	}

	if len(cfg.Config) > 0 {
		var configVal interface{}
		if err := json.Unmarshal(cfg.Config, &configVal); err != nil {
			return nil, fmt.Errorf("%w: config table: %v", BadPlugin, err)
		}
		if err := vm.Set("config", vm.ToValue(configVal)); err != nil {
			return nil, fmt.Errorf("%w: binding config: %v", BadPlugin, err)
		}
	}

	if cfg.StatePath != "" {
		if raw, err := os.ReadFile(cfg.StatePath); err == nil {
			var stateVal interface{}
			if err := json.Unmarshal(raw, &stateVal); err == nil {
				_ = vm.Set("state", vm.ToValue(stateVal))
			}
		}
	}

	if _, err := vm.RunProgram(program); err != nil {
		return nil, fmt.Errorf("%w: running top-level code: %v", BadPlugin, describeRunError(err))
	}

	h.entryInit, _ = h.lookupFunc("init")
	h.entryProcess, _ = h.lookupFunc("process")
	h.entryTimer, _ = h.lookupFunc("timer")

	return h, nil
}

func (h *Host) lookupFunc(name string) (goja.Callable, bool) {
	v := h.vm.Get(name)
	if v == nil || goja.IsUndefined(v) {
		return nil, false
	}
	fn, ok := goja.AssertFunction(v)
	return fn, ok
}

// Init runs the plugin's init() entry point, if one is declared.
func (h *Host) Init() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dead != nil {
		return h.dead
	}
	if h.entryInit == nil {
		return nil
	}
	h.outUsed = 0
	disarm := h.wd.arm()
	_, err := h.entryInit(goja.Undefined())
	disarm()
	h.recordOutputUsage()
	if err != nil {
		return h.terminate(fmt.Errorf("init: %v", describeRunError(err)))
	}
	return nil
}

// Process invokes the plugin's process entry point. checkpointArg nil
// and seqID < 0 mean no value was supplied (matches the spec's
// opt_message/opt_sequence_id).
func (h *Host) Process(msg *frame.Message, checkpointArg *checkpoint.Value, seqID int64) (Code, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dead != nil {
		return CodeFail, h.dead
	}
	if h.entryProcess == nil {
		return CodeSent, nil
	}

	var msgArg goja.Value = goja.Undefined()
	if msg != nil {
		msgArg = h.vm.ToValue(messageToJS(msg))
	}
	var cpArg goja.Value = goja.Undefined()
	if checkpointArg != nil {
		cpArg = h.vm.ToValue(checkpointToJS(*checkpointArg))
	}
	var seqArg goja.Value = goja.Undefined()
	if seqID >= 0 {
		seqArg = h.vm.ToValue(seqID)
	}

	h.outUsed = 0
	disarm := h.wd.arm()
	ret, err := h.entryProcess(goja.Undefined(), msgArg, cpArg, seqArg)
	disarm()
	h.recordOutputUsage()
	if err != nil {
		return CodeFail, h.terminate(fmt.Errorf("process: %v", describeRunError(err)))
	}

	code, ok := codeFromValue(ret)
	if !ok {
		return CodeFail, h.terminate(fmt.Errorf("process: invalid return value %v", ret))
	}
	if code > 0 {
		return CodeFail, h.terminate(fmt.Errorf("process: fatal return code %d", int(code)))
	}
	return code, nil
}

// Timer invokes the plugin's timer(now) callback.
func (h *Host) Timer(now int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dead != nil {
		return h.dead
	}
	if h.entryTimer == nil {
		return nil
	}
	h.outUsed = 0
	disarm := h.wd.arm()
	_, err := h.entryTimer(goja.Undefined(), h.vm.ToValue(now))
	disarm()
	h.recordOutputUsage()
	if err != nil {
		return h.terminate(fmt.Errorf("timer: %v", describeRunError(err)))
	}
	return nil
}

// recordOutputUsage folds outUsed into the running maximum observed
// across all calls into this handle; must be called with mu held.
func (h *Host) recordOutputUsage() {
	if h.outUsed > h.maxOut {
		h.maxOut = h.outUsed
	}
}

// MemoryUsage returns the watchdog's last-sampled heap growth since this
// handle was created, in bytes. Callers poll it after Process/Init/Timer
// calls to feed a plugin's CurrentMemory/MaxMemory stats.
func (h *Host) MemoryUsage() int64 {
	return int64(h.wd.heapGrowth())
}

// OutputUsage returns the largest number of injected bytes observed in a
// single Process/Init/Timer call so far, feeding a plugin's
// MaxOutputBytes stat.
func (h *Host) OutputUsage() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxOut
}

// Stop arranges for the plugin to error out at its next interpreter
// yield point. It does not block; Process/Timer callers observe the
// resulting error on their next call.
func (h *Host) Stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.vm.Interrupt("sandbox: stop requested")
}

// Destroy releases the handle. If a state path was configured at
// Create, the plugin's `state` global (if any) is serialized to it.
func (h *Host) Destroy() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cfg.StatePath == "" {
		return nil
	}
	v := h.vm.Get("state")
	if v == nil || goja.IsUndefined(v) {
		return nil
	}
	raw, err := json.Marshal(v.Export())
	if err != nil {
		return fmt.Errorf("sandbox: serializing state: %w", err)
	}
	tmp := h.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("sandbox: writing state: %w", err)
	}
	return os.Rename(tmp, h.cfg.StatePath)
}

// terminate marks the handle dead and returns a descriptive error; must
// be called with mu held.
func (h *Host) terminate(cause error) error {
	h.dead = fmt.Errorf("sandbox: handle terminated: %w", cause)
	return h.dead
}

func codeFromValue(v goja.Value) (Code, bool) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return CodeSent, true
	}
	n := v.ToInteger()
	return Code(n), true
}

func describeRunError(err error) string {
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		return fmt.Sprintf("interrupted: %v", ie.Value())
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return ex.Error()
	}
	return err.Error()
}
