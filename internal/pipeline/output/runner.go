// Package output implements the output plugin runtime: one goroutine per
// configured output plugin that interleaves reads from the input and/or
// analysis queues (per its read_queue config), evaluates its matcher, and
// calls its process entry point with a monotonically increasing sequence
// id, honoring the SENT/BATCH/ASYNC/RETRY/FAIL outcomes.
package output

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
	Timer(now int64) error
	MemoryUsage() int64
	OutputUsage() int64
	Stop()
	Destroy() error
}

// HostFactory constructs a plugin handle from a sandbox.CreateConfig.
type HostFactory func(cfg sandbox.CreateConfig) (hostHandle, error)

// DefaultHostFactory wires a Runner to the real goja-backed sandbox.
func DefaultHostFactory(cfg sandbox.CreateConfig) (hostHandle, error) {
	return sandbox.Create(cfg)
}

// Deps bundles the collaborators one output plugin runner needs.
type Deps struct {
	Store *checkpoint.Store

	InputDir         string
	InputRollSize    int64
	AnalysisDir      string
	AnalysisRollSize int64

	Registry *registry.Registry
	Errors   *logthrottle.Throttle

	SourceDir      string
	RunPath        string
	OutputPath     string
	MaxMessageSize int64

	IdleInterval  time.Duration // idle-path sleep; defaults to 1s
	RetryInterval time.Duration // RETRY backoff; defaults to 1s
	NewHost       HostFactory

	// OnShutdownTerminate is invoked when a plugin configured with
	// shutdown_terminate terminates fatally, per §7's "optionally kill
	// the whole process" clause.
	OnShutdownTerminate func(pluginName string, cause error)
}

func (d *Deps) setDefaults() {
	if d.IdleInterval <= 0 {
		d.IdleInterval = time.Second
	}
	if d.RetryInterval <= 0 {
		d.RetryInterval = time.Second
	}
	if d.NewHost == nil {
		d.NewHost = DefaultHostFactory
	}
}

// position is a queue read checkpoint: the (file id, byte offset) a
// reader has consumed up to.
type position struct {
	id, offset int64
}

// source wraps one queue.Reader with a single message of read-ahead, so
// the "both" merge policy can compare timestamps before committing to
// which source's message is delivered next.
type source struct {
	queueName string
	reader    *queue.Reader

	pending     *frame.Message
	pendingPos  position
	havePending bool
}

func newSource(queueName, dir string, rollSize, startID, startOffset int64) *source {
	return &source{
		queueName: queueName,
		reader:    queue.NewReader(dir, startID, startOffset, rollSize),
	}
}

// peek decodes and buffers the next message without consuming it, so it
// can be compared against another source's next message.
func (s *source) peek() (*frame.Message, bool, error) {
	if s.havePending {
		return s.pending, true, nil
	}
	for {
		payload, ok, err := s.reader.Next()
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
		msg, err := frame.DecodeMessage(payload)
		if err != nil {
			// Undecodable frame: skip it and keep looking; this is a
			// transient operational condition, not plugin-fatal.
			continue
		}
		id, offset := s.reader.Position()
		s.pending = msg
		s.pendingPos = position{id: id, offset: offset}
		s.havePending = true
		return s.pending, true, nil
	}
}

// consume releases the buffered message, returning the read position it
// occupied so the caller can decide when (or whether) to persist it.
func (s *source) consume() position {
	pos := s.pendingPos
	s.pending = nil
	s.havePending = false
	return pos
}

func (s *source) close() {
	if s.reader != nil {
		s.reader.Close()
	}
}

// asyncTracker implements the "highest contiguous acked prefix" commit
// policy for ASYNC outcomes: process() is free to return before an
// external operation completes, and later reports completion via
// update_checkpoint_callback(seq). The runtime only advances a queue's
// persisted checkpoint through the longest unbroken run of acked
// sequence ids, so a message still in flight never lets a later one's
// position get committed ahead of it. ringSize bounds how far the
// runner can get ahead of the oldest unacked sequence id before it
// blocks, standing in for the spec's configured async ring buffer.
type asyncTracker struct {
	mu         sync.Mutex
	ringSize   int64
	pending    map[int64]position // seq -> position, keyed by the queue it came from
	queueOf    map[int64]string
	acked      map[int64]bool
	nextCommit int64
}

func newAsyncTracker(ringSize int) *asyncTracker {
	if ringSize <= 0 {
		ringSize = 1
	}
	return &asyncTracker{
		ringSize: int64(ringSize),
		pending:  make(map[int64]position),
		queueOf:  make(map[int64]string),
		acked:    make(map[int64]bool),
	}
}

// await blocks until there is room in the ring for another in-flight
// sequence id, or the context/stop channel fires.
func (a *asyncTracker) await(ctx context.Context, stopCh <-chan struct{}, seq int64) error {
	for {
		a.mu.Lock()
		full := seq-a.nextCommit >= a.ringSize
		a.mu.Unlock()
		if !full {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return context.Canceled
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// track records that seq is in flight, pending ack, at position pos in
// queueName.
func (a *asyncTracker) track(seq int64, queueName string, pos position) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[seq] = pos
	a.queueOf[seq] = queueName
}

// ack marks seq complete and returns the (queue, position) pairs now
// safe to persist: every entry in the newly-extended contiguous acked
// prefix.
func (a *asyncTracker) ack(seq int64) map[string]position {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked[seq] = true

	out := make(map[string]position)
	for a.acked[a.nextCommit] {
		if pos, ok := a.pending[a.nextCommit]; ok {
			out[a.queueOf[a.nextCommit]] = pos
			delete(a.pending, a.nextCommit)
			delete(a.queueOf, a.nextCommit)
		}
		delete(a.acked, a.nextCommit)
		a.nextCommit++
	}
	return out
}

// Runner drives one output plugin's goroutine for the lifetime of the
// process, or until the plugin detaches.
type Runner struct {
	cfg  schema.PluginConfig
	deps Deps

	plugin *registry.Plugin
	log    *log.Logger

	stopOnce sync.Once
	stopCh   chan struct{}

	seq   int64
	async *asyncTracker

	mu   sync.Mutex
	host hostHandle

	tickerExpires int64
}

// New constructs a Runner for one configured output plugin.
func New(cfg schema.PluginConfig, deps Deps) *Runner {
	deps.setDefaults()
	return &Runner{
		cfg:    cfg,
		deps:   deps,
		log:    log.Named(fmt.Sprintf("output=%s", cfg.Name)),
		stopCh: make(chan struct{}),
		async:  newAsyncTracker(cfg.AsyncBufferSize),
	}
}

// Stop requests cooperative shutdown.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.mu.Lock()
	h := r.host
	r.mu.Unlock()
	if h != nil {
		h.Stop()
	}
}

// Run executes the plugin's loop (§4.I) until detach.
func (r *Runner) Run(ctx context.Context) {
	r.plugin = registry.New(r.cfg, nil)
	if r.cfg.MessageMatcher != "" {
		m, err := matcher.Compile(r.cfg.MessageMatcher)
		if err != nil {
			r.failPluginLoad(fmt.Errorf("bad matcher: %w", err))
			return
		}
		r.plugin = registry.New(r.cfg, m)
	}
	if err := r.deps.Registry.Add(r.plugin); err != nil {
		r.log.Errorf("register: %v", err)
		return
	}
	defer r.deps.Registry.Remove(r.cfg.Name)

	var inputSrc, analysisSrc *source
	if r.cfg.ReadQueue == schema.ReadQueueInput || r.cfg.ReadQueue == schema.ReadQueueBoth {
		id, offset := r.deps.Store.LookupReader(r.deps.InputDir, "input", r.cfg.Name)
		inputSrc = newSource("input", r.deps.InputDir, r.deps.InputRollSize, id, offset)
		defer inputSrc.close()
	}
	if r.cfg.ReadQueue == schema.ReadQueueAnalysis || r.cfg.ReadQueue == schema.ReadQueueBoth {
		id, offset := r.deps.Store.LookupReader(r.deps.AnalysisDir, "analysis", r.cfg.Name)
		analysisSrc = newSource("analysis", r.deps.AnalysisDir, r.deps.AnalysisRollSize, id, offset)
		defer analysisSrc.close()
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
		Ack: r.ack,
	})
	if err != nil {
		r.failPluginLoad(err)
		return
	}
	r.mu.Lock()
	r.host = host
	r.mu.Unlock()
	defer r.finalize(host)

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

		msg, queueName, src, err := r.next(inputSrc, analysisSrc)
		if err != nil {
			r.log.Errorf("%v", err)
			return
		}
		if msg == nil {
			r.idle(ctx, host)
			continue
		}

		if m := r.plugin.Matcher(); m != nil && !m.Eval(msg) {
			src.consume()
			continue
		}

		if stop := r.deliver(ctx, host, msg, queueName, src); stop {
			return
		}
	}
}

// next returns the next message to deliver, preferring the oldest
// timestamp when both sources have one buffered.
func (r *Runner) next(inputSrc, analysisSrc *source) (*frame.Message, string, *source, error) {
	var inMsg, anMsg *frame.Message
	var err error

	if inputSrc != nil {
		inMsg, _, err = inputSrc.peek()
		if err != nil {
			return nil, "", nil, fmt.Errorf("output %q: reading input queue: %w", r.cfg.Name, err)
		}
	}
	if analysisSrc != nil {
		anMsg, _, err = analysisSrc.peek()
		if err != nil {
			return nil, "", nil, fmt.Errorf("output %q: reading analysis queue: %w", r.cfg.Name, err)
		}
	}

	switch {
	case inMsg == nil && anMsg == nil:
		return nil, "", nil, nil
	case inMsg != nil && anMsg == nil:
		return inMsg, "input", inputSrc, nil
	case inMsg == nil && anMsg != nil:
		return anMsg, "analysis", analysisSrc, nil
	default:
		// Both ready: oldest timestamp first; ties favor input.
		if anMsg.Timestamp < inMsg.Timestamp {
			return anMsg, "analysis", analysisSrc, nil
		}
		return inMsg, "input", inputSrc, nil
	}
}

// deliver calls process() for msg, assigning it the next sequence id,
// and acts on the returned outcome. It returns true when the plugin has
// terminated and the run loop must stop.
func (r *Runner) deliver(ctx context.Context, host hostHandle, msg *frame.Message, queueName string, src *source) bool {
	if err := r.async.await(ctx, r.stopCh, r.seq); err != nil {
		return true
	}

	seq := r.seq
	for {
		start := time.Now()
		code, err := host.Process(msg, nil, seq+1)
		r.plugin.RecordProcess(time.Since(start), err != nil)
		r.plugin.RecordMemory(host.MemoryUsage())
		r.plugin.RecordOutput(host.OutputUsage())
		if err != nil {
			r.terminate(err)
			return true
		}

		switch code {
		case sandbox.CodeSent:
			r.seq = seq + 1
			pos := src.consume()
			r.deps.Store.UpdateReader(queueName, r.cfg.Name, pos.id, pos.offset)
			return false

		case sandbox.CodeBatch:
			// Defer the commit: advance in-memory only. The next SENT
			// or FAIL on the same queue writes a position that already
			// covers this one, since positions are monotonic per queue.
			r.seq = seq + 1
			src.consume()
			return false

		case sandbox.CodeAsync:
			r.seq = seq + 1
			pos := src.consume()
			r.async.track(seq, queueName, pos)
			return false

		case sandbox.CodeRetry:
			select {
			case <-ctx.Done():
				return true
			case <-r.stopCh:
				return true
			case <-time.After(r.deps.RetryInterval):
			}
			continue // same sequence id, same message

		default: // CodeFail: log, drop, advance
			r.seq = seq + 1
			pos := src.consume()
			r.deps.Store.UpdateReader(queueName, r.cfg.Name, pos.id, pos.offset)
			if r.deps.Errors != nil {
				r.deps.Errors.Errorf(r.cfg.Name, "process-fail", "output plugin %q: process returned FAIL for one message", r.cfg.Name)
			} else {
				r.log.Warnf("process returned FAIL for one message")
			}
			return false
		}
	}
}

// ack implements the sandbox.AckFunc bound to update_checkpoint_callback:
// it advances the per-queue reader checkpoints through whatever prefix
// just became contiguous.
func (r *Runner) ack(seq int64) error {
	positions := r.async.ack(seq)
	for q, pos := range positions {
		r.deps.Store.UpdateReader(q, r.cfg.Name, pos.id, pos.offset)
	}
	return nil
}

// idle drives the timer-based idle path: when nothing is readable, fire
// the plugin's timer entry point if its ticker has elapsed, then sleep.
func (r *Runner) idle(ctx context.Context, host hostHandle) {
	if r.cfg.TickerInterval > 0 {
		now := time.Now().UnixMilli()
		if now >= r.tickerExpires {
			if err := host.Timer(now); err != nil {
				r.terminate(err)
				return
			}
			r.tickerExpires = now + int64(r.cfg.TickerInterval)
		}
	}
	select {
	case <-ctx.Done():
	case <-r.stopCh:
	case <-time.After(r.deps.IdleInterval):
	}
}

func (r *Runner) terminate(err error) {
	r.plugin.SetLastError(err)
	r.plugin.SetState(registry.StateTerminated)
	if r.deps.Errors != nil {
		r.deps.Errors.Errorf(r.cfg.Name, "process-fatal", "output plugin %q terminated: %v", r.cfg.Name, err)
	} else {
		r.log.Errorf("terminated: %v", err)
	}
	r.writeErrFile(err)
	if r.cfg.ShutdownTerminate && r.deps.OnShutdownTerminate != nil {
		r.deps.OnShutdownTerminate(r.cfg.Name, err)
	}
}

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

func (r *Runner) finalize(host hostHandle) {
	if host != nil {
		if err := host.Destroy(); err != nil {
			r.log.Errorf("destroy: %v", err)
		}
	}
}
