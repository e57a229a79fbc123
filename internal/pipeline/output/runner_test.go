package output

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hindsightlabs/hindsight/internal/checkpoint"
	"github.com/hindsightlabs/hindsight/internal/frame"
	"github.com/hindsightlabs/hindsight/internal/queue"
	"github.com/hindsightlabs/hindsight/internal/registry"
	"github.com/hindsightlabs/hindsight/internal/sandbox"
	"github.com/hindsightlabs/hindsight/pkg/schema"
)

type fakeHost struct {
	ack       sandbox.AckFunc
	calls     []int64
	payloads  []string
	processFn func(n int, seq int64) (sandbox.Code, error)
	timerN    int
}

func (h *fakeHost) Init() error { return nil }

func (h *fakeHost) Process(msg *frame.Message, cp *checkpoint.Value, seq int64) (sandbox.Code, error) {
	h.calls = append(h.calls, seq)
	if msg != nil {
		h.payloads = append(h.payloads, msg.Payload)
	}
	if h.processFn != nil {
		return h.processFn(len(h.calls), seq)
	}
	return sandbox.CodeSent, nil
}

func (h *fakeHost) Timer(now int64) error { h.timerN++; return nil }
func (h *fakeHost) MemoryUsage() int64    { return 0 }
func (h *fakeHost) OutputUsage() int64    { return 0 }
func (h *fakeHost) Stop()                 {}
func (h *fakeHost) Destroy() error        { return nil }

func fakeFactory(h *fakeHost) HostFactory {
	return func(cfg sandbox.CreateConfig) (hostHandle, error) {
		h.ack = cfg.Ack
		return h, nil
	}
}

type testEnv struct {
	dir         string
	inputDir    string
	analysisDir string
	inputW      *queue.Writer
	analysisW   *queue.Writer
	store       *checkpoint.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	inputDir := filepath.Join(dir, "input")
	iw, err := queue.NewWriter(inputDir, 0, 1<<20)
	if err != nil {
		t.Fatalf("NewWriter (input): %v", err)
	}
	t.Cleanup(func() { iw.Close() })

	analysisDir := filepath.Join(dir, "analysis")
	aw, err := queue.NewWriter(analysisDir, 0, 1<<20)
	if err != nil {
		t.Fatalf("NewWriter (analysis): %v", err)
	}
	t.Cleanup(func() { aw.Close() })

	store, err := checkpoint.Open(filepath.Join(dir, "hindsight.cp"))
	if err != nil {
		t.Fatalf("checkpoint.Open: %v", err)
	}

	return &testEnv{dir: dir, inputDir: inputDir, analysisDir: analysisDir, inputW: iw, analysisW: aw, store: store}
}

func (e *testEnv) writeInput(t *testing.T, payload string, ts int64) {
	t.Helper()
	msg := &frame.Message{Uuid: [16]byte{1, 2, 3}, Timestamp: ts, Payload: payload}
	if err := e.inputW.Append(frame.EncodeMessage(msg)); err != nil {
		t.Fatalf("append input: %v", err)
	}
}

func (e *testEnv) writeAnalysis(t *testing.T, payload string, ts int64) {
	t.Helper()
	msg := &frame.Message{Uuid: [16]byte{4, 5, 6}, Timestamp: ts, Payload: payload}
	if err := e.analysisW.Append(frame.EncodeMessage(msg)); err != nil {
		t.Fatalf("append analysis: %v", err)
	}
}

func (e *testEnv) deps() Deps {
	return Deps{
		Store:            e.store,
		InputDir:         e.inputDir,
		InputRollSize:    1 << 20,
		AnalysisDir:      e.analysisDir,
		AnalysisRollSize: 1 << 20,
		Registry:         registry.New(),
		SourceDir:        e.dir,
		OutputPath:       e.dir,
		MaxMessageSize:   1 << 20,
		IdleInterval:     5 * time.Millisecond,
		RetryInterval:    5 * time.Millisecond,
	}
}

func runFor(r *Runner, d time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	r.Run(ctx)
}

func TestRunSentAdvancesCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	env.writeInput(t, "m1", 1000)
	deps := env.deps()
	h := &fakeHost{}
	deps.NewHost = fakeFactory(h)

	cfg := schema.PluginConfig{Name: "out-a", Type: schema.PluginOutput, ReadQueue: schema.ReadQueueInput}
	r := New(cfg, deps)
	runFor(r, 100*time.Millisecond)

	if len(h.calls) == 0 {
		t.Fatalf("expected at least one process() call")
	}
	v, ok := env.store.Get(checkpoint.ReaderKey("input", "out-a"))
	if !ok {
		t.Fatalf("expected the reader checkpoint to be persisted")
	}
	if _, _, ok := v.AsPosition(); !ok {
		t.Fatalf("expected a position value, got %+v", v)
	}
}

func TestRunSkipsNonMatchingMessage(t *testing.T) {
	env := newTestEnv(t)
	env.writeInput(t, "m1", 1000)
	deps := env.deps()
	h := &fakeHost{}
	deps.NewHost = fakeFactory(h)

	cfg := schema.PluginConfig{Name: "out-b", Type: schema.PluginOutput, ReadQueue: schema.ReadQueueInput, MessageMatcher: `Payload == "nope"`}
	r := New(cfg, deps)
	runFor(r, 80*time.Millisecond)

	if len(h.calls) != 0 {
		t.Fatalf("expected no process() calls for a non-matching message, got %d", len(h.calls))
	}
}

func TestRunRetryReusesSameSequenceID(t *testing.T) {
	env := newTestEnv(t)
	env.writeInput(t, "m1", 1000)
	deps := env.deps()
	h := &fakeHost{
		processFn: func(n int, seq int64) (sandbox.Code, error) {
			if n == 1 {
				return sandbox.CodeRetry, nil
			}
			return sandbox.CodeSent, nil
		},
	}
	deps.NewHost = fakeFactory(h)

	cfg := schema.PluginConfig{Name: "out-c", Type: schema.PluginOutput, ReadQueue: schema.ReadQueueInput}
	r := New(cfg, deps)
	runFor(r, 150*time.Millisecond)

	if len(h.calls) < 2 {
		t.Fatalf("expected a retry to call process() again, got %d calls", len(h.calls))
	}
	if h.calls[0] != h.calls[1] {
		t.Fatalf("expected the retried call to reuse sequence id %d, got %d", h.calls[0], h.calls[1])
	}
}

func TestRunAsyncDefersCheckpointUntilAck(t *testing.T) {
	env := newTestEnv(t)
	env.writeInput(t, "m1", 1000)
	deps := env.deps()
	h := &fakeHost{
		processFn: func(n int, seq int64) (sandbox.Code, error) { return sandbox.CodeAsync, nil },
	}
	deps.NewHost = fakeFactory(h)

	cfg := schema.PluginConfig{Name: "out-d", Type: schema.PluginOutput, ReadQueue: schema.ReadQueueInput, AsyncBufferSize: 4}
	r := New(cfg, deps)
	runFor(r, 80*time.Millisecond)

	if _, ok := env.store.Get(checkpoint.ReaderKey("input", "out-d")); ok {
		t.Fatalf("expected no checkpoint to be persisted before the async ack")
	}

	if err := h.ack(0); err != nil {
		t.Fatalf("ack: %v", err)
	}
	v, ok := env.store.Get(checkpoint.ReaderKey("input", "out-d"))
	if !ok {
		t.Fatalf("expected the checkpoint to be persisted after the ack")
	}
	if _, _, ok := v.AsPosition(); !ok {
		t.Fatalf("expected a position value, got %+v", v)
	}
}

func TestRunTerminatesOnProcessError(t *testing.T) {
	env := newTestEnv(t)
	env.writeInput(t, "m1", 1000)
	deps := env.deps()
	h := &fakeHost{
		processFn: func(n int, seq int64) (sandbox.Code, error) { return sandbox.CodeFail, errors.New("boom") },
	}
	deps.NewHost = fakeFactory(h)

	cfg := schema.PluginConfig{Name: "out-e", Type: schema.PluginOutput, ReadQueue: schema.ReadQueueInput}
	r := New(cfg, deps)
	runFor(r, 100*time.Millisecond)

	if deps.Registry.Len() != 0 {
		t.Fatalf("expected the terminated plugin to be removed from the registry")
	}
	if _, err := os.Stat(filepath.Join(deps.OutputPath, "out-e.err")); err != nil {
		t.Fatalf("expected an .err file: %v", err)
	}
}

func TestRunBothQueuesOrdersByTimestampOldestFirst(t *testing.T) {
	env := newTestEnv(t)
	env.writeInput(t, "newer", 2000)
	env.writeAnalysis(t, "older", 1000)
	deps := env.deps()
	h := &fakeHost{}
	deps.NewHost = fakeFactory(h)

	cfg := schema.PluginConfig{Name: "out-f", Type: schema.PluginOutput, ReadQueue: schema.ReadQueueBoth}
	r := New(cfg, deps)
	runFor(r, 100*time.Millisecond)

	if len(h.calls) < 2 {
		t.Fatalf("expected both messages to be delivered, got %d calls", len(h.calls))
	}
	if h.payloads[0] != "older" || h.payloads[1] != "newer" {
		t.Fatalf("expected oldest-first delivery [older newer], got %v", h.payloads)
	}
	if _, ok := env.store.Get(checkpoint.ReaderKey("input", "out-f")); !ok {
		t.Fatalf("expected the input reader checkpoint to advance")
	}
	if _, ok := env.store.Get(checkpoint.ReaderKey("analysis", "out-f")); !ok {
		t.Fatalf("expected the analysis reader checkpoint to advance")
	}
}

func TestRunIdlePathFiresTimerOnTickerInterval(t *testing.T) {
	env := newTestEnv(t)
	deps := env.deps()
	h := &fakeHost{}
	deps.NewHost = fakeFactory(h)

	cfg := schema.PluginConfig{Name: "out-g", Type: schema.PluginOutput, ReadQueue: schema.ReadQueueInput, TickerInterval: 1}
	r := New(cfg, deps)
	runFor(r, 60*time.Millisecond)

	if h.timerN == 0 {
		t.Fatalf("expected the idle path to fire the plugin's timer entry point")
	}
}

func TestRunWritesErrFileWhenPluginFailsToLoad(t *testing.T) {
	env := newTestEnv(t)
	deps := env.deps()
	deps.NewHost = func(cfg sandbox.CreateConfig) (hostHandle, error) {
		return nil, errors.New("compile error")
	}

	cfg := schema.PluginConfig{Name: "out-h", Type: schema.PluginOutput, ReadQueue: schema.ReadQueueInput}
	r := New(cfg, deps)
	runFor(r, 20*time.Millisecond)

	if _, err := os.Stat(filepath.Join(deps.OutputPath, "out-h.err")); err != nil {
		t.Fatalf("expected an .err file for a load failure: %v", err)
	}
	if deps.Registry.Len() != 0 {
		t.Fatalf("expected the plugin not to remain registered after a load failure")
	}
}
