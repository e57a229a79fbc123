package analysis

import (
	"context"
	"os"
	"path/filepath"
	"sync"
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
	mu        sync.Mutex
	processed []string
	processFn func(msg *frame.Message) (sandbox.Code, error)
	destroyed bool
}

func (h *fakeHost) Init() error { return nil }

func (h *fakeHost) Process(msg *frame.Message, cp *checkpoint.Value, seq int64) (sandbox.Code, error) {
	h.mu.Lock()
	h.processed = append(h.processed, msg.Payload)
	h.mu.Unlock()
	if h.processFn != nil {
		return h.processFn(msg)
	}
	return sandbox.CodeSent, nil
}

func (h *fakeHost) MemoryUsage() int64 { return 0 }
func (h *fakeHost) OutputUsage() int64 { return 0 }

func (h *fakeHost) Stop() {}

func (h *fakeHost) Destroy() error {
	h.mu.Lock()
	h.destroyed = true
	h.mu.Unlock()
	return nil
}

func (h *fakeHost) calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.processed))
	copy(out, h.processed)
	return out
}

func testDeps(t *testing.T) (Deps, string) {
	t.Helper()
	dir := t.TempDir()
	inputDir := filepath.Join(dir, "input")
	w, err := queue.NewWriter(inputDir, 0, 1<<20)
	if err != nil {
		t.Fatalf("NewWriter (input): %v", err)
	}
	t.Cleanup(func() { w.Close() })

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

	writeMessage(t, w, "m1")

	return Deps{
		Store:          store,
		Writer:         aw,
		InputDir:       inputDir,
		InputRollSize:  1 << 20,
		QueueName:      "input",
		ReaderName:     "analysis",
		Registry:       registry.New(),
		SourceDir:      dir,
		OutputPath:     dir,
		MaxMessageSize: 1 << 20,
		PollInterval:   5 * time.Millisecond,
	}, inputDir
}

func writeMessage(t *testing.T, w *queue.Writer, payload string) {
	t.Helper()
	msg := &frame.Message{Uuid: [16]byte{1, 2, 3}, Timestamp: 1000, Payload: payload}
	if err := w.Append(frame.EncodeMessage(msg)); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestPoolProcessesMatchingPluginAndAdvancesCheckpoint(t *testing.T) {
	deps, _ := testDeps(t)
	h := &fakeHost{}
	deps.NewHost = func(cfg sandbox.CreateConfig) (hostHandle, error) { return h, nil }

	pool := NewPool(1, deps)
	cfg := schema.PluginConfig{Name: "p1", Type: schema.PluginAnalysis, Thread: -1}
	if err := pool.AddPlugin(cfg); err != nil {
		t.Fatalf("AddPlugin: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = pool.Run(ctx)

	if got := h.calls(); len(got) == 0 || got[0] != "m1" {
		t.Fatalf("expected the plugin to process m1, got %v", got)
	}

	v, ok := deps.Store.Get(checkpoint.ReaderKey("input", "analysis"))
	if !ok {
		t.Fatalf("expected the analysis reader checkpoint to be persisted")
	}
	if _, _, ok := v.AsPosition(); !ok {
		t.Fatalf("expected a position value, got %+v", v)
	}
}

func TestPoolSkipsPluginWhenMatcherDoesNotMatch(t *testing.T) {
	deps, _ := testDeps(t)
	h := &fakeHost{}
	deps.NewHost = func(cfg sandbox.CreateConfig) (hostHandle, error) { return h, nil }

	pool := NewPool(1, deps)
	cfg := schema.PluginConfig{Name: "p1", Type: schema.PluginAnalysis, Thread: -1, MessageMatcher: `Payload == "nope"`}
	if err := pool.AddPlugin(cfg); err != nil {
		t.Fatalf("AddPlugin: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = pool.Run(ctx)

	if got := h.calls(); len(got) != 0 {
		t.Fatalf("expected no process() calls for a non-matching plugin, got %v", got)
	}
}

func TestPoolTerminatesPluginOnProcessError(t *testing.T) {
	deps, _ := testDeps(t)
	h := &fakeHost{processFn: func(msg *frame.Message) (sandbox.Code, error) {
		return sandbox.CodeFail, context.DeadlineExceeded
	}}
	deps.NewHost = func(cfg sandbox.CreateConfig) (hostHandle, error) { return h, nil }

	pool := NewPool(1, deps)
	cfg := schema.PluginConfig{Name: "p1", Type: schema.PluginAnalysis, Thread: -1}
	if err := pool.AddPlugin(cfg); err != nil {
		t.Fatalf("AddPlugin: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = pool.Run(ctx)

	if _, err := deps.Registry.Get("p1"); err == nil {
		t.Fatalf("expected the terminated plugin to be removed from the registry")
	}
	if _, err := os.Stat(filepath.Join(deps.OutputPath, "p1.err")); err != nil {
		t.Fatalf("expected an .err file: %v", err)
	}
	h.mu.Lock()
	destroyed := h.destroyed
	h.mu.Unlock()
	if !destroyed {
		t.Fatalf("expected the sandbox to be destroyed on termination")
	}
}

func TestAddPluginRejectsBadMatcher(t *testing.T) {
	deps, _ := testDeps(t)
	pool := NewPool(1, deps)
	cfg := schema.PluginConfig{Name: "p1", Type: schema.PluginAnalysis, MessageMatcher: "((("}
	if err := pool.AddPlugin(cfg); err == nil {
		t.Fatalf("expected a bad matcher to be rejected")
	}
	if deps.Registry.Len() != 0 {
		t.Fatalf("expected the plugin not to be registered after a bad matcher")
	}
}

func TestAddPluginHonorsPinnedThread(t *testing.T) {
	deps, _ := testDeps(t)
	deps.NewHost = func(cfg sandbox.CreateConfig) (hostHandle, error) { return &fakeHost{}, nil }
	pool := NewPool(4, deps)

	cfg := schema.PluginConfig{Name: "pinned", Type: schema.PluginAnalysis, Thread: 2}
	if err := pool.AddPlugin(cfg); err != nil {
		t.Fatalf("AddPlugin: %v", err)
	}

	if len(pool.workers[2].snapshot()) != 1 {
		t.Fatalf("expected the plugin to be assigned to worker 2")
	}
	for i, w := range pool.workers {
		if i == 2 {
			continue
		}
		if len(w.snapshot()) != 0 {
			t.Fatalf("expected worker %d to have no plugins", i)
		}
	}
}
