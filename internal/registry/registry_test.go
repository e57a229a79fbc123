package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/hindsightlabs/hindsight/pkg/schema"
)

func TestAddGetRemove(t *testing.T) {
	r := New()
	p := New(schema.PluginConfig{Name: "alpha", Type: schema.PluginInput}, nil)

	if err := r.Add(p); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, err := r.Get("alpha")
	if err != nil || got != p {
		t.Fatalf("Get: got (%v, %v)", got, err)
	}
	if r.Len() != 1 {
		t.Fatalf("expected Len 1, got %d", r.Len())
	}

	r.Remove("alpha")
	if r.Len() != 0 {
		t.Fatalf("expected Len 0 after Remove, got %d", r.Len())
	}
	if _, err := r.Get("alpha"); !errors.Is(err, NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestAddRejectsDuplicateName(t *testing.T) {
	r := New()
	p1 := New(schema.PluginConfig{Name: "dup"}, nil)
	p2 := New(schema.PluginConfig{Name: "dup"}, nil)

	if err := r.Add(p1); err != nil {
		t.Fatalf("Add p1: %v", err)
	}
	if err := r.Add(p2); !errors.Is(err, Duplicate) {
		t.Fatalf("expected Duplicate, got %v", err)
	}
}

func TestSnapshotIsSortedAndDecoupledFromLiveMap(t *testing.T) {
	r := New()
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		if err := r.Add(New(schema.PluginConfig{Name: name}, nil)); err != nil {
			t.Fatalf("Add %s: %v", name, err)
		}
	}

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 plugins, got %d", len(snap))
	}
	for i, want := range []string{"alpha", "bravo", "charlie"} {
		if snap[i].Name != want {
			t.Errorf("snapshot[%d] = %q, want %q", i, snap[i].Name, want)
		}
	}

	r.Remove("alpha")
	if len(snap) != 3 {
		t.Fatalf("removing from the registry must not mutate a prior snapshot")
	}
}

func TestPluginStateTransitionsForwardOnly(t *testing.T) {
	p := New(schema.PluginConfig{Name: "x"}, nil)
	if p.State() != StateCreated {
		t.Fatalf("expected initial state Created, got %v", p.State())
	}
	p.SetState(StateRunning)
	if p.State() != StateRunning {
		t.Fatalf("expected Running, got %v", p.State())
	}
	p.SetState(StateInitialized) // backward: ignored
	if p.State() != StateRunning {
		t.Fatalf("expected state to stay Running after backward SetState, got %v", p.State())
	}
	p.SetState(StateTerminated)
	p.SetState(StateRunning) // absorbing: ignored
	if p.State() != StateTerminated {
		t.Fatalf("expected Terminated to be absorbing, got %v", p.State())
	}
}

func TestStatsAccumulateMeanAndStddev(t *testing.T) {
	p := New(schema.PluginConfig{Name: "x"}, nil)
	p.RecordProcess(10*time.Millisecond, false)
	p.RecordProcess(20*time.Millisecond, true)
	p.RecordProcess(30*time.Millisecond, false)

	snap := p.StatsSnapshot()
	if snap.ProcessCount != 3 || snap.ProcessFailed != 1 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
	mean, stddev := snap.ProcessMeanStddev()
	wantMean := float64(20 * time.Millisecond)
	if diff := mean - wantMean; diff > 1 || diff < -1 {
		t.Errorf("mean = %v, want ~%v", mean, wantMean)
	}
	if stddev <= 0 {
		t.Errorf("expected a positive stddev across three distinct samples, got %v", stddev)
	}
}

func TestPartitionHashIsDeterministicAndBounded(t *testing.T) {
	const n = 4
	first := PartitionHash("my-analysis-plugin", n)
	second := PartitionHash("my-analysis-plugin", n)
	if first != second {
		t.Fatalf("expected PartitionHash to be deterministic, got %d then %d", first, second)
	}
	if first < 0 || first >= n {
		t.Fatalf("expected partition in [0,%d), got %d", n, first)
	}
}
