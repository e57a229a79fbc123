package sandbox

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Limits bounds what a single plugin handle may consume. The engine
// (goja) has no native per-runtime memory or instruction accounting, so
// MemoryBytes and InstructionCount are enforced by a watchdog goroutine
// rather than the interpreter itself: MemoryBytes samples process heap
// growth since the handle was created (a coarse, shared-process
// approximation, not a hard per-plugin cap), and InstructionCount is
// converted to a wall-clock budget using assumedOpsPerSecond. OutputBytes
// and MaxMessageSize are exact, checked directly against the byte lengths
// of payloads a plugin passes to inject_message.
type Limits struct {
	MemoryBytes      int64
	InstructionCount int64
	OutputBytes      int64
	MaxMessageSize   int64
}

// assumedOpsPerSecond calibrates InstructionCount into a CPU-time budget.
// It is a deliberately conservative estimate for a tree-walking
// interpreter running typical plugin logic.
const assumedOpsPerSecond = 20_000_000

const watchdogInterval = 10 * time.Millisecond

// instructionBudget converts an instruction count limit into a duration.
// A zero or negative count means unlimited.
func instructionBudget(count int64) time.Duration {
	if count <= 0 {
		return 0
	}
	return time.Duration(count) * time.Second / assumedOpsPerSecond
}

// watchdog interrupts a running Host when either the per-call instruction
// budget elapses or sampled heap growth exceeds MemoryBytes. It is armed
// at the start of every Process/Init/Timer call and disarmed when the
// call returns.
type watchdog struct {
	host     *Host
	limits   Limits
	baseHeap uint64
	armed    atomic.Bool
	stopCh   chan struct{}
}

func newWatchdog(h *Host, limits Limits) *watchdog {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return &watchdog{host: h, limits: limits, baseHeap: ms.HeapAlloc, stopCh: make(chan struct{})}
}

// arm starts (or re-starts) the timed window for one call into the VM.
func (w *watchdog) arm() (disarm func()) {
	w.armed.Store(true)
	deadline := time.Now().Add(instructionBudget(w.limits.InstructionCount))
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(watchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				if w.limits.InstructionCount > 0 && !now.Before(deadline) {
					w.host.vm.Interrupt(ErrInstructionLimit)
					return
				}
				if w.limits.MemoryBytes > 0 && w.heapGrowth() > uint64(w.limits.MemoryBytes) {
					w.host.vm.Interrupt(ErrMemoryLimit)
					return
				}
			}
		}
	}()

	return func() {
		w.armed.Store(false)
		close(done)
	}
}

func (w *watchdog) heapGrowth() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapAlloc <= w.baseHeap {
		return 0
	}
	return ms.HeapAlloc - w.baseHeap
}
