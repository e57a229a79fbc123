// Package registry owns the in-memory set of running plugins: their
// lifecycle state, stats, and (for analysis/output plugins) compiled
// matcher. A registry's list_lock protects membership only — it is never
// held across a plugin call.
package registry

import (
	"math"
	"sync"
	"time"

	"github.com/hindsightlabs/hindsight/internal/matcher"
	"github.com/hindsightlabs/hindsight/pkg/schema"
)

// State is a plugin's lifecycle position. Transitions only move forward,
// except Terminated which is absorbing.
type State int

const (
	StateCreated State = iota
	StateInitialized
	StateRunning
	StateStopping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// runningStat accumulates a Welford mean/variance for one timing series,
// matching the stats file's "mean/SD" column pairs without needing full
// histogram buckets.
type runningStat struct {
	count int64
	mean  float64
	m2    float64
	sum   float64
}

func (r *runningStat) add(v float64) {
	r.count++
	delta := v - r.mean
	r.mean += delta / float64(r.count)
	r.m2 += delta * (v - r.mean)
	r.sum += v
}

func (r *runningStat) meanStddev() (mean, stddev float64) {
	if r.count == 0 {
		return 0, 0
	}
	if r.count < 2 {
		return r.mean, 0
	}
	return r.mean, math.Sqrt(r.m2 / float64(r.count-1))
}

// Stats holds the counters and timing accumulators the stats writer
// (§4.J) reads once per second and the periodic stats files (§6) report.
type Stats struct {
	InjectCount     int64
	InjectBytes     int64
	ProcessCount    int64
	ProcessFailed   int64
	CurrentMemory   int64
	MaxMemory       int64
	MaxOutputBytes  int64
	MaxInstructions int64

	matcherTiming runningStat
	processTiming runningStat
	timerTiming   runningStat
}

// MatcherMeanStddev/ProcessMeanStddev/TimerMeanStddev expose the three
// timing series the stats file publishes, in nanoseconds.
func (s *Stats) MatcherMeanStddev() (float64, float64) { return s.matcherTiming.meanStddev() }
func (s *Stats) ProcessMeanStddev() (float64, float64) { return s.processTiming.meanStddev() }
func (s *Stats) TimerMeanStddev() (float64, float64)   { return s.timerTiming.meanStddev() }

// MatcherTotalNanos/ProcessTotalNanos/TimerTotalNanos expose each timing
// series' cumulative total, letting a caller (the stats writer) diff two
// snapshots to recover time spent in a given interval without re-deriving
// it from a running mean.
func (s *Stats) MatcherTotalNanos() float64 { return s.matcherTiming.sum }
func (s *Stats) ProcessTotalNanos() float64 { return s.processTiming.sum }
func (s *Stats) TimerTotalNanos() float64   { return s.timerTiming.sum }

// Plugin is one running plugin instance: identity, lifecycle state,
// accumulated stats, and (for analysis/output plugins) its compiled
// matcher. All mutable fields are behind mu, the cp_lock analog the
// concurrency model names.
type Plugin struct {
	Name   string
	Type   schema.PluginType
	Config schema.PluginConfig

	mu      sync.Mutex
	state   State
	matcher *matcher.Matcher
	stats   Stats
	lastErr error
}

// New constructs a plugin in the Created state. m is nil for input
// plugins, which have no matcher. MaxInstructions is seeded from the
// plugin's configured instruction_limit: the interpreter has no native
// instruction counter (see sandbox.Limits), so the configured budget is
// the only instruction figure available to report.
func New(cfg schema.PluginConfig, m *matcher.Matcher) *Plugin {
	p := &Plugin{Name: cfg.Name, Type: cfg.Type, Config: cfg, matcher: m}
	p.stats.MaxInstructions = cfg.InstructionLimit
	return p
}

func (p *Plugin) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetState enforces forward-only transitions (Terminated is absorbing);
// it silently ignores a backward or no-op request rather than erroring,
// since callers race benignly during shutdown.
func (p *Plugin) SetState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateTerminated || s < p.state {
		return
	}
	p.state = s
}

// Matcher returns the compiled matcher, or nil for input plugins.
func (p *Plugin) Matcher() *matcher.Matcher {
	return p.matcher
}

// LastError returns the error that caused termination, if any.
func (p *Plugin) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Plugin) SetLastError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastErr = err
}

// RecordInject accounts for one inject_message call of n bytes.
func (p *Plugin) RecordInject(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.InjectCount++
	p.stats.InjectBytes += int64(n)
}

// RecordProcess accounts for one process() call's outcome and duration.
func (p *Plugin) RecordProcess(d time.Duration, failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.ProcessCount++
	if failed {
		p.stats.ProcessFailed++
	}
	p.stats.processTiming.add(float64(d.Nanoseconds()))
}

// RecordMatcherEval accounts for one matcher evaluation's duration.
func (p *Plugin) RecordMatcherEval(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.matcherTiming.add(float64(d.Nanoseconds()))
}

// RecordTimer accounts for one timer() callback's duration.
func (p *Plugin) RecordTimer(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.timerTiming.add(float64(d.Nanoseconds()))
}

// RecordMemory updates current and running-max memory observations.
func (p *Plugin) RecordMemory(current int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.CurrentMemory = current
	if current > p.stats.MaxMemory {
		p.stats.MaxMemory = current
	}
}

// RecordOutput updates the running maximum of bytes injected within a
// single Process/Init/Timer call.
func (p *Plugin) RecordOutput(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > p.stats.MaxOutputBytes {
		p.stats.MaxOutputBytes = n
	}
}

// StatsSnapshot returns a copy of the plugin's stats for the stats
// writer, which reads it without holding the plugin's own lock across
// any I/O.
func (p *Plugin) StatsSnapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
