// Package logthrottle caps repeated warning/error log lines per
// (plugin, error class) so a plugin stuck in a RETRY loop, or a reader
// repeatedly hitting the same resync condition, cannot flood the log.
// The first occurrence always logs; subsequent occurrences within the
// configured windows are counted and summarized instead.
package logthrottle

import (
	"sync"
	"sync/atomic"
	"time"

	catrate "github.com/joeycumines/go-catrate"

	"github.com/hindsightlabs/hindsight/pkg/log"
)

// category identifies one repeated-condition bucket.
type category struct {
	plugin string
	class  string
}

// Throttle gates repeated log lines through a catrate.Limiter keyed by
// (plugin, error class).
type Throttle struct {
	limiter *catrate.Limiter

	mu        sync.Mutex
	suppressed map[category]*int64
}

// defaultRates allows one line immediately, then caps repeats to a
// handful per minute per category.
func defaultRates() map[time.Duration]int {
	return map[time.Duration]int{
		time.Second: 1,
		time.Minute: 5,
	}
}

// New constructs a Throttle with the default rate windows.
func New() *Throttle {
	return &Throttle{
		limiter:    catrate.NewLimiter(defaultRates()),
		suppressed: make(map[category]*int64),
	}
}

// Warn logs a warning for (plugin, class) if the rate limit allows it;
// otherwise it silently increments a suppressed-count for later
// summary and returns false.
func (t *Throttle) Warn(plugin, class string, v ...interface{}) bool {
	return t.emit(plugin, class, func() { log.Warn(v...) })
}

// Warnf is the formatted form of Warn.
func (t *Throttle) Warnf(plugin, class, format string, v ...interface{}) bool {
	return t.emit(plugin, class, func() { log.Warnf(format, v...) })
}

// Error logs an error for (plugin, class) if the rate limit allows it.
func (t *Throttle) Error(plugin, class string, v ...interface{}) bool {
	return t.emit(plugin, class, func() { log.Error(v...) })
}

// Errorf is the formatted form of Error.
func (t *Throttle) Errorf(plugin, class, format string, v ...interface{}) bool {
	return t.emit(plugin, class, func() { log.Errorf(format, v...) })
}

func (t *Throttle) emit(plugin, class string, logFn func()) bool {
	cat := category{plugin: plugin, class: class}
	_, allowed := t.limiter.Allow(cat)
	if allowed {
		if n := t.drainSuppressed(cat); n > 0 {
			log.Warnf("%s: %s: %d additional occurrences suppressed in the last window", plugin, class, n)
		}
		logFn()
		return true
	}
	t.incrementSuppressed(cat)
	return false
}

func (t *Throttle) incrementSuppressed(cat category) {
	t.mu.Lock()
	counter, ok := t.suppressed[cat]
	if !ok {
		var zero int64
		counter = &zero
		t.suppressed[cat] = counter
	}
	t.mu.Unlock()
	atomic.AddInt64(counter, 1)
}

func (t *Throttle) drainSuppressed(cat category) int64 {
	t.mu.Lock()
	counter, ok := t.suppressed[cat]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	return atomic.SwapInt64(counter, 0)
}
