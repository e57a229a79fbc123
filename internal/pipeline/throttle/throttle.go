// Package throttle implements the producer-side backpressure sleep from
// the concurrency model: while a queue's writer/reader gap is too wide,
// or free disk space is too low, injections pause briefly between
// attempts instead of a bespoke sleep loop.
package throttle

import (
	"context"
	"syscall"

	"golang.org/x/time/rate"
)

// eventsPerSecond paces repeated throttle checks at ~100ms apart, per
// the concurrency model's "producers ... sleep ~100ms per injection".
const eventsPerSecond = 10

// Queue paces injections into one queue (input or analysis) against a
// configured backpressure_limit and an optional disk-free floor.
type Queue struct {
	limiter           *rate.Limiter
	backpressureLimit int64

	diskCheckPath   string
	minFreeBytes    int64
}

// New constructs a Queue throttle. diskCheckPath empty disables the
// disk-free condition; minFreeBytes is backpressure_df expressed in
// bytes (output_size * backpressure_df, the configured number of
// output-buffer-sized blocks).
func New(backpressureLimit int64, diskCheckPath string, minFreeBytes int64) *Queue {
	return &Queue{
		limiter:           rate.NewLimiter(eventsPerSecond, 1),
		backpressureLimit: backpressureLimit,
		diskCheckPath:     diskCheckPath,
		minFreeBytes:      minFreeBytes,
	}
}

// GapFunc reports the current writer_id - min_reader_id gap for a
// queue; callers recompute it fresh on every throttle iteration since
// readers keep advancing while a producer waits.
type GapFunc func() int64

// Wait blocks the caller while gap() exceeds the configured
// backpressure_limit, or the disk-free condition is active — both must
// clear before Wait returns nil. Each iteration paces itself to roughly
// eventsPerSecond via the underlying rate.Limiter. Returns ctx.Err() if
// the context is canceled while waiting.
func (q *Queue) Wait(ctx context.Context, gap GapFunc) error {
	if q.backpressureLimit <= 0 {
		return nil
	}
	for q.blocked(gap) {
		if err := q.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) blocked(gap GapFunc) bool {
	if gap() > q.backpressureLimit {
		return true
	}
	return q.diskLow()
}

// diskLow reports whether free space at diskCheckPath has fallen below
// minFreeBytes. A stat failure is treated as "not low" — a missing or
// inaccessible path must not wedge the pipeline.
func (q *Queue) diskLow() bool {
	if q.diskCheckPath == "" || q.minFreeBytes <= 0 {
		return false
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(q.diskCheckPath, &stat); err != nil {
		return false
	}
	free := int64(stat.Bavail) * int64(stat.Bsize)
	return free < q.minFreeBytes
}
