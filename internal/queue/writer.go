// Package queue implements the append-only on-disk queue shared by the
// input and analysis stages: a writer that rolls numbered log files by
// size, and a reader that resumes from a checkpointed (file_id, offset)
// and tolerates corruption by resynchronizing to the next valid frame.
package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hindsightlabs/hindsight/internal/frame"
	"github.com/hindsightlabs/hindsight/pkg/log"
)

// IoError is the sentinel wrapped into every fatal write/flush failure.
// Per the error handling design, queue I/O failures are fatal: durability
// cannot be guaranteed once an append is lost.
var IoError = errors.New("queue: io error")

// Writer owns the single open file for a queue's current id. All appends
// take w.mu; the lock is held only for the duration of the write and the
// (id, offset) snapshot, never across I/O unrelated to this call.
type Writer struct {
	mu sync.Mutex

	dir      string
	rollSize int64

	id     int64
	offset int64
	f      *os.File

	minReaderID int64

	log *log.Logger
}

// NewWriter opens (creating if absent) {dir}/{startID}.log for append and
// returns a Writer positioned at its current end-of-file offset.
func NewWriter(dir string, startID int64, rollSize int64) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating queue dir %s: %v", IoError, dir, err)
	}

	w := &Writer{
		dir:      dir,
		rollSize: rollSize,
		id:       startID,
		log:      log.Named(fmt.Sprintf("queue=%s role=writer", filepath.Base(dir))),
	}
	if err := w.openCurrent(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) openCurrent() error {
	path := filepath.Join(w.dir, fmt.Sprintf("%d.log", w.id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", IoError, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: stat %s: %v", IoError, path, err)
	}
	w.f = f
	w.offset = info.Size()
	return nil
}

// Append encodes payload as a frame and writes it to the current file.
// If the post-write offset crosses rollSize, the file is flushed, closed,
// and the next-numbered file opened for subsequent appends.
func (w *Writer) Append(payload []byte) error {
	buf := frame.Encode(payload)

	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.f.Write(buf)
	if err != nil {
		return fmt.Errorf("%w: writing to %s: %v", IoError, w.f.Name(), err)
	}
	w.offset += int64(n)

	if w.offset >= w.rollSize {
		if err := w.roll(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) roll() error {
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", IoError, w.f.Name(), err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %v", IoError, w.f.Name(), err)
	}
	w.id++
	w.offset = 0
	if err := w.openCurrent(); err != nil {
		return err
	}
	w.log.Debugf("rolled to file id %d", w.id)
	return nil
}

// Snapshot returns the (id, offset) pair the checkpoint/stats writer uses
// to compute each queue's writer position. Taken under the same lock as
// Append, so it never observes a torn write.
func (w *Writer) Snapshot() (id, offset int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id, w.offset
}

// PublishMinReaderID records the minimum reader id across every consumer
// of this queue, as computed by the checkpoint/stats writer (§4.J). It
// gates Gap, which producers consult to decide when backpressure applies.
func (w *Writer) PublishMinReaderID(id int64) {
	w.mu.Lock()
	w.minReaderID = id
	w.mu.Unlock()
}

// Gap reports writer_id - min_reader_id, the quantity the concurrency
// model's backpressure condition (§5) compares against backpressure_limit.
func (w *Writer) Gap() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	gap := w.id - w.minReaderID
	if gap < 0 {
		return 0
	}
	return gap
}

// Close flushes and closes the current file. Safe to call once at
// shutdown after no more Append calls are in flight.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", IoError, w.f.Name(), err)
	}
	return w.f.Close()
}
