package queue

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/hindsightlabs/hindsight/internal/frame"
	"github.com/hindsightlabs/hindsight/pkg/log"
)

var errFileNotExist = errors.New("queue: file not found")

const (
	refillChunk  = 64 * 1024
	waitCycleCap = 60
)

// Reader resumes consumption of a queue from a checkpointed (id, offset),
// scanning for frame boundaries and tolerating corruption by resyncing to
// the next valid frame rather than failing. One Reader is owned by
// exactly one goroutine; it is not safe for concurrent use.
type Reader struct {
	dir      string
	rollSize int64
	name     string

	id     int64
	offset int64
	f      *os.File

	buf     []byte
	scanpos int
	readpos int

	waitCycles     int
	openWaitCycles int

	stopped atomic.Bool
	log     *log.Logger
}

// NewReader constructs a reader positioned at (startID, startOffset).
// Opening the underlying file is deferred to the first Next call so a
// reader can be constructed before its queue directory exists yet.
func NewReader(dir string, startID, startOffset int64, rollSize int64) *Reader {
	return &Reader{
		dir:      dir,
		rollSize: rollSize,
		name:     filepath.Base(dir),
		id:       startID,
		offset:   startOffset,
		buf:      make([]byte, 0, refillChunk),
		log:      log.Named(fmt.Sprintf("queue=%s role=reader", filepath.Base(dir))),
	}
}

// Stop requests cooperative cancellation; the owning goroutine is
// expected to check Stopped() between Next calls and sleeps.
func (r *Reader) Stop() { r.stopped.Store(true) }

// Stopped reports whether Stop has been called.
func (r *Reader) Stopped() bool { return r.stopped.Load() }

// Position returns the reader's current (id, offset), suitable for
// persisting as a checkpoint.
func (r *Reader) Position() (id, offset int64) {
	return r.id, r.offset - int64(r.readpos-r.scanpos)
}

// Close releases the currently open file, if any.
func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// Next attempts to decode one frame. ok=false with err=nil means "nothing
// available right now" (caller should poll again after a short sleep);
// ok=false with err!=nil is a fatal I/O error on the underlying file.
func (r *Reader) Next() ([]byte, bool, error) {
	if err := r.ensureOpen(); err != nil {
		if errors.Is(err, errFileNotExist) {
			return r.handleMissingFile()
		}
		return nil, false, err
	}

	for {
		payload, next, result := frame.Scan(r.buf, r.scanpos, r.readpos)
		switch result {
		case frame.Found:
			r.scanpos = next
			r.waitCycles = 0
			out := append([]byte(nil), payload...)
			return out, true, nil

		case frame.Resync:
			r.log.Warnf("queue=%s id=%d: resyncing past a corrupt frame", r.name, r.id)
			r.scanpos = next
			continue

		case frame.NeedMore, frame.NotFound:
			if result == frame.NotFound {
				r.scanpos = r.readpos
			}
			n, err := r.refill()
			if err != nil {
				return nil, false, err
			}
			if n > 0 {
				continue
			}
			return r.handleEOF()
		}
	}
}

func (r *Reader) ensureOpen() error {
	if r.f != nil {
		return nil
	}
	path := filepath.Join(r.dir, fmt.Sprintf("%d.log", r.id))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errFileNotExist
		}
		return fmt.Errorf("%w: opening %s: %v", IoError, path, err)
	}
	if r.offset > 0 {
		if _, err := f.Seek(r.offset, io.SeekStart); err != nil {
			f.Close()
			return fmt.Errorf("%w: seeking %s: %v", IoError, path, err)
		}
	}
	r.f = f
	r.scanpos = 0
	r.readpos = 0
	r.buf = r.buf[:0]
	return nil
}

func (r *Reader) refill() (int, error) {
	if r.scanpos > 0 {
		copy(r.buf, r.buf[r.scanpos:r.readpos])
		r.readpos -= r.scanpos
		r.scanpos = 0
	}

	var chunk [refillChunk]byte
	n, err := r.f.Read(chunk[:])
	if n > 0 {
		r.buf = append(r.buf[:r.readpos], chunk[:n]...)
		r.readpos += n
		r.offset += int64(n)
	}
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("%w: reading %s: %v", IoError, r.f.Name(), err)
	}
	return n, nil
}

func (r *Reader) handleEOF() ([]byte, bool, error) {
	if r.offset < r.rollSize {
		return nil, false, nil
	}

	nextPath := filepath.Join(r.dir, fmt.Sprintf("%d.log", r.id+1))
	if fileExists(nextPath) {
		r.advanceToID(r.id + 1)
		return r.Next()
	}

	r.waitCycles++
	if r.waitCycles >= waitCycleCap {
		if nextID, ok := r.probeNextID(); ok {
			r.log.Warnf("queue=%s: skipping forward from id %d to id %d (gap in queue directory)", r.name, r.id, nextID)
			r.advanceToID(nextID)
			r.waitCycles = 0
			return r.Next()
		}
	}
	return nil, false, nil
}

func (r *Reader) handleMissingFile() ([]byte, bool, error) {
	r.openWaitCycles++
	if r.openWaitCycles >= waitCycleCap {
		if latest, ok := r.probeLatestID(); ok {
			r.log.Warnf("queue=%s: id %d not found after %d attempts; resetting to latest id %d", r.name, r.id, waitCycleCap, latest)
			r.advanceToID(latest)
			r.openWaitCycles = 0
			return r.Next()
		}
	}
	return nil, false, nil
}

func (r *Reader) advanceToID(id int64) {
	r.Close()
	r.id = id
	r.offset = 0
	r.scanpos = 0
	r.readpos = 0
	r.buf = r.buf[:0]
}

// probeNextID scans the queue directory for the smallest existing id
// strictly greater than the reader's current id.
func (r *Reader) probeNextID() (int64, bool) {
	ids := r.listIDs()
	best := int64(-1)
	for _, id := range ids {
		if id > r.id && (best == -1 || id < best) {
			best = id
		}
	}
	return best, best != -1
}

// probeLatestID scans the queue directory for the largest existing id.
func (r *Reader) probeLatestID() (int64, bool) {
	ids := r.listIDs()
	best := int64(-1)
	for _, id := range ids {
		if id > best {
			best = id
		}
	}
	return best, best != -1
}

func (r *Reader) listIDs() []int64 {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil
	}
	var ids []int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".log") {
			continue
		}
		idStr := strings.TrimSuffix(name, ".log")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// MinExistingID returns the smallest id with a {id}.log file present in
// dir, used by the checkpoint store's lookup_reader fallback when a
// stored reader position is absent.
func MinExistingID(dir string) (int64, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, false
	}
	best := int64(-1)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".log") {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(name, ".log"), 10, 64)
		if err != nil {
			continue
		}
		if best == -1 || id < best {
			best = id
		}
	}
	return best, best != -1
}
