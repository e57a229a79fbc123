// Package checkpoint implements the durable key -> value map described
// in the data model: plugin reader positions, plugin-private opaque
// checkpoints, and per-queue writer ids, all persisted to one file that
// is rewritten atomically (write to .tmp, rename), grounded on the
// memorystore checkpoint writer's atomic-rewrite worker pattern.
package checkpoint

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hindsightlabs/hindsight/internal/queue"
	"github.com/hindsightlabs/hindsight/pkg/log"
)

// IoError is the sentinel wrapped around persistence failures. Per the
// error handling design these are fatal.
var IoError = errors.New("checkpoint: io error")

// LookupMiss is returned by Get (and wrapped by LookupReader's fallback
// path) when a key is absent; callers recover by falling back to a
// directory scan or a default.
var LookupMiss = errors.New("checkpoint: lookup miss")

// Store is the in-memory representation of the checkpoint file; every
// mutation takes mu, matching the design's single-lock discipline for
// both the map and the file rewrite.
type Store struct {
	mu     sync.Mutex
	path   string
	values map[string]Value
	log    *log.Logger
}

// Open loads path if it exists, or starts empty (and will be created on
// first Flush) if it does not.
func Open(path string) (*Store, error) {
	s := &Store{
		path:   path,
		values: make(map[string]Value),
		log:    log.Named("checkpoint"),
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("%w: opening %s: %v", IoError, path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			s.log.Warnf("checkpoint: ignoring unparsable line %q", line)
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val, err := decodeValue(line[eq+1:])
		if err != nil {
			s.log.Warnf("checkpoint: ignoring key %q: %v", key, err)
			continue
		}
		s.values[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", IoError, path, err)
	}

	return s, nil
}

// Get returns the raw value stored under key.
func (s *Store) Get(key string) (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// MustGet is Get with the absent-key case turned into a wrapped
// LookupMiss, for callers that want the sentinel-error idiom instead of
// a boolean.
func (s *Store) MustGet(key string) (Value, error) {
	v, ok := s.Get(key)
	if !ok {
		return Value{}, fmt.Errorf("%w: key %q", LookupMiss, key)
	}
	return v, nil
}

// Set stores v under key, replacing any prior value. Takes effect in
// memory immediately; durability requires a subsequent Flush.
func (s *Store) Set(key string, v Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = v
}

// Delete removes key, used when a plugin's config requests
// rm_cp_terminate on fatal termination.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// DeletePrefix removes every key with the given prefix, used to clear all
// of a terminated plugin's reader-position entries at once.
func (s *Store) DeletePrefix(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			delete(s.values, k)
		}
	}
}

// ReaderKey builds the key under which a plugin's position in a named
// queue is stored.
func ReaderKey(queueName, plugin string) string {
	return queueName + "->" + plugin
}

// PluginKey builds the key under which a plugin's private opaque
// checkpoint (an input plugin's own cursor into its upstream source) is
// stored.
func PluginKey(plugin string) string { return plugin }

// WriterKey builds the key under which a queue writer's last-known id is
// published for the stats writer's watermark computation.
func WriterKey(queueName string) string { return queueName + "->last_output_id" }

// LookupReader returns the (id, offset) pair for plugin's position in
// queueName. If absent, it falls back to scanning queueDir for the
// smallest existing file id and starts there at offset 0, per the
// lookup_reader fallback contract.
func (s *Store) LookupReader(queueDir, queueName, plugin string) (id, offset int64) {
	v, ok := s.Get(ReaderKey(queueName, plugin))
	if ok {
		if pid, poff, ok := v.AsPosition(); ok {
			return pid, poff
		}
	}
	if min, ok := queue.MinExistingID(queueDir); ok {
		return min, 0
	}
	return 0, 0
}

// UpdateReader stores plugin's position in queueName. Durability is
// deferred to the next Flush, matching the design's "in-memory first,
// periodic atomic rewrite" model.
func (s *Store) UpdateReader(queueName, plugin string, id, offset int64) {
	s.Set(ReaderKey(queueName, plugin), PositionValue(id, offset))
}

// Flush writes every entry as one "key = value" line (sorted for
// deterministic output) to {path}.tmp, fsyncs, and renames over path.
func (s *Store) Flush() error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.values))
	lines := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s = %s\n", k, s.values[k].Encode()))
	}
	s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: creating %s: %v", IoError, filepath.Dir(s.path), err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", IoError, tmp, err)
	}
	for _, line := range lines {
		if _, err := f.WriteString(line); err != nil {
			f.Close()
			return fmt.Errorf("%w: writing %s: %v", IoError, tmp, err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: syncing %s: %v", IoError, tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %v", IoError, tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%w: renaming %s to %s: %v", IoError, tmp, s.path, err)
	}
	return nil
}
