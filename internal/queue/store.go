package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"logship-agent/config"
	"logship-agent/internal/model"
)

// ErrStoreUnavailable is returned when the queue file or its directory
// cannot be created or written.
var ErrStoreUnavailable = errors.New("queue: store unavailable")

// ErrStoreClosed is returned for operations issued after Close.
var ErrStoreClosed = errors.New("queue: store closed")

// Dropped counts records removed by each eviction stage of one cycle.
type Dropped struct {
	Oversize int // serialized record larger than MaxLogEntrySize
	Overflow int // oldest records removed to get under MaxLogSize
	Expired  int // records older than RetentionPeriod
}

func (d Dropped) Total() int {
	return d.Oversize + d.Overflow + d.Expired
}

// Store is the durable queue of pending records: one JSON record per line,
// append-only between upload cycles, atomically rewritten at commit. All
// file access runs on a single worker goroutine, so mutations are totally
// ordered and a reader never observes interleaved writes. Append is
// fire-and-forget; Drain/Commit/Stats wait for the worker's reply.
type Store struct {
	path     string
	settings *config.Holder

	tasks chan func()
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewStore(path string, settings *config.Holder) *Store {
	s := &Store{
		path:     path,
		settings: settings,
		tasks:    make(chan func(), 256),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Store) run() {
	defer s.wg.Done()
	for task := range s.tasks {
		task()
	}
}

// Close stops the worker after it finishes the queued work.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.tasks)
	s.wg.Wait()
}

func (s *Store) submit(task func()) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	s.tasks <- task
	return true
}

// Append serializes one record and enqueues it for the store worker to
// write. It never blocks on an upload in progress and returns without
// waiting for the disk write. A record whose serialized form exceeds
// MaxLogEntrySize is dropped at write time; write failures are logged and
// the record is dropped, the next append retries the file naturally.
func (s *Store) Append(rec model.LogRecord) {
	ok := s.submit(func() {
		if err := s.appendRecord(rec); err != nil {
			log.Error().Err(err).Str("file", s.path).Msg("Failed to append record, dropping")
		}
	})
	if !ok {
		log.Warn().Msg("Append after store close, dropping record")
	}
}

func (s *Store) appendRecord(rec model.LogRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if max := s.settings.Load().MaxLogEntrySize; max > 0 && int64(len(line))+1 > max {
		log.Warn().Int("size", len(line)+1).Int64("max_log_entry_size", max).Msg("Record exceeds entry size limit, dropping at write time")
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: create directory: %v", ErrStoreUnavailable, err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open: %v", ErrStoreUnavailable, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("%w: write: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Sync blocks until every previously enqueued task has run. Used by
// shutdown and tests to make the asynchronous appends observable.
func (s *Store) Sync() {
	done := make(chan struct{})
	if !s.submit(func() { close(done) }) {
		return
	}
	<-done
}

// DrainForUpload reads the whole queue file and parses it into a batch.
// The raw bytes of the snapshot are returned alongside so Commit can tell
// which bytes were appended while the batch was being negotiated remotely.
// Unparseable lines are counted, excluded, and permanently dropped: a
// malformed persisted line cannot be repaired, so it is not retried.
func (s *Store) DrainForUpload() (batch []model.LogRecord, raw []byte, parseFailures int, err error) {
	type result struct {
		batch    []model.LogRecord
		raw      []byte
		failures int
		err      error
	}
	ch := make(chan result, 1)
	ok := s.submit(func() {
		b, r, f, e := s.drain()
		ch <- result{b, r, f, e}
	})
	if !ok {
		return nil, nil, 0, ErrStoreClosed
	}
	res := <-ch
	return res.batch, res.raw, res.failures, res.err
}

func (s *Store) drain() ([]model.LogRecord, []byte, int, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, 0, nil
		}
		return nil, nil, 0, fmt.Errorf("%w: read: %v", ErrStoreUnavailable, err)
	}

	var batch []model.LogRecord
	failures := 0
	for _, line := range bytes.Split(raw, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec model.LogRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			failures++
			continue
		}
		batch = append(batch, rec)
	}
	if failures > 0 {
		log.Warn().Int("parse_failures", failures).Str("file", s.path).Msg("Dropped unparseable queue lines")
	}
	return batch, raw, failures, nil
}

// ApplyEvictionPolicies runs the deterministic eviction pipeline over a
// drained batch: per-entry size, then total size oldest-first, then
// retention. Insertion order is the only priority signal. Records without
// a timestamp are never evicted by retention. Each stage is counted and
// logged independently; a zero limit disables its stage.
func (s *Store) ApplyEvictionPolicies(batch []model.LogRecord, now time.Time) ([]model.LogRecord, Dropped) {
	settings := s.settings.Load()
	var dropped Dropped

	survivors := batch
	if settings.MaxLogEntrySize > 0 {
		kept := survivors[:0:len(survivors)]
		for _, rec := range survivors {
			if serializedSize(rec) > settings.MaxLogEntrySize {
				dropped.Oversize++
				continue
			}
			kept = append(kept, rec)
		}
		survivors = kept
		if dropped.Oversize > 0 {
			log.Info().Int("dropped", dropped.Oversize).Int64("max_log_entry_size", settings.MaxLogEntrySize).Msg("Evicted oversize records")
		}
	}

	if settings.MaxLogSize > 0 {
		var total int64
		for _, rec := range survivors {
			total += serializedSize(rec)
		}
		for total > settings.MaxLogSize && len(survivors) > 0 {
			total -= serializedSize(survivors[0])
			survivors = survivors[1:]
			dropped.Overflow++
		}
		if dropped.Overflow > 0 {
			log.Info().Int("dropped", dropped.Overflow).Int64("max_log_size", settings.MaxLogSize).Msg("Evicted oldest records over total size cap")
		}
	}

	if settings.RetentionPeriod > 0 {
		kept := survivors[:0:len(survivors)]
		for _, rec := range survivors {
			if age, ok := rec.Age(now); ok && age > settings.RetentionPeriod {
				dropped.Expired++
				continue
			}
			kept = append(kept, rec)
		}
		survivors = kept
		if dropped.Expired > 0 {
			log.Info().Int("dropped", dropped.Expired).Dur("retention_period", settings.RetentionPeriod).Msg("Evicted records past retention")
		}
	}

	return survivors, dropped
}

// serializedSize is the on-disk footprint of one record: its JSON form
// plus the line separator.
func serializedSize(rec model.LogRecord) int64 {
	line, err := json.Marshal(rec)
	if err != nil {
		return 0
	}
	return int64(len(line)) + 1
}

// Commit atomically rewrites the queue after an upload cycle. snapshot is
// the raw content DrainForUpload returned; anything appended after it is
// preserved verbatim. With no undelivered records the new content is
// exactly that appended tail (delete only what was read); otherwise the
// undelivered records are re-serialized ahead of the tail. The rewrite
// goes through a temp file and rename, so a reader never sees a partial
// file.
func (s *Store) Commit(undelivered []model.LogRecord, snapshot []byte) error {
	ch := make(chan error, 1)
	ok := s.submit(func() {
		ch <- s.commit(undelivered, snapshot)
	})
	if !ok {
		return ErrStoreClosed
	}
	return <-ch
}

func (s *Store) commit(undelivered []model.LogRecord, snapshot []byte) error {
	current, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: read: %v", ErrStoreUnavailable, err)
	}

	var tail []byte
	switch {
	case len(snapshot) <= len(current) && bytes.Equal(current[:len(snapshot)], snapshot):
		tail = current[len(snapshot):]
	default:
		// The worker is the only writer, so the snapshot must be a
		// prefix of the current content.
		log.Warn().Str("file", s.path).Msg("Queue content diverged from drain snapshot, keeping current content")
		tail = current
	}

	var buf bytes.Buffer
	for _, rec := range undelivered {
		line, err := json.Marshal(rec)
		if err != nil {
			log.Error().Err(err).Msg("Failed to re-serialize undelivered record, dropping")
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.Write(tail)

	return s.writeAtomic(buf.Bytes())
}

func (s *Store) writeAtomic(content []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: create directory: %v", ErrStoreUnavailable, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("%w: write temp file: %v", ErrStoreUnavailable, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: rename: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Stats reports the current entry count and byte size of the queue file.
func (s *Store) Stats() (entries int, size int64) {
	type result struct {
		entries int
		size    int64
	}
	ch := make(chan result, 1)
	ok := s.submit(func() {
		raw, err := os.ReadFile(s.path)
		if err != nil {
			ch <- result{}
			return
		}
		count := 0
		for _, line := range bytes.Split(raw, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) > 0 {
				count++
			}
		}
		ch <- result{count, int64(len(raw))}
	})
	if !ok {
		return 0, 0
	}
	res := <-ch
	return res.entries, res.size
}
