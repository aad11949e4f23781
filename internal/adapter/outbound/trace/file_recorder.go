// Package trace provides persistence for decision trace records: an
// append-only JSON Lines file recorder and an optional SQLite archive
// for ad-hoc querying.
package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/policyshield/policyshield/internal/domain/trace"
)

// Defaults for the file recorder buffering behavior.
const (
	DefaultFlushInterval  = 2 * time.Second
	DefaultFlushThreshold = 64
	DefaultMaxBuffered    = 8192
)

// FileConfig holds configuration for the JSON Lines file recorder.
type FileConfig struct {
	// Path is the trace file location. Parent directories are created as needed.
	Path string
	// FlushInterval is how often buffered records are written (default 2s).
	FlushInterval time.Duration
	// FlushThreshold is the buffered-record count that triggers an early flush (default 64).
	FlushThreshold int
	// MaxBuffered caps the in-memory buffer; records beyond it are dropped (default 8192).
	MaxBuffered int
}

// FileRecorder appends trace records to a JSON Lines file.
//
// Record only buffers; a background goroutine performs the writes so disk
// latency stays out of the request path. The file is opened in append mode,
// and an exclusive flock on a sibling .lock file keeps a second process from
// writing the same trace.
type FileRecorder struct {
	mu     sync.Mutex
	buf    []trace.Record
	file   *os.File
	lock   *os.File
	closed bool
	logger *slog.Logger

	flushThreshold int
	maxBuffered    int
	dropped        atomic.Int64

	kick     chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewFileRecorder opens (or creates) the trace file in append mode and starts
// the background flusher. It fails if another process holds the trace lock.
func NewFileRecorder(cfg FileConfig, logger *slog.Logger) (*FileRecorder, error) {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = DefaultFlushThreshold
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = DefaultMaxBuffered
	}
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create trace directory: %w", err)
		}
	}

	lock, err := os.OpenFile(cfg.Path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open trace lock: %w", err)
	}
	if err := flockTryLock(lock.Fd()); err != nil {
		_ = lock.Close()
		return nil, fmt.Errorf("trace file %s is locked by another process: %w", cfg.Path, err)
	}

	file, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		_ = flockUnlock(lock.Fd())
		_ = lock.Close()
		return nil, fmt.Errorf("open trace file: %w", err)
	}

	r := &FileRecorder{
		file:           file,
		lock:           lock,
		logger:         logger,
		flushThreshold: cfg.FlushThreshold,
		maxBuffered:    cfg.MaxBuffered,
		kick:           make(chan struct{}, 1),
		stopChan:       make(chan struct{}),
	}

	r.wg.Add(1)
	go r.runFlusher(cfg.FlushInterval)

	return r, nil
}

// Record buffers a trace record for the next flush. It never blocks on disk;
// if the buffer is full the record is dropped and counted instead.
func (r *FileRecorder) Record(rec trace.Record) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if len(r.buf) >= r.maxBuffered {
		r.mu.Unlock()
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("trace buffer full, dropping records", "max_buffered", r.maxBuffered)
		}
		return
	}
	r.buf = append(r.buf, rec)
	full := len(r.buf) >= r.flushThreshold
	r.mu.Unlock()

	if full {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

// Flush writes all buffered records and syncs the file to disk.
func (r *FileRecorder) Flush(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.flushLocked(); err != nil {
		return err
	}
	if r.file != nil {
		return r.file.Sync()
	}
	return nil
}

// Close stops the flusher, writes any remaining records, and releases the
// trace lock. Subsequent calls are no-ops.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.flushLocked()
	if err == nil {
		err = r.file.Sync()
	}

	if cerr := r.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	r.file = nil

	_ = flockUnlock(r.lock.Fd())
	if cerr := r.lock.Close(); cerr != nil && err == nil {
		err = cerr
	}

	return err
}

// Dropped returns the number of records discarded because the buffer was full.
func (r *FileRecorder) Dropped() int64 {
	return r.dropped.Load()
}

// flushLocked writes the buffer as JSON lines. On write failure the buffer is
// kept intact so the records are retried on the next flush.
// Must be called with r.mu held.
func (r *FileRecorder) flushLocked() error {
	if len(r.buf) == 0 {
		return nil
	}

	var out []byte
	for _, rec := range r.buf {
		data, err := json.Marshal(rec)
		if err != nil {
			r.logger.Error("marshal trace record", "tool", rec.ToolName, "error", err)
			continue
		}
		out = append(out, data...)
		out = append(out, '\n')
	}

	if _, err := r.file.Write(out); err != nil {
		return fmt.Errorf("write trace records: %w", err)
	}

	r.buf = r.buf[:0]
	return nil
}

// runFlusher drains the buffer on a ticker and whenever the threshold kick fires.
func (r *FileRecorder) runFlusher(interval time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-r.kick:
			r.flushOnce()
		case <-ticker.C:
			r.flushOnce()
		}
	}
}

// flushOnce performs one flush attempt, logging failures instead of
// propagating them so a bad disk never fails a request.
func (r *FileRecorder) flushOnce() {
	r.mu.Lock()
	err := r.flushLocked()
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("trace flush failed, will retry", "error", err)
	}
}

// Compile-time interface verification.
var _ trace.Recorder = (*FileRecorder)(nil)
