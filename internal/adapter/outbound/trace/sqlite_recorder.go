package trace

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/policyshield/policyshield/internal/domain/rule"
	"github.com/policyshield/policyshield/internal/domain/trace"
)

// SQLiteRecorder archives trace records to a SQLite database so decisions can
// be queried after the fact. Like the file recorder it buffers in memory and
// writes in batches on a background goroutine, one transaction per flush.
type SQLiteRecorder struct {
	mu     sync.Mutex
	buf    []trace.Record
	db     *sql.DB
	closed bool
	logger *slog.Logger

	flushThreshold int
	maxBuffered    int
	dropped        atomic.Int64

	kick     chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewSQLiteRecorder opens (or creates) the archive database, enables WAL mode,
// runs migrations, and starts the background flusher.
func NewSQLiteRecorder(dbPath string, logger *slog.Logger) (*SQLiteRecorder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open trace database: %w", err)
	}

	// modernc.org/sqlite allows a single writer; funnel everything through
	// one connection to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	r := &SQLiteRecorder{
		db:             db,
		logger:         logger,
		flushThreshold: DefaultFlushThreshold,
		maxBuffered:    DefaultMaxBuffered,
		kick:           make(chan struct{}, 1),
		stopChan:       make(chan struct{}),
	}

	if err := r.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate trace database: %w", err)
	}

	logger.Info("trace archive initialized", "path", dbPath)

	r.wg.Add(1)
	go r.runFlusher(DefaultFlushInterval)

	return r, nil
}

// migrate creates the decisions table and its indexes.
func (r *SQLiteRecorder) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		tool_name TEXT NOT NULL,
		verdict TEXT NOT NULL,
		rule_id TEXT NOT NULL DEFAULT '',
		pii_types TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		args_hash TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_session ON decisions(session_id);
	CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(ts);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Record buffers a trace record for the next batch insert. It never blocks on
// the database; if the buffer is full the record is dropped and counted.
func (r *SQLiteRecorder) Record(rec trace.Record) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if len(r.buf) >= r.maxBuffered {
		r.mu.Unlock()
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("trace archive buffer full, dropping records", "max_buffered", r.maxBuffered)
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

// Flush inserts all buffered records in a single transaction.
func (r *SQLiteRecorder) Flush(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked()
}

// Close stops the flusher, writes any remaining records, and closes the
// database. Subsequent calls are no-ops.
func (r *SQLiteRecorder) Close() error {
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
	if cerr := r.db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// RecentDecisions returns up to limit archived decisions, newest first.
// An empty sessionID matches all sessions.
func (r *SQLiteRecorder) RecentDecisions(sessionID string, limit int) ([]trace.Record, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ts, session_id, tool_name, verdict, rule_id, pii_types, message, args_hash
		FROM decisions WHERE 1=1`
	args := []any{}

	if sessionID != "" {
		query += " AND session_id = ?"
		args = append(args, sessionID)
	}

	query += " ORDER BY ts DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var records []trace.Record
	for rows.Next() {
		var rec trace.Record
		var ts, verdict, piiTypes string
		if err := rows.Scan(&ts, &rec.SessionID, &rec.ToolName, &verdict,
			&rec.RuleID, &piiTypes, &rec.Message, &rec.ArgsHash); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}

		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		rec.Verdict = rule.Verdict(verdict)
		if piiTypes != "" {
			rec.PIITypes = strings.Split(piiTypes, ",")
		}

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}

	return records, nil
}

// flushLocked inserts the buffer in one transaction. On failure the
// transaction rolls back and the buffer is kept for the next attempt.
// Must be called with r.mu held.
func (r *SQLiteRecorder) flushLocked() error {
	if len(r.buf) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin trace transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO decisions (ts, session_id, tool_name, verdict, rule_id, pii_types, message, args_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare trace insert: %w", err)
	}

	for _, rec := range r.buf {
		_, err := stmt.Exec(
			rec.Timestamp.UTC().Format(time.RFC3339Nano),
			rec.SessionID,
			rec.ToolName,
			string(rec.Verdict),
			rec.RuleID,
			strings.Join(rec.PIITypes, ","),
			rec.Message,
			rec.ArgsHash,
		)
		if err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return fmt.Errorf("insert trace record: %w", err)
		}
	}

	if err := stmt.Close(); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("close trace statement: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trace records: %w", err)
	}

	r.buf = r.buf[:0]
	return nil
}

// runFlusher drains the buffer on a ticker and whenever the threshold kick fires.
func (r *SQLiteRecorder) runFlusher(interval time.Duration) {
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

func (r *SQLiteRecorder) flushOnce() {
	r.mu.Lock()
	err := r.flushLocked()
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("trace archive flush failed, will retry", "error", err)
	}
}

// Compile-time interface verification.
var _ trace.Recorder = (*SQLiteRecorder)(nil)
