// Package warehouse buffers readings and writes them in batches to the
// analytical database: SQLite for a single node, ClickHouse for the
// shared WeSense store.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/config"
	"github.com/wesense-earth/wesense-ingester-homeassistant/internal/transform"
)

// maxBatches bounds how many batches a failing database may back up
// before the oldest rows are dropped.
const maxBatches = 100

// Writer accepts readings for the database.
type Writer interface {
	Write(ctx context.Context, r transform.Reading) error
	Run(ctx context.Context)
	Close(ctx context.Context) error
	Written() uint64
}

// BufferedWriter batches rows and inserts them in one transaction per
// flush. Flushes happen on a timer and when a batch fills. Rows from a
// failed flush are kept for the next attempt.
type BufferedWriter struct {
	db        *sql.DB
	dialect   dialect
	insertSQL string
	batchSize int
	interval  time.Duration
	logger    *slog.Logger

	mu  sync.Mutex
	buf []Row

	flushMu sync.Mutex
	kick    chan struct{}

	written atomic.Uint64
	dropped atomic.Uint64
}

// Open connects to the configured database and returns a writer.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*BufferedWriter, error) {
	dsn := cfg.DSN
	if cfg.Driver == "sqlite3" {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		}
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to %s database: %w", cfg.Driver, err)
	}

	w, err := New(ctx, db, cfg.Driver, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

// New wraps an open database. driver selects the SQL dialect. The
// table is created first when cfg.CreateTable is set.
func New(ctx context.Context, db *sql.DB, driver string, cfg config.DatabaseConfig, logger *slog.Logger) (*BufferedWriter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if !validTable.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval() <= 0 {
		cfg.FlushIntervalSec = 10
	}

	if cfg.CreateTable {
		if _, err := db.ExecContext(ctx, d.createTable(cfg.Table)); err != nil {
			return nil, fmt.Errorf("create table %s: %w", cfg.Table, err)
		}
	}

	return &BufferedWriter{
		db:        db,
		dialect:   d,
		insertSQL: d.insert(cfg.Table),
		batchSize: cfg.BatchSize,
		interval:  cfg.FlushInterval(),
		logger:    logger,
		kick:      make(chan struct{}, 1),
	}, nil
}

// Write buffers a reading. It never touches the database; a full
// batch wakes Run to flush.
func (w *BufferedWriter) Write(_ context.Context, r transform.Reading) error {
	w.mu.Lock()
	w.buf = append(w.buf, RowFromReading(r))
	full := len(w.buf) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Run flushes on the interval and whenever a batch fills, until ctx is
// cancelled. Close performs the final flush.
func (w *BufferedWriter) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.kick:
		}
		if _, err := w.Flush(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("database flush failed, rows kept for retry", "error", err, "buffered", w.Buffered())
		}
	}
}

// Flush writes every buffered row in one transaction and returns how
// many were written. On failure the rows go back to the buffer.
func (w *BufferedWriter) Flush(ctx context.Context) (int, error) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	rows := w.buf
	w.buf = nil
	w.mu.Unlock()

	if len(rows) == 0 {
		return 0, nil
	}

	if err := w.insert(ctx, rows); err != nil {
		w.requeue(rows)
		return 0, err
	}

	w.written.Add(uint64(len(rows)))
	w.logger.Debug("flushed rows to database", "rows", len(rows))
	return len(rows), nil
}

func (w *BufferedWriter) insert(ctx context.Context, rows []Row) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	stmt, err := tx.PrepareContext(ctx, w.insertSQL)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, w.dialect.args(r)...); err != nil {
			return fmt.Errorf("insert row for %s: %w", r.DeviceID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// requeue puts failed rows ahead of anything buffered since, dropping
// the oldest once the backlog exceeds maxBatches batches.
func (w *BufferedWriter) requeue(rows []Row) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(rows, w.buf...)
	if limit := w.batchSize * maxBatches; len(w.buf) > limit {
		drop := len(w.buf) - limit
		w.buf = w.buf[drop:]
		w.dropped.Add(uint64(drop))
		w.logger.Warn("database backlog full, dropped oldest rows", "dropped", drop)
	}
}

// Close flushes what is buffered and closes the database.
func (w *BufferedWriter) Close(ctx context.Context) error {
	_, flushErr := w.Flush(ctx)
	if flushErr != nil {
		w.logger.Error("final database flush failed", "error", flushErr, "rows_lost", w.Buffered())
	}
	err := w.db.Close()
	w.logger.Info("database writer closed",
		"rows_written", w.written.Load(),
		"rows_dropped", w.dropped.Load(),
	)
	if flushErr != nil {
		return flushErr
	}
	return err
}

// Ping checks the database connection.
func (w *BufferedWriter) Ping(ctx context.Context) error {
	return w.db.PingContext(ctx)
}

// Written returns how many rows have been committed.
func (w *BufferedWriter) Written() uint64 {
	return w.written.Load()
}

// Buffered returns how many rows are waiting to be flushed.
func (w *BufferedWriter) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

// Discard is the Writer used when database writes are off. In dry-run
// mode it logs each reading it would have written.
type Discard struct {
	logger *slog.Logger
	dryRun bool
	count  atomic.Uint64
}

// NewDiscard creates a discarding writer.
func NewDiscard(dryRun bool, logger *slog.Logger) *Discard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discard{logger: logger, dryRun: dryRun}
}

// Write counts the reading and drops it.
func (d *Discard) Write(_ context.Context, r transform.Reading) error {
	d.count.Add(1)
	if d.dryRun {
		d.logger.Info("dry run: would write to database", "device_id", r.DeviceID)
	}
	return nil
}

// Run does nothing until ctx is cancelled.
func (d *Discard) Run(ctx context.Context) { <-ctx.Done() }

// Close logs the total.
func (d *Discard) Close(context.Context) error {
	d.logger.Info("database writes disabled", "rows_discarded", d.count.Load())
	return nil
}

// Written returns how many readings were discarded.
func (d *Discard) Written() uint64 {
	return d.count.Load()
}
