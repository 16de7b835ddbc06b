// Package dbexport serializes a database to SQL text across many short,
// time-budgeted calls. Job state lives in a jobstore.Store so every call
// resumes where the previous one stopped.
package dbexport

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bamsammich/sitepull/internal/api"
	"github.com/bamsammich/sitepull/internal/jobstore"
)

// KeyPrefix namespaces export job records in a shared store.
const KeyPrefix = "db:"

var (
	ErrJobNotFound  = errors.New("export job not found")
	ErrNotCompleted = errors.New("export job not completed")
	ErrJobFailed    = errors.New("export job failed")
)

// estimatedRowBytes sizes the slow-path byte estimate.
const estimatedRowBytes = 256

// Options tunes a Manager. Zero fields take defaults.
type Options struct {
	Now         func() time.Time
	Dir         string        // where export files are written; os.TempDir() if empty
	TTL         time.Duration // job record lifetime, refreshed on every call
	BatchRows   int           // rows fetched per step
	InsertGroup int           // rows per INSERT statement
}

// DefaultOptions returns the default export tuning.
func DefaultOptions() Options {
	return Options{
		Now:         time.Now,
		Dir:         os.TempDir(),
		TTL:         15 * time.Minute,
		BatchRows:   2000,
		InsertGroup: 50,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Now == nil {
		o.Now = def.Now
	}
	if o.Dir == "" {
		o.Dir = def.Dir
	}
	if o.TTL <= 0 {
		o.TTL = def.TTL
	}
	if o.BatchRows <= 0 {
		o.BatchRows = def.BatchRows
	}
	if o.InsertGroup <= 0 {
		o.InsertGroup = def.InsertGroup
	}
	return o
}

// Job is the persisted state of one export.
type Job struct {
	ID              string   `json:"job_id"`
	State           string   `json:"state"`
	FilePath        string   `json:"file_path"`
	Tables          []string `json:"tables"`
	CompletedTables []string `json:"completed_tables"`
	Warnings        []string `json:"warnings,omitempty"`
	TableIndex      int      `json:"current_table_index"`
	TableOffset     int64    `json:"current_table_offset"`
	BytesWritten    int64    `json:"bytes_written"`
	TotalRows       int64    `json:"total_rows_estimate"`
	EstimatedBytes  int64    `json:"estimated_bytes"`
	RowsProcessed   int64    `json:"rows_processed"`
}

// Done reports whether the job reached a terminal state.
func (j *Job) Done() bool {
	return j.State != api.StateRunning
}

// Meta is a quick size estimate of the whole database.
type Meta struct {
	Tables      []string
	TotalRows   int64
	ApproxBytes int64
	IsEstimate  bool // figures come from catalog statistics, not a count
}

// Manager runs export jobs against one database.
type Manager struct {
	db      *sql.DB
	dialect Dialect
	store   jobstore.Store
	opts    Options

	locks sync.Map // job id -> *sync.Mutex
}

// NewManager creates an export manager.
func NewManager(db *sql.DB, dialect Dialect, store jobstore.Store, opts Options) *Manager {
	return &Manager{
		db:      db,
		dialect: dialect,
		store:   store,
		opts:    opts.withDefaults(),
	}
}

// Dialect returns the manager's SQL dialect.
func (m *Manager) Dialect() Dialect { return m.dialect }

func (m *Manager) lock(id string) func() {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex) //nolint:forcetypeassert // only *sync.Mutex is stored
	mu.Lock()
	return mu.Unlock
}

// Meta lists the tables and estimates their size. The catalog fast path is
// tried first; if it is unavailable every table is counted.
func (m *Manager) Meta(ctx context.Context) (Meta, error) {
	tables, err := m.dialect.ListTables(ctx, m.db)
	if err != nil {
		return Meta{}, err
	}
	meta := Meta{Tables: tables}

	rows, bytes, err := m.dialect.FastEstimate(ctx, m.db)
	if err == nil {
		meta.TotalRows, meta.ApproxBytes, meta.IsEstimate = rows, bytes, true
		return meta, nil
	}
	slog.Debug("fast estimate unavailable, counting rows", "error", err)

	for _, t := range tables {
		var n int64
		q := "SELECT COUNT(*) FROM " + m.dialect.QuoteIdent(t)
		if err := m.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
			return Meta{}, fmt.Errorf("count rows of %s: %w", t, err)
		}
		meta.TotalRows += n
	}
	meta.ApproxBytes = meta.TotalRows * estimatedRowBytes
	return meta, nil
}

// Init snapshots the table list, writes the preamble to a fresh export file
// and persists a running job.
func (m *Manager) Init(ctx context.Context) (*Job, error) {
	meta, err := m.Meta(ctx)
	if err != nil {
		return nil, fmt.Errorf("estimate database: %w", err)
	}

	id := uuid.NewString()
	job := &Job{
		ID:              id,
		State:           api.StateRunning,
		FilePath:        filepath.Join(m.opts.Dir, "sitepull-db-"+id+".sql"),
		Tables:          meta.Tables,
		CompletedTables: []string{},
		TotalRows:       meta.TotalRows,
		EstimatedBytes:  meta.ApproxBytes,
	}

	f, err := os.OpenFile(job.FilePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create export file: %w", err)
	}
	header := fmt.Sprintf("-- sitepull database export\n-- Dialect: %s\n-- Created: %s\n\n%s\n",
		m.dialect.Name(), m.opts.Now().UTC().Format(time.RFC3339), m.dialect.Preamble())
	if len(job.Tables) == 0 {
		header += m.dialect.Postscript()
		job.State = api.StateCompleted
	}
	n, err := io.WriteString(f, header)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(job.FilePath)
		return nil, fmt.Errorf("write preamble: %w", err)
	}
	job.BytesWritten = int64(n)

	if err := m.save(ctx, job); err != nil {
		os.Remove(job.FilePath)
		return nil, err
	}
	slog.Debug("export job started", "job", id, "tables", len(job.Tables), "rows", job.TotalRows)
	return job, nil
}

// Process advances the job for at most budget (the last step may overrun
// by one batch). Terminal jobs are returned unchanged. Failures while
// exporting are recorded on the job, not returned.
func (m *Manager) Process(ctx context.Context, id string, budget time.Duration) (*Job, error) {
	unlock := m.lock(id)
	defer unlock()

	job, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Done() {
		return job, nil
	}

	if err := m.run(ctx, job, budget); err != nil {
		slog.Warn("export job failed", "job", id, "table_index", job.TableIndex, "error", err)
		job.State = api.StateFailed
		job.Warnings = append(job.Warnings, err.Error())
	}

	if err := m.save(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (m *Manager) run(ctx context.Context, job *Job, budget time.Duration) (err error) {
	f, err := os.OpenFile(job.FilePath, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("open export file: %w", err)
	}
	// Drop anything written by a call whose job record was never saved.
	if err := f.Truncate(job.BytesWritten); err != nil {
		f.Close()
		return fmt.Errorf("truncate export file: %w", err)
	}
	cw := &countingWriter{w: f}
	bw := bufio.NewWriterSize(cw, 256*1024)
	defer func() {
		if ferr := bw.Flush(); err == nil && ferr != nil {
			err = fmt.Errorf("flush export file: %w", ferr)
		}
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close export file: %w", cerr)
		}
		job.BytesWritten += cw.n
	}()

	start := time.Now()
	for job.TableIndex < len(job.Tables) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.step(ctx, bw, job); err != nil {
			return err
		}
		if time.Since(start) >= budget {
			break
		}
	}

	if job.TableIndex >= len(job.Tables) {
		if _, err := bw.WriteString("\n" + m.dialect.Postscript()); err != nil {
			return fmt.Errorf("write postscript: %w", err)
		}
		job.State = api.StateCompleted
		slog.Debug("export job completed", "job", job.ID, "rows", job.RowsProcessed)
	}
	return nil
}

// step exports one batch of the current table.
func (m *Manager) step(ctx context.Context, w *bufio.Writer, job *Job) error {
	table := job.Tables[job.TableIndex]
	q := m.dialect.QuoteIdent(table)

	if job.TableOffset == 0 {
		create, err := m.dialect.CreateStatement(ctx, m.db, table)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\n-- Table structure for %s\nDROP TABLE IF EXISTS %s;\n%s;\n\n", table, q, create)
	}

	keys, err := m.dialect.SortKey(ctx, m.db, table)
	if err != nil {
		return err
	}
	query := "SELECT * FROM " + q
	if len(keys) > 0 {
		query += " ORDER BY " + strings.Join(keys, ", ")
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", m.opts.BatchRows, job.TableOffset)
	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("read %s at offset %d: %w", table, job.TableOffset, err)
	}
	n, err := m.writeRows(w, q, rows)
	rows.Close()
	if err != nil {
		return fmt.Errorf("export %s at offset %d: %w", table, job.TableOffset, err)
	}

	job.RowsProcessed += n
	if n < int64(m.opts.BatchRows) {
		job.CompletedTables = append(job.CompletedTables, table)
		job.TableIndex++
		job.TableOffset = 0
		return nil
	}
	job.TableOffset += n
	return nil
}

// writeRows renders rows as multi-row INSERT statements of at most
// InsertGroup rows each and returns the number of rows written.
func (m *Manager) writeRows(w *bufio.Writer, table string, rows *sql.Rows) (int64, error) {
	cols, err := rows.Columns()
	if err != nil {
		return 0, err
	}
	numeric := make([]bool, len(cols))
	if types, err := rows.ColumnTypes(); err == nil {
		for i, ct := range types {
			numeric[i] = isNumericType(ct.DatabaseTypeName())
		}
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = m.dialect.QuoteIdent(c)
	}
	header := fmt.Sprintf("INSERT INTO %s (%s) VALUES\n", table, strings.Join(quoted, ", "))

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	var total int64
	inGroup := 0
	lits := make([]string, len(cols))
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return total, err
		}
		for i, v := range vals {
			if numeric[i] {
				lits[i] = numericLiteral(m.dialect, v)
			} else {
				lits[i] = Literal(m.dialect, v)
			}
		}

		if inGroup == 0 {
			w.WriteString(header)
		} else {
			w.WriteString(",\n")
		}
		w.WriteString("(" + strings.Join(lits, ", ") + ")")
		inGroup++
		total++

		if inGroup == m.opts.InsertGroup {
			w.WriteString(";\n")
			inGroup = 0
		}
	}
	if err := rows.Err(); err != nil {
		return total, err
	}
	if inGroup > 0 {
		w.WriteString(";\n")
	}
	// bufio.Writer keeps the first write error; surface it here.
	if _, err := w.Write(nil); err != nil {
		return total, err
	}
	return total, nil
}

// DownloadPath returns the export file of a completed job.
func (m *Manager) DownloadPath(ctx context.Context, id string) (string, error) {
	job, err := m.load(ctx, id)
	if err != nil {
		return "", err
	}
	switch job.State {
	case api.StateCompleted:
		return job.FilePath, nil
	case api.StateFailed:
		return "", fmt.Errorf("%w: %s", ErrJobFailed, strings.Join(job.Warnings, "; "))
	default:
		return "", ErrNotCompleted
	}
}

// Finish deletes the export file and the job record. Unknown or expired
// jobs are a no-op.
func (m *Manager) Finish(ctx context.Context, id string) error {
	unlock := m.lock(id)
	defer func() {
		unlock()
		m.locks.Delete(id)
	}()

	job, err := m.load(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.Remove(job.FilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove export file: %w", err)
	}
	return m.store.Delete(ctx, KeyPrefix+id)
}

// Release removes the export file of a swept job record.
func (m *Manager) Release(value []byte) {
	var job Job
	if err := json.Unmarshal(value, &job); err != nil {
		slog.Warn("discarding unreadable export job", "error", err)
		return
	}
	m.locks.Delete(job.ID)
	if err := os.Remove(job.FilePath); err != nil && !os.IsNotExist(err) {
		slog.Warn("remove expired export file", "job", job.ID, "error", err)
		return
	}
	slog.Debug("expired export job removed", "job", job.ID)
}

func (m *Manager) load(ctx context.Context, id string) (*Job, error) {
	raw, err := m.store.Get(ctx, KeyPrefix+id)
	if errors.Is(err, jobstore.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (m *Manager) save(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := m.store.Put(ctx, KeyPrefix+job.ID, raw, m.opts.TTL); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
