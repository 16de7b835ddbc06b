// Package dbstream drives a server-side database export from the client:
// it starts the job, advances it in time-budgeted steps and streams the
// finished SQL file down.
package dbstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/bamsammich/sitepull/internal/api"
)

// ErrExportFailed is returned once the server reports the job as failed.
var ErrExportFailed = errors.New("database export failed")

// API is the subset of the server protocol the stream needs.
type API interface {
	DBJobInit(ctx context.Context) (api.DBJobInitResponse, error)
	DBJobProcess(ctx context.Context, jobID string, budget time.Duration) (api.DBJobProcessResponse, error)
	DownloadDatabase(ctx context.Context, jobID string, w io.Writer) (int64, error)
	DBJobFinish(ctx context.Context, jobID string) error
}

// Progress is a snapshot of the export as last reported by the server.
type Progress struct {
	JobID           string
	State           string
	Warnings        []string
	BytesWritten    int64
	EstimatedBytes  int64
	RowsProcessed   int64
	TotalRows       int64
	CompletedTables int
	TotalTables     int
	Done            bool
}

// Options tunes a Stream. Zero fields take defaults.
type Options struct {
	OnProgress func(Progress)
	Budget     time.Duration // server-side time slice per process call
	PollEvery  time.Duration // minimum spacing between process calls
}

func (o Options) withDefaults() Options {
	if o.Budget <= 0 {
		o.Budget = api.DefaultProcessBudgetMS * time.Millisecond
	}
	if o.PollEvery <= 0 {
		o.PollEvery = 500 * time.Millisecond
	}
	return o
}

// Stream is one database export seen from the client. Poll, Advance and
// the accessors are safe for concurrent use.
type Stream struct {
	api     API
	limiter *rate.Limiter
	opts    Options

	settled    chan struct{} // closed once the export completes or fails
	settleOnce sync.Once
	polling    atomic.Bool
	polls      sync.WaitGroup

	mu       sync.Mutex
	progress Progress
	err      error
	started  bool
	finished bool
}

// New creates a stream. Call Start before polling.
func New(a API, opts Options) *Stream {
	opts = opts.withDefaults()
	return &Stream{
		api:     a,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.PollEvery), 1),
		settled: make(chan struct{}),
	}
}

// Start creates the export job on the server.
func (s *Stream) Start(ctx context.Context) error {
	resp, err := s.api.DBJobInit(ctx)
	if err != nil {
		return fmt.Errorf("start database export: %w", err)
	}

	s.mu.Lock()
	s.started = true
	s.progress = Progress{
		JobID:          resp.JobID,
		State:          api.StateRunning,
		BytesWritten:   resp.BytesWritten,
		EstimatedBytes: resp.EstimatedBytes,
		TotalRows:      resp.TotalRows,
		TotalTables:    resp.TotalTables,
	}
	p := s.progress
	s.mu.Unlock()

	slog.Debug("database export started", "job", resp.JobID,
		"tables", resp.TotalTables, "rows", resp.TotalRows)
	s.report(p)
	return nil
}

// Poll advances the job by one process call unless one was made less than
// PollEvery ago, in which case it returns immediately. It reports whether
// the export is done. A failed export is done with ErrExportFailed.
func (s *Stream) Poll(ctx context.Context) (bool, error) {
	s.mu.Lock()
	done, err := s.progress.Done, s.err
	s.mu.Unlock()
	if done || err != nil {
		return done, err
	}
	if !s.limiter.Allow() {
		return false, nil
	}
	return s.step(ctx)
}

// Advance runs Poll in the background unless a poll is already in flight
// or the stream was finished. It never blocks; the outcome is observed
// through Wait.
func (s *Stream) Advance(ctx context.Context) {
	if !s.polling.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		s.polling.Store(false)
		return
	}
	s.polls.Go(func() {
		defer s.polling.Store(false)
		if _, err := s.Poll(ctx); err != nil {
			slog.Debug("database export poll", "error", err)
		}
	})
}

// Drive polls the job in a loop, spaced by PollEvery, until it completes
// or fails. Use it when nothing else is advancing the stream.
func (s *Stream) Drive(ctx context.Context) error {
	for {
		if err := s.Err(); err != nil {
			return err
		}
		if s.Done() {
			return nil
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := s.step(ctx); err != nil {
			return err
		}
	}
}

// Wait blocks until the export completes or fails. It does not advance the
// job; something else must be calling Poll or Advance.
func (s *Stream) Wait(ctx context.Context) error {
	select {
	case <-s.settled:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stream) step(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return false, errors.New("database export not started")
	}
	id := s.progress.JobID
	s.mu.Unlock()

	resp, err := s.api.DBJobProcess(ctx, id, s.opts.Budget)
	if err != nil {
		// Transport failures are terminal for this run.
		s.setErr(fmt.Errorf("process database export: %w", err))
		return true, s.Err()
	}

	s.mu.Lock()
	s.progress.State = resp.State
	s.progress.BytesWritten = resp.BytesWritten
	s.progress.RowsProcessed = resp.RowsProcessed
	s.progress.CompletedTables = len(resp.CompletedTables)
	s.progress.Warnings = resp.Warnings
	s.progress.Done = resp.Done
	p := s.progress
	s.mu.Unlock()
	s.report(p)

	if resp.State == api.StateFailed {
		s.setErr(fmt.Errorf("%w: %s", ErrExportFailed, strings.Join(resp.Warnings, "; ")))
		return true, s.Err()
	}
	if resp.Done {
		s.settle()
	}
	return resp.Done, nil
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.settle()
}

func (s *Stream) settle() {
	s.settleOnce.Do(func() { close(s.settled) })
}

func (s *Stream) report(p Progress) {
	if s.opts.OnProgress != nil {
		s.opts.OnProgress(p)
	}
}

// Progress returns the last reported state.
func (s *Stream) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Done reports whether the export finished successfully.
func (s *Stream) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress.Done && s.err == nil
}

// Err returns the terminal error, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// WriteTo streams the finished export into w.
func (s *Stream) WriteTo(ctx context.Context, w io.Writer) (int64, error) {
	if !s.Done() {
		return 0, errors.New("database export not complete")
	}
	n, err := s.api.DownloadDatabase(ctx, s.Progress().JobID, w)
	if err != nil {
		return n, fmt.Errorf("download database export: %w", err)
	}
	return n, nil
}

// Download writes the finished export to dest, calling onBytes as data
// arrives. A partial file is removed on failure.
func (s *Stream) Download(ctx context.Context, dest string, onBytes func(int64)) (n int64, err error) {
	f, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", dest, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dest)
		}
	}()

	var w io.Writer = f
	if onBytes != nil {
		w = &progressWriter{w: f, fn: onBytes}
	}
	if n, err = s.WriteTo(ctx, w); err != nil {
		return n, err
	}
	if err := Verify(dest); err != nil {
		return n, err
	}
	return n, nil
}

// Verify checks that a downloaded export exists. An empty file is logged,
// not rejected.
func Verify(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("database export missing after download: %w", err)
	}
	if fi.Size() == 0 {
		slog.Warn("database export is empty", "path", path)
	}
	return nil
}

// Finish waits for any background poll and releases the job on the
// server. It is safe to call more than once and before Start.
func (s *Stream) Finish(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.finished {
		s.mu.Unlock()
		return nil
	}
	s.finished = true
	id := s.progress.JobID
	s.mu.Unlock()
	s.polls.Wait()

	if err := s.api.DBJobFinish(ctx, id); err != nil {
		return fmt.Errorf("finish database export: %w", err)
	}
	return nil
}

type progressWriter struct {
	w  io.Writer
	fn func(int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	if n > 0 {
		p.fn(int64(n))
	}
	return n, err
}
