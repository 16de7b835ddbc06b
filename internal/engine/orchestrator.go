package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bamsammich/sitepull/internal/archive"
	"github.com/bamsammich/sitepull/internal/event"
	"github.com/bamsammich/sitepull/internal/manifest"
	"github.com/bamsammich/sitepull/internal/platform"
	"github.com/bamsammich/sitepull/internal/stats"
)

// Kind is the type of an in-flight transfer.
type Kind uint8

const (
	KindDatabase Kind = iota + 1
	KindBatch
	KindFile
)

var kindNames = [...]string{
	KindDatabase: "database",
	KindBatch:    "batch",
	KindFile:     "file",
}

func (k Kind) String() string {
	if k > 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// DBStatus is the final state of the database part of a pull.
type DBStatus string

const (
	DBSkipped   DBStatus = "skipped"
	DBCompleted DBStatus = "completed"
	DBFailed    DBStatus = "failed"
)

// Fetcher downloads content from the server.
type Fetcher interface {
	DownloadFile(ctx context.Context, path string, w io.Writer) (int64, error)
	DownloadBatch(ctx context.Context, paths []string, w io.Writer) (int64, error)
}

// DatabaseTransfer describes the database export. Run drives the export
// to completion and writes it to dest.
type DatabaseTransfer struct {
	Run  func(ctx context.Context, dest string) (int64, error)
	Dest string
}

// OrchestratorConfig describes one scheduling run.
type OrchestratorConfig struct {
	Fetcher  Fetcher
	Database *DatabaseTransfer
	Stats    *stats.Collector
	Events   chan<- event.Event
	// Tick is called on every scheduling pass.
	Tick func()

	Batches [][]manifest.FileEntry
	Large   []manifest.FileEntry

	ContentDir string // manifest root prefix stripped from file paths
	MirrorDir  string // local directory the asset tree is written to
	TempDir    string // batch zips are downloaded here

	Concurrency  int
	PollInterval time.Duration
}

// Outcome is what the orchestrator reports back once every transfer has
// finished.
type Outcome struct {
	DatabaseErr  error
	Database     DBStatus
	DatabaseSize int64
}

type transfer struct {
	kind  Kind
	dest  string
	entry manifest.FileEntry
	batch []manifest.FileEntry
}

func (t *transfer) label() string {
	switch t.kind {
	case KindFile:
		return t.entry.Path
	case KindBatch:
		return fmt.Sprintf("batch of %d", len(t.batch))
	default:
		return t.kind.String()
	}
}

type completion struct {
	err error
	t   *transfer
	n   int64
}

// Orchestrator moves a partitioned manifest and an optional database
// export from the server into the workspace with at most Concurrency
// batch/file requests outstanding. The database transfer holds its own
// slot for its whole lifetime. Free slots go to batches before large
// files.
type Orchestrator struct {
	cfg      OrchestratorConfig
	partials *partialRegistry
	stats    *stats.Collector
}

// NewOrchestrator validates cfg and applies defaults.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Fetcher == nil && (len(cfg.Batches) > 0 || len(cfg.Large) > 0) {
		return nil, errors.New("fetcher is required")
	}
	if cfg.Database != nil && cfg.Database.Run == nil {
		return nil, errors.New("database transfer has no run function")
	}
	if cfg.MirrorDir == "" || cfg.TempDir == "" {
		return nil, errors.New("mirror and temp directories are required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	st := cfg.Stats
	if st == nil {
		st = stats.NewCollector()
	}
	return &Orchestrator{cfg: cfg, partials: newPartialRegistry(), stats: st}, nil
}

// Run blocks until all transfers are finished or ctx is cancelled.
// Individual failures are counted and never abort siblings. On return no
// partial download is left on disk.
func (o *Orchestrator) Run(ctx context.Context) (Outcome, error) {
	out := Outcome{Database: DBSkipped}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		o.partials.cleanup()
	}()

	// Buffered for every transfer that can be outstanding at once, so
	// senders never block after Run has returned.
	done := make(chan completion, o.cfg.Concurrency+1)
	var active int
	dbActive := false

	start := func(t *transfer) {
		if t.kind == KindDatabase {
			dbActive = true
		} else {
			active++
		}
		event.Emit(o.cfg.Events, event.Event{Type: event.TransferStarted, Path: t.label(), Files: len(t.batch)})
		wg.Go(func() {
			n, err := o.execute(ctx, t)
			done <- completion{t: t, n: n, err: err}
		})
	}

	if db := o.cfg.Database; db != nil {
		start(&transfer{kind: KindDatabase, dest: db.Dest})
	}

	batches, files := o.cfg.Batches, o.cfg.Large
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	handle := func(c completion) {
		if c.t.kind == KindDatabase {
			dbActive = false
		} else {
			active--
		}
		o.complete(c, &out)
	}

	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if o.cfg.Tick != nil {
			o.cfg.Tick()
		}

		for active < o.cfg.Concurrency && (len(batches) > 0 || len(files) > 0) {
			if len(batches) > 0 {
				b := batches[0]
				batches = batches[1:]
				start(&transfer{kind: KindBatch, batch: b})
				continue
			}
			e := files[0]
			files = files[1:]
			t, err := o.fileTransfer(e)
			if err != nil {
				slog.Warn("rejecting manifest entry", "path", e.Path, "error", err)
				o.stats.AddFilesFailed(1)
				event.Emit(o.cfg.Events, event.Event{Type: event.FileFailed, Path: e.Path, Error: err})
				continue
			}
			start(t)
		}

		if active == 0 && !dbActive && len(batches) == 0 && len(files) == 0 {
			return out, nil
		}

		select {
		case c := <-done:
			handle(c)
			// Drain whatever else finished during this pass.
		drain:
			for {
				select {
				case c := <-done:
					handle(c)
				default:
					break drain
				}
			}
		case <-ticker.C:
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}

func (o *Orchestrator) fileTransfer(e manifest.FileEntry) (*transfer, error) {
	rel, err := manifest.StripRoot(o.cfg.ContentDir, e.Path)
	if err != nil {
		return nil, err
	}
	return &transfer{
		kind:  KindFile,
		entry: e,
		dest:  filepath.Join(o.cfg.MirrorDir, filepath.FromSlash(rel)),
	}, nil
}

// execute performs the network part of a transfer. It runs on its own
// goroutine and removes its destination on failure.
func (o *Orchestrator) execute(ctx context.Context, t *transfer) (n int64, err error) {
	if t.kind == KindBatch {
		t.dest = filepath.Join(o.cfg.TempDir, "batch-"+uuid.NewString()+".zip")
	}
	o.partials.register(t.dest)
	defer func() {
		if err != nil {
			if rmErr := os.Remove(t.dest); rmErr != nil && !os.IsNotExist(rmErr) {
				slog.Warn("remove partial download", "path", t.dest, "error", rmErr)
			}
			o.partials.deregister(t.dest)
		}
	}()

	if t.kind == KindDatabase {
		return o.cfg.Database.Run(ctx, t.dest)
	}

	if err := os.MkdirAll(filepath.Dir(t.dest), 0o755); err != nil {
		return 0, fmt.Errorf("create parent dir: %w", err)
	}
	f, err := os.Create(t.dest)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", t.dest, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	w := &countingWriter{w: f, add: o.stats.AddBytesTransferred}
	switch t.kind {
	case KindBatch:
		paths := make([]string, len(t.batch))
		for i, e := range t.batch {
			paths[i] = e.Path
		}
		return o.cfg.Fetcher.DownloadBatch(ctx, paths, w)
	default:
		if err := platform.Preallocate(f, t.entry.Size); err != nil {
			return 0, err
		}
		n, err := o.cfg.Fetcher.DownloadFile(ctx, t.entry.Path, w)
		if err != nil {
			return n, err
		}
		// The file may have shrunk on the server since the scan.
		if n != t.entry.Size {
			if err := f.Truncate(n); err != nil {
				return n, fmt.Errorf("truncate %s: %w", t.dest, err)
			}
		}
		return n, nil
	}
}

// complete records a finished transfer. Batch extraction happens here,
// between scheduling passes.
func (o *Orchestrator) complete(c completion, out *Outcome) {
	t := c.t
	switch t.kind {
	case KindDatabase:
		if c.err != nil {
			slog.Warn("database transfer failed", "error", c.err)
			out.Database, out.DatabaseErr = DBFailed, c.err
			event.Emit(o.cfg.Events, event.Event{Type: event.DBFailed, Error: c.err})
			return
		}
		o.partials.deregister(t.dest)
		out.Database, out.DatabaseSize = DBCompleted, c.n
		event.Emit(o.cfg.Events, event.Event{Type: event.DBCompleted, Path: t.dest, Size: c.n})

	case KindBatch:
		o.completeBatch(c)

	case KindFile:
		if c.err != nil {
			slog.Warn("file transfer failed", "path", t.entry.Path, "error", c.err)
			o.stats.AddFilesFailed(1)
			event.Emit(o.cfg.Events, event.Event{Type: event.FileFailed, Path: t.entry.Path, Error: c.err})
			return
		}
		o.partials.deregister(t.dest)
		if t.entry.MTime > 0 {
			mt := time.Unix(t.entry.MTime, 0)
			_ = os.Chtimes(t.dest, mt, mt)
		}
		o.stats.AddFilesOK(1)
		event.Emit(o.cfg.Events, event.Event{Type: event.FileCompleted, Path: t.entry.Path, Size: c.n})
	}
}

func (o *Orchestrator) completeBatch(c completion) {
	t := c.t
	fail := func(err error, files int) {
		slog.Warn("batch transfer failed", "files", len(t.batch), "error", err)
		o.stats.AddBatchesFailed(1)
		o.stats.AddFilesFailed(int64(files))
		event.Emit(o.cfg.Events, event.Event{Type: event.BatchFailed, Files: len(t.batch), Error: err})
	}
	if c.err != nil {
		fail(c.err, len(t.batch))
		return
	}

	res, err := archive.ExtractBatch(t.dest, o.cfg.MirrorDir, o.cfg.ContentDir)
	if rmErr := os.Remove(t.dest); rmErr != nil {
		slog.Warn("remove batch zip", "path", t.dest, "error", rmErr)
	}
	o.partials.deregister(t.dest)

	got := make(map[string]struct{}, len(res.Extracted))
	for _, name := range res.Extracted {
		got[name] = struct{}{}
	}
	var ok, missing int
	for _, e := range t.batch {
		name, valid := archive.NormalizeEntry(e.Path)
		if _, found := got[name]; valid && found {
			ok++
			continue
		}
		missing++
		if err == nil {
			event.Emit(o.cfg.Events, event.Event{Type: event.FileSkipped, Path: e.Path})
		}
	}
	o.stats.AddFilesOK(int64(ok))

	if err != nil {
		fail(fmt.Errorf("extract batch: %w", err), missing)
		return
	}
	o.stats.AddFilesSkipped(int64(missing))
	o.stats.AddBatchesOK(1)
	event.Emit(o.cfg.Events, event.Event{Type: event.BatchCompleted, Files: ok, Size: c.n})
}

type countingWriter struct {
	w   io.Writer
	add func(int64)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.add(int64(n))
	}
	return n, err
}
