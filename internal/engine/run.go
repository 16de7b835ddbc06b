// Package engine drives a pull: it partitions the server's manifest,
// schedules batch, file and database transfers with bounded concurrency
// and packs the workspace into the final archive.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"time"

	"github.com/bamsammich/sitepull/internal/api"
	"github.com/bamsammich/sitepull/internal/archive"
	"github.com/bamsammich/sitepull/internal/client"
	"github.com/bamsammich/sitepull/internal/dbstream"
	"github.com/bamsammich/sitepull/internal/event"
	"github.com/bamsammich/sitepull/internal/manifest"
	"github.com/bamsammich/sitepull/internal/platform"
	"github.com/bamsammich/sitepull/internal/stats"
)

// DefaultConcurrency is the number of batch/file requests kept in flight.
const DefaultConcurrency = 4

var (
	// ErrIncomplete means the archive was built but some part of the site
	// could not be transferred.
	ErrIncomplete = errors.New("transfer incomplete")
	// ErrNetwork wraps transport and HTTP protocol failures.
	ErrNetwork = errors.New("network error")
)

// Remote is the server protocol as seen by a pull.
type Remote interface {
	Fetcher
	dbstream.API
	manifest.Source
	Ping(ctx context.Context) (api.PingResponse, error)
	ManifestInit(ctx context.Context) (api.ManifestInitResponse, error)
	ManifestFinish(ctx context.Context, jobID string) error
	DBMeta(ctx context.Context) (api.DBMetaResponse, error)
	Host() string
}

// Config describes a pull.
type Config struct {
	Remote    Remote
	Stats     *stats.Collector
	Events    chan<- event.Event
	Now       func() time.Time
	Site      string // recorded in the sidecar
	OutputDir string

	Partition    manifest.PartitionConfig
	PageSize     int
	Concurrency  int
	DBBudget     time.Duration
	PollInterval time.Duration

	SkipDB    bool
	SkipFiles bool
}

// Result is the outcome of a pull.
type Result struct {
	Err         error
	Archive     string
	Sidecar     archive.Sidecar
	Database    DBStatus
	Stats       stats.Snapshot
	ArchiveSize int64
}

// Run executes a pull, blocking until the archive is written or the run
// fails. The workspace is always removed before Run returns.
func Run(ctx context.Context, cfg Config) Result {
	if cfg.Remote == nil {
		return Result{Err: errors.New("no remote configured")}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	collector := cfg.Stats
	if collector == nil {
		collector = stats.NewCollector()
	}
	res := Result{Database: DBSkipped}
	finish := func(err error) Result {
		res.Stats = collector.Snapshot()
		res.Err = err
		return res
	}

	ping, err := cfg.Remote.Ping(ctx)
	if err != nil {
		return finish(classify(fmt.Errorf("ping: %w", err)))
	}
	slog.Debug("server ready", "version", ping.Version, "content_dir", ping.ContentDir, "database", ping.Database)

	ws, err := archive.CreateWorkspace(cfg.OutputDir, ping.ContentDir)
	if err != nil {
		return finish(err)
	}
	defer func() {
		if err := archive.CleanupWorkspace(ws.Root); err != nil {
			slog.Warn("cleanup workspace", "path", ws.Root, "error", err)
		}
	}()

	var part manifest.Partition
	if !cfg.SkipFiles {
		part, err = collectManifest(ctx, cfg)
		if err != nil {
			return finish(classify(err))
		}
		collector.SetTotals(int64(part.TotalFiles), part.TotalBytes)
		event.Emit(cfg.Events, event.Event{
			Type:      event.ManifestReady,
			Total:     int64(part.TotalFiles),
			TotalSize: part.TotalBytes,
			Files:     len(part.Batches),
		})
	}

	var (
		db      *DatabaseTransfer
		stream  *dbstream.Stream
		dbBytes int64
	)
	if !cfg.SkipDB && ping.Database {
		if meta, err := cfg.Remote.DBMeta(ctx); err != nil {
			slog.Warn("database estimate unavailable", "error", err)
		} else {
			collector.SetDBRowsTotal(meta.TotalRows)
			dbBytes = meta.TotalApproxBytes
		}
		stream, err = startDatabase(ctx, cfg, collector)
		if err != nil {
			return finish(classify(err))
		}
		defer func() {
			if err := stream.Finish(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("release database export", "error", err)
			}
		}()
		db = databaseTransfer(stream, ws.DBPath(), collector, len(part.Batches)+len(part.Large) > 0)
	} else if !cfg.SkipDB {
		slog.Info("server has no database configured; skipping export")
	}

	checkFreeSpace(cfg.OutputDir, part.TotalBytes+dbBytes)

	// Alongside file transfers the export advances between scheduling
	// passes and the database transfer only downloads the result.
	var tick func()
	if stream != nil && len(part.Batches)+len(part.Large) > 0 {
		tick = func() { stream.Advance(ctx) }
	}

	orch, err := NewOrchestrator(OrchestratorConfig{
		Fetcher:      cfg.Remote,
		Database:     db,
		Stats:        collector,
		Events:       cfg.Events,
		Tick:         tick,
		Batches:      part.Batches,
		Large:        part.Large,
		ContentDir:   ws.ContentDir,
		MirrorDir:    ws.MirrorDir(),
		TempDir:      ws.TempDir(),
		Concurrency:  cfg.Concurrency,
		PollInterval: cfg.PollInterval,
	})
	if err != nil {
		return finish(err)
	}
	out, err := orch.Run(ctx)
	res.Database = out.Database
	if err != nil {
		return finish(err)
	}

	name := archive.Name(cfg.Remote.Host(), cfg.Now())
	dest := filepath.Join(cfg.OutputDir, name)
	size, err := archive.Build(ctx, ws, dest)
	if err != nil {
		return finish(err)
	}
	res.Archive, res.ArchiveSize = dest, size
	event.Emit(cfg.Events, event.Event{Type: event.ArchiveBuilt, Path: dest, Size: size})

	snap := collector.Snapshot()
	var tables int
	if stream != nil {
		tables = stream.Progress().CompletedTables
	}
	res.Sidecar, err = writeSidecar(cfg, dest, size, snap, out, tables)
	if err != nil {
		// The archive itself is fine; keep it.
		slog.Warn("write sidecar", "error", err)
	}

	switch {
	case out.Database == DBFailed:
		return finish(fmt.Errorf("%w: database: %w", ErrIncomplete, classify(out.DatabaseErr)))
	case snap.FilesFailed > 0 || snap.BatchesFailed > 0:
		return finish(fmt.Errorf("%w: %d files failed", ErrIncomplete, snap.FilesFailed))
	}
	return finish(nil)
}

func collectManifest(ctx context.Context, cfg Config) (manifest.Partition, error) {
	job, err := cfg.Remote.ManifestInit(ctx)
	if err != nil {
		return manifest.Partition{}, fmt.Errorf("start manifest: %w", err)
	}
	defer func() {
		if err := cfg.Remote.ManifestFinish(context.WithoutCancel(ctx), job.JobID); err != nil {
			slog.Debug("release manifest job", "error", err)
		}
	}()
	slog.Debug("manifest ready", "job", job.JobID, "files", job.TotalFiles, "bytes", job.TotalBytes)

	part, err := manifest.Collect(ctx, cfg.Remote, job.JobID, cfg.PageSize, cfg.Partition)
	if err != nil {
		return manifest.Partition{}, err
	}
	return part, nil
}

// startDatabase creates the export job up front so an init failure aborts
// the run before any transfer starts.
func startDatabase(ctx context.Context, cfg Config, collector *stats.Collector) (*dbstream.Stream, error) {
	stream := dbstream.New(cfg.Remote, dbstream.Options{
		Budget: cfg.DBBudget,
		OnProgress: func(p dbstream.Progress) {
			collector.SetDBProgress(p.RowsProcessed, p.BytesWritten)
			event.Emit(cfg.Events, event.Event{
				Type:  event.DBProgress,
				Rows:  p.RowsProcessed,
				Total: p.TotalRows,
				Size:  p.BytesWritten,
			})
		},
	})
	if err := stream.Start(ctx); err != nil {
		return nil, err
	}
	return stream, nil
}

// databaseTransfer downloads the export once it is done. When interleaved
// is false nothing else ticks the stream, so the transfer drives it.
func databaseTransfer(stream *dbstream.Stream, dest string, collector *stats.Collector, interleaved bool) *DatabaseTransfer {
	return &DatabaseTransfer{
		Dest: dest,
		Run: func(ctx context.Context, dest string) (int64, error) {
			defer func() {
				if err := stream.Finish(context.WithoutCancel(ctx)); err != nil {
					slog.Warn("release database export", "error", err)
				}
			}()
			wait := stream.Wait
			if !interleaved {
				wait = stream.Drive
			}
			if err := wait(ctx); err != nil {
				return 0, err
			}
			return stream.Download(ctx, dest, collector.AddBytesTransferred)
		},
	}
}

func checkFreeSpace(dir string, need int64) {
	short, err := platform.Shortfall(dir, need)
	if err != nil {
		slog.Debug("free space check skipped", "error", err)
		return
	}
	if short > 0 {
		slog.Warn("output directory may run out of space",
			"dir", dir,
			"need", stats.FormatBytes(need),
			"short", stats.FormatBytes(short))
	}
}

func writeSidecar(
	cfg Config,
	dest string,
	size int64,
	snap stats.Snapshot,
	out Outcome,
	tables int,
) (archive.Sidecar, error) {
	sc := archive.Sidecar{
		CreatedAt: cfg.Now().UTC(),
		Site:      cfg.Site,
		Archive:   filepath.Base(dest),
		Size:      size,
		Files: archive.SidecarFiles{
			OK:      snap.FilesOK,
			Failed:  snap.FilesFailed,
			Skipped: snap.FilesSkipped,
			Bytes:   snap.BytesTransferred,
		},
		Database: archive.SidecarDatabase{
			Status: string(out.Database),
			Tables: tables,
			Rows:   snap.DBRows,
			Bytes:  out.DatabaseSize,
		},
	}
	sum, err := archive.Checksum(dest)
	if err != nil {
		return sc, err
	}
	sc.Blake3 = sum
	return sc, archive.WriteSidecar(dest, sc)
}

// classify tags transport and HTTP failures with ErrNetwork.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrNetwork) {
		return err
	}
	var (
		urlErr    *url.Error
		statusErr *client.StatusError
	)
	if errors.As(err, &urlErr) || errors.As(err, &statusErr) || errors.Is(err, client.ErrUnauthorized) {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	return err
}
