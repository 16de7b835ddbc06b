package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"filippo.io/age"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/bamsammich/sitepull/internal/archive"
	"github.com/bamsammich/sitepull/internal/client"
	"github.com/bamsammich/sitepull/internal/config"
	"github.com/bamsammich/sitepull/internal/engine"
	"github.com/bamsammich/sitepull/internal/event"
	"github.com/bamsammich/sitepull/internal/filter"
	"github.com/bamsammich/sitepull/internal/manifest"
	"github.com/bamsammich/sitepull/internal/publish"
	"github.com/bamsammich/sitepull/internal/stats"
	"github.com/bamsammich/sitepull/internal/ui"
)

type pullOptions struct {
	key            string
	output         string
	bwLimit        string
	largeThreshold string
	batchMaxBytes  string
	logFile        string
	encryptTo      string
	site           string
	workers        int
	batchMaxFiles  int
	pageSize       int
	dbBudget       time.Duration
	noDB           bool
	noFiles        bool
	verbose        bool
	quiet          bool
	noProgress     bool
	s3             publish.S3Config
}

func newPullCmd() *cobra.Command {
	def := manifest.DefaultPartitionConfig()
	opts := pullOptions{}

	cmd := &cobra.Command{
		Use:   "pull [flags] <url>",
		Short: "Download a site's files and database into a zip archive",
		Long: `Pull connects to a sitepull server at URL, downloads the content directory
in batches and individual large files, exports the database in resumable
chunks, and packs everything into <host>-<timestamp>.zip in the output
directory, next to a .yaml sidecar describing the run.

Exit status is 0 on success, 2 for usage errors, 3 when the network failed
or part of the site could not be transferred, and 4 for internal errors.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				slog.Warn("failed to load config", "error", err)
			}
			applyConfigDefaults(cmd, cfg.Defaults, &opts)
			return runPull(cmd.Context(), args[0], opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.key, "key", "k", "", "access key (default: $"+config.EnvKey+")")
	f.StringVarP(&opts.output, "output", "o", ".", "directory the archive is written to")
	f.IntVarP(&opts.workers, "workers", "n", engine.DefaultConcurrency, "concurrent batch/file transfers")
	f.StringVar(&opts.bwLimit, "bwlimit", "", "bandwidth limit (e.g. 20M, 1G)")
	f.StringVar(&opts.largeThreshold, "large-threshold", "20M", "files at or above SIZE are downloaded individually")
	f.IntVar(&opts.batchMaxFiles, "batch-max-files", def.BatchMaxFiles, "files per batch zip")
	f.StringVar(&opts.batchMaxBytes, "batch-max-bytes", "25M", "bytes per batch zip")
	f.IntVar(&opts.pageSize, "page-size", manifest.DefaultPageSize, "manifest entries per request")
	f.DurationVar(&opts.dbBudget, "db-budget", 0, "server time slice per database export step (default 5s)")
	f.BoolVar(&opts.noDB, "no-db", false, "skip the database export")
	f.BoolVar(&opts.noFiles, "no-files", false, "skip the content files")
	f.StringVar(&opts.site, "site", "", "site name recorded in the sidecar (default: URL)")
	f.StringVar(&opts.encryptTo, "encrypt-to", "", "encrypt the archive to age recipients (comma separated)")
	f.StringVar(&opts.s3.Bucket, "s3-bucket", "", "upload the archive to this S3 bucket")
	f.StringVar(&opts.s3.Prefix, "s3-prefix", "", "object key prefix for the upload")
	f.StringVar(&opts.s3.Region, "s3-region", "", "S3 region")
	f.StringVar(&opts.s3.Endpoint, "s3-endpoint", "", "S3-compatible endpoint URL")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "suppress all output except errors")
	f.BoolVar(&opts.noProgress, "no-progress", false, "disable the live progress display")
	f.StringVar(&opts.logFile, "log", "", "write structured JSON log to FILE")
	return cmd
}

// applyConfigDefaults applies config file defaults for flags not explicitly set on the CLI.
func applyConfigDefaults(cmd *cobra.Command, defaults config.DefaultsConfig, opts *pullOptions) {
	changed := cmd.Flags().Changed
	if !changed("workers") && defaults.Workers != nil {
		opts.workers = *defaults.Workers
	}
	if !changed("output") && defaults.Output != nil {
		opts.output = *defaults.Output
	}
	if !changed("bwlimit") && defaults.BWLimit != nil {
		opts.bwLimit = *defaults.BWLimit
	}
	if !changed("large-threshold") && defaults.LargeThreshold != nil {
		opts.largeThreshold = *defaults.LargeThreshold
	}
	if !changed("batch-max-files") && defaults.BatchMaxFiles != nil {
		opts.batchMaxFiles = *defaults.BatchMaxFiles
	}
	if !changed("batch-max-bytes") && defaults.BatchMaxBytes != nil {
		opts.batchMaxBytes = *defaults.BatchMaxBytes
	}
	if !changed("db-budget") && defaults.DBBudgetMS != nil {
		opts.dbBudget = time.Duration(*defaults.DBBudgetMS) * time.Millisecond
	}
}

// pullPlan is a validated pull: everything that can be rejected without
// touching the network has been.
type pullPlan struct {
	remote     *client.Client
	partition  manifest.PartitionConfig
	recipients []age.Recipient
}

func planPull(rawURL string, opts pullOptions) (pullPlan, error) {
	var plan pullPlan
	if opts.workers < 1 {
		return plan, fmt.Errorf("--workers must be at least 1, got %d", opts.workers)
	}
	if opts.noDB && opts.noFiles {
		return plan, errors.New("--no-db and --no-files leave nothing to pull")
	}

	var err error
	if plan.partition.LargeThreshold, err = filter.ParseSize(opts.largeThreshold); err != nil {
		return plan, fmt.Errorf("invalid --large-threshold: %w", err)
	}
	if plan.partition.BatchMaxBytes, err = filter.ParseSize(opts.batchMaxBytes); err != nil {
		return plan, fmt.Errorf("invalid --batch-max-bytes: %w", err)
	}
	plan.partition.BatchMaxFiles = opts.batchMaxFiles

	var limiter *rate.Limiter
	if opts.bwLimit != "" {
		bw, err := filter.ParseSize(opts.bwLimit)
		if err != nil {
			return plan, fmt.Errorf("invalid --bwlimit: %w", err)
		}
		if bw > 0 {
			limiter = client.NewBWLimiter(bw)
		}
	}

	if opts.encryptTo != "" {
		if plan.recipients, err = publish.ParseRecipients(opts.encryptTo); err != nil {
			return plan, fmt.Errorf("invalid --encrypt-to: %w", err)
		}
	}

	key := config.ResolveKey(opts.key, nil)
	if key == "" {
		return plan, fmt.Errorf("no access key: pass --key or set %s", config.EnvKey)
	}
	plan.remote, err = client.New(client.Config{
		BaseURL:   rawURL,
		Key:       key,
		Limiter:   limiter,
		UserAgent: "sitepull/" + version,
	})
	if err != nil {
		return plan, err
	}
	return plan, nil
}

//nolint:gocyclo,revive // cyclomatic: wires flags, engine, presenter and publishing
func runPull(parent context.Context, rawURL string, opts pullOptions) error {
	plan, err := planPull(rawURL, opts)
	if err != nil {
		return err // usage
	}

	closeLog, err := setupLogging(os.Stderr, opts.verbose, opts.quiet, opts.logFile)
	if err != nil {
		return &exitError{code: exitInternal, err: err}
	}
	defer closeLog()

	if err := os.MkdirAll(opts.output, 0o755); err != nil {
		return &exitError{code: exitInternal, err: fmt.Errorf("create output directory: %w", err)}
	}

	if parent == nil {
		parent = context.Background()
	}
	var uploader *publish.S3
	if opts.s3.Bucket != "" {
		if uploader, err = publish.NewS3(parent, opts.s3); err != nil {
			return &exitError{code: exitInternal, err: err}
		}
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	events := make(chan event.Event, 256)

	presenterEvents := (<-chan event.Event)(events)
	if opts.logFile != "" {
		presenterEvents = teeEvents(events)
	}

	tty := ui.DetectTerminal(os.Stderr)
	presenter := ui.NewPresenter(ui.Config{
		Writer:      os.Stdout,
		ErrWriter:   os.Stderr,
		Stats:       collector,
		Concurrency: opts.workers,
		Width:       tty.Width,
		IsTTY:       tty.IsTTY,
		Quiet:       opts.quiet,
		NoProgress:  opts.noProgress,
	})

	site := opts.site
	if site == "" {
		site = rawURL
	}
	engineCfg := engine.Config{
		Remote:      plan.remote,
		Stats:       collector,
		Events:      events,
		Site:        site,
		OutputDir:   opts.output,
		Partition:   plan.partition,
		PageSize:    opts.pageSize,
		Concurrency: opts.workers,
		DBBudget:    opts.dbBudget,
		SkipDB:      opts.noDB,
		SkipFiles:   opts.noFiles,
	}
	slog.Debug("starting pull",
		"url", rawURL,
		"output", opts.output,
		"workers", opts.workers,
		"large_threshold", plan.partition.LargeThreshold,
		"batch_max_files", plan.partition.BatchMaxFiles,
	)

	var presenterErr error
	var presenterWg sync.WaitGroup
	presenterWg.Go(func() {
		presenterErr = presenter.Run(presenterEvents)
	})

	result := engine.Run(ctx, engineCfg)
	close(events)
	presenterWg.Wait()
	if presenterErr != nil {
		fmt.Fprintf(os.Stderr, "presenter: %v\n", presenterErr)
	}

	report := ui.Report{
		Archive:     result.Archive,
		ArchiveSize: result.ArchiveSize,
		Checksum:    result.Sidecar.Blake3,
		Database:    string(result.Database),
	}
	var publishErr error
	if result.Archive != "" {
		publishErr = publishArchive(ctx, result, plan.recipients, uploader, &report)
	}

	if !opts.quiet {
		if summary := presenter.Summary(); summary != "" {
			fmt.Fprintln(os.Stderr, summary)
		}
		for _, line := range report.Lines() {
			fmt.Fprintln(os.Stderr, line)
		}
	}

	if result.Err != nil {
		slog.Error("pull failed", "error", result.Err)
		return &exitError{code: exitCode(result.Err), err: result.Err}
	}
	if publishErr != nil {
		slog.Error("publish failed", "error", publishErr)
		return &exitError{code: exitCode(publishErr), err: publishErr}
	}
	return nil
}

// publishArchive encrypts and uploads the finished archive as configured,
// keeping the sidecar in step with the file it describes.
func publishArchive(
	ctx context.Context,
	result engine.Result,
	recipients []age.Recipient,
	uploader *publish.S3,
	report *ui.Report,
) error {
	path, sc := result.Archive, result.Sidecar
	if len(recipients) > 0 {
		enc, err := publish.Encrypt(path, recipients...)
		if err != nil {
			return err
		}
		if err := os.Remove(archive.SidecarPath(path)); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("remove plaintext sidecar", "error", err)
		}
		path = enc
		if sc.Blake3, err = archive.Checksum(path); err != nil {
			return err
		}
		fi, err := os.Stat(path)
		if err != nil {
			return err
		}
		sc.Archive, sc.Size = filepath.Base(path), fi.Size()
		if err := archive.WriteSidecar(path, sc); err != nil {
			return err
		}
		report.Archive, report.ArchiveSize, report.Checksum = path, sc.Size, sc.Blake3
	}

	if uploader != nil {
		url, err := uploader.Upload(ctx, path, sc.Blake3)
		if err != nil {
			return fmt.Errorf("%w: %w", engine.ErrNetwork, err)
		}
		if _, err := uploader.Upload(ctx, archive.SidecarPath(path), ""); err != nil {
			return fmt.Errorf("%w: %w", engine.ErrNetwork, err)
		}
		report.Uploaded = url
	}
	return nil
}
