package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bamsammich/sitepull/internal/config"
	"github.com/bamsammich/sitepull/internal/dbexport"
	"github.com/bamsammich/sitepull/internal/filter"
	"github.com/bamsammich/sitepull/internal/jobstore"
	"github.com/bamsammich/sitepull/internal/manifest"
	"github.com/bamsammich/sitepull/internal/server"
)

// sweepInterval is how often expired manifest and export jobs are dropped.
const sweepInterval = time.Minute

type serveOptions struct {
	listen     string
	key        string
	siteRoot   string
	contentDir string
	dbDriver   string
	dbDSN      string
	exportDir  string
	store      string
	filterFile string
	logFile    string
	jobTTL     time.Duration
	verbose    bool
	chain      *filter.Chain
}

// filterFlag is a custom pflag.Value that preserves CLI ordering of
// --exclude and --include rules by appending to a shared filter.Chain.
type filterFlag struct {
	chain   *filter.Chain
	include bool
}

var _ pflag.Value = (*filterFlag)(nil)

func (*filterFlag) String() string { return "" }
func (*filterFlag) Type() string   { return "string" }

func (f *filterFlag) Set(val string) error {
	if f.include {
		return f.chain.AddInclude(val)
	}
	return f.chain.AddExclude(val)
}

func newServeCmd() *cobra.Command {
	opts := serveOptions{chain: filter.NewChain()}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a site's files and database to sitepull clients",
		Long: `Serve answers the sitepull HTTP protocol for one site. Every request must
carry the shared access key; requests without it are rejected before any
work is done.

Files are served from --site-root/--content-dir. When --db-driver and
--db-dsn are set, the database can be exported in resumable chunks.
Settings may also come from the [server] section of the config file.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				slog.Warn("failed to load config", "error", err)
			}
			if err := applyServerConfig(cmd, cfg.Server, &opts); err != nil {
				return err
			}
			return runServe(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.listen, "listen", "127.0.0.1:8765", "listen address (host:port)")
	f.StringVarP(&opts.key, "key", "k", "", "access key (default: $"+config.EnvKey+")")
	f.StringVar(&opts.siteRoot, "site-root", ".", "directory manifest paths are relative to")
	f.StringVar(&opts.contentDir, "content-dir", "wp-content", "directory under the site root that is mirrored")
	f.StringVar(&opts.dbDriver, "db-driver", "", "database driver (mysql or sqlite)")
	f.StringVar(&opts.dbDSN, "db-dsn", "", "database connection string")
	f.StringVar(&opts.exportDir, "export-dir", "", "where database exports are staged (default: temp dir)")
	f.StringVar(&opts.store, "store", "memory", `job store: "memory" or a SQLite file path`)
	f.DurationVar(&opts.jobTTL, "job-ttl", 15*time.Minute, "lifetime of idle manifest and export jobs")
	f.Var(&filterFlag{chain: opts.chain}, "exclude", "exclude files matching PATTERN (repeatable)")
	f.Var(&filterFlag{chain: opts.chain, include: true}, "include", "include files matching PATTERN (repeatable)")
	f.StringVar(&opts.filterFile, "filter", "", "read filter rules from FILE")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "log every request")
	f.StringVar(&opts.logFile, "log", "", "write structured JSON log to FILE")
	return cmd
}

// applyServerConfig applies [server] settings for flags not set on the CLI.
func applyServerConfig(cmd *cobra.Command, sc config.ServerConfig, opts *serveOptions) error {
	changed := cmd.Flags().Changed
	set := func(flag string, dst *string, v *string) {
		if !changed(flag) && v != nil {
			*dst = *v
		}
	}
	set("listen", &opts.listen, sc.Listen)
	set("site-root", &opts.siteRoot, sc.SiteRoot)
	set("content-dir", &opts.contentDir, sc.ContentDir)
	set("db-driver", &opts.dbDriver, sc.DBDriver)
	set("db-dsn", &opts.dbDSN, sc.DBDSN)
	set("export-dir", &opts.exportDir, sc.ExportDir)
	set("store", &opts.store, sc.Store)

	opts.key = config.ResolveKey(opts.key, sc.Key)

	if !changed("job-ttl") {
		ttl, err := sc.TTL()
		if err != nil {
			return err
		}
		if ttl > 0 {
			opts.jobTTL = ttl
		}
	}
	// Config excludes come after any given on the command line.
	for _, p := range sc.Excludes {
		if err := opts.chain.AddExclude(p); err != nil {
			return fmt.Errorf("server.excludes: %w", err)
		}
	}
	return nil
}

// serverStack is a configured server and the resources it owns.
type serverStack struct {
	srv   *server.Server
	store jobstore.Store
	db    *sql.DB
}

func (s *serverStack) Close() error {
	var errs []error
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	errs = append(errs, s.store.Close())
	return errors.Join(errs...)
}

func buildServer(opts serveOptions) (*serverStack, error) {
	if opts.key == "" {
		return nil, fmt.Errorf("no access key: pass --key or set %s", config.EnvKey)
	}
	info, err := os.Stat(opts.siteRoot)
	if err != nil {
		return nil, fmt.Errorf("site root %q: %w", opts.siteRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("site root %q is not a directory", opts.siteRoot)
	}
	if opts.filterFile != "" {
		if err := opts.chain.LoadFile(opts.filterFile); err != nil {
			return nil, fmt.Errorf("load filter file: %w", err)
		}
	}

	var store jobstore.Store
	if opts.store == "" || opts.store == "memory" {
		store = jobstore.NewMemory(nil)
	} else {
		sq, err := jobstore.OpenSQLite(opts.store, nil)
		if err != nil {
			return nil, err
		}
		store = sq
	}
	stack := &serverStack{store: store}

	scfg := server.Config{
		Key:         opts.key,
		Version:     version,
		Store:       store,
		ManifestTTL: opts.jobTTL,
	}
	chain := opts.chain
	if chain == nil || chain.Empty() {
		chain = filter.NewChain()
		for _, p := range filter.DefaultExcludes {
			if err := chain.AddExclude(p); err != nil {
				stack.Close()
				return nil, err
			}
		}
	}
	scfg.Scanner = manifest.NewScanner(manifest.ScannerConfig{
		Filter:     chain,
		SiteRoot:   opts.siteRoot,
		ContentDir: opts.contentDir,
	})

	if opts.dbDriver != "" {
		db, dialect, err := dbexport.Open(opts.dbDriver, opts.dbDSN)
		if err != nil {
			stack.Close()
			return nil, err
		}
		stack.db = db
		scfg.Export = dbexport.NewManager(db, dialect, store, dbexport.Options{
			Dir: opts.exportDir,
			TTL: opts.jobTTL,
		})
	}

	stack.srv, err = server.New(scfg)
	if err != nil {
		stack.Close()
		return nil, err
	}
	return stack, nil
}

func runServe(parent context.Context, opts serveOptions) error {
	closeLog, err := setupLogging(os.Stderr, opts.verbose, false, opts.logFile)
	if err != nil {
		return &exitError{code: exitInternal, err: err}
	}
	defer closeLog()

	stack, err := buildServer(opts)
	if err != nil {
		return err
	}
	defer stack.Close()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", opts.listen)
	if err != nil {
		return &exitError{code: exitInternal, err: fmt.Errorf("listen: %w", err)}
	}
	hs := &http.Server{
		Handler:           stack.srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go stack.srv.SweepLoop(ctx, sweepInterval)

	errCh := make(chan error, 1)
	go func() { errCh <- hs.Serve(ln) }()
	slog.Info("serving",
		"addr", ln.Addr().String(),
		"site_root", opts.siteRoot,
		"content_dir", opts.contentDir,
		"database", opts.dbDriver != "",
	)

	select {
	case err := <-errCh:
		return &exitError{code: exitInternal, err: err}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return &exitError{code: exitInternal, err: fmt.Errorf("shutdown: %w", err)}
	}
	slog.Info("server stopped")
	return nil
}
