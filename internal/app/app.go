package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	"github.com/foxzi/mailbatch/internal/attachment"
	"github.com/foxzi/mailbatch/internal/batch"
	"github.com/foxzi/mailbatch/internal/compose"
	"github.com/foxzi/mailbatch/internal/config"
	"github.com/foxzi/mailbatch/internal/control"
	"github.com/foxzi/mailbatch/internal/dataset"
	"github.com/foxzi/mailbatch/internal/download"
	"github.com/foxzi/mailbatch/internal/history"
	"github.com/foxzi/mailbatch/internal/metrics"
	"github.com/foxzi/mailbatch/internal/notify"
	"github.com/foxzi/mailbatch/internal/quota"
	"github.com/foxzi/mailbatch/internal/surface"
	"github.com/foxzi/mailbatch/internal/surface/browser"
	"github.com/foxzi/mailbatch/internal/surface/sim"
	"github.com/foxzi/mailbatch/internal/tabular"
	"github.com/foxzi/mailbatch/internal/template"
	"github.com/foxzi/mailbatch/internal/waiter"
)

// App is the main application
type App struct {
	config    *config.Config
	version   string
	logger    *slog.Logger
	db        *bolt.DB
	history   *history.Storage
	templates *template.Storage
	limiter   *quota.Limiter
	metrics   *metrics.Metrics
	collector *metrics.Collector
	board     *notify.Board
	s3        *s3.Client
}

// New opens storage and creates the long-lived components
func New(cfg *config.Config, version string) (*App, error) {
	logger := setupLogger(cfg.Logging)

	db, err := bolt.Open(cfg.Storage.Path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	a := &App{
		config:  cfg,
		version: version,
		logger:  logger,
		db:      db,
		board:   notify.NewBoard(notify.DefaultHistory, logger.With("component", "notify")),
	}

	a.history, err = history.NewStorage(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history storage: %w", err)
	}

	a.templates, err = template.NewStorage(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create template storage: %w", err)
	}

	if cfg.Quota.Enabled() {
		a.limiter, err = quota.NewLimiter(db, cfg.Quota)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create quota limiter: %w", err)
		}
		logger.Info("send quota enabled")
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		metrics.SetGlobal(a.metrics)
		a.collector, err = metrics.NewCollector(db, a.metrics, cfg.Storage.Path, cfg.Metrics.FlushInterval)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
	}

	if cfg.Output.S3.Configured() {
		s3cfg := cfg.Output.S3
		a.s3 = download.NewS3Client(download.S3Options{
			Endpoint:  s3cfg.Endpoint,
			Region:    s3cfg.Region,
			AccessKey: s3cfg.AccessKey,
			SecretKey: s3cfg.SecretKey,
			PathStyle: s3cfg.PathStyle,
		})
	}

	return a, nil
}

// Logger returns the application logger
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// History returns the run store
func (a *App) History() *history.Storage {
	return a.history
}

// Templates returns the template store
func (a *App) Templates() *template.Storage {
	return a.templates
}

// Close stops background work and closes storage
func (a *App) Close() error {
	if a.collector != nil {
		a.collector.Stop()
	}
	if a.limiter != nil {
		if err := a.limiter.Stop(); err != nil {
			a.logger.Error("quota limiter stop error", "error", err)
		}
	}
	return a.db.Close()
}

// provider returns the configured template source
func (a *App) provider() (template.Provider, error) {
	tc := a.config.Templates
	switch tc.Source {
	case "http":
		client := &http.Client{Timeout: tc.Timeout}
		return template.NewHTTPProvider(tc.BaseURL, tc.Index, client, a.logger.With("component", "templates"))
	case "store":
		return a.templates, nil
	default:
		return template.NewDirProvider(tc.Dir, tc.Index, a.logger.With("component", "templates")), nil
	}
}

// LoadCatalog loads the templates of the configured source once
func (a *App) LoadCatalog(ctx context.Context) (*template.Catalog, error) {
	p, err := a.provider()
	if err != nil {
		return nil, err
	}
	return template.LoadCatalog(ctx, p)
}

// LoadDataset parses a recipient file
func (a *App) LoadDataset(path string) (*dataset.Dataset, error) {
	ds, err := tabular.ParseFile(path)
	if err != nil {
		return nil, err
	}
	a.logger.Info("recipients loaded", "file", path, "rows", ds.Len(), "columns", len(ds.Headers))
	return ds, nil
}

// Gateway returns the tabular gateway writing to the configured output
func (a *App) Gateway() *tabular.Gateway {
	var p tabular.Persister
	if a.config.Output.Driver == "s3" {
		p = download.NewS3Persister(a.s3, a.config.Output.S3.Bucket, a.config.Output.S3.Prefix)
	} else {
		p = download.NewDirPersister(a.config.Output.Dir)
	}
	return tabular.NewGateway(p, tabular.WithLogger(a.logger.With("component", "tabular")))
}

func (a *App) fetcher() *attachment.Fetcher {
	opts := []attachment.Option{
		attachment.WithBase(a.config.Templates.AttachmentBase),
		attachment.WithLogger(a.logger.With("component", "attachment")),
	}
	if a.s3 != nil {
		opts = append(opts, attachment.WithS3(a.s3))
	}
	return attachment.NewFetcher(opts...)
}

// OpenSurface connects the configured compose surface. The returned
// function releases it.
func (a *App) OpenSurface(ctx context.Context, driver string) (surface.Surface, func(), error) {
	if driver == "" {
		driver = a.config.Surface.Driver
	}

	switch driver {
	case "sim":
		a.logger.Info("using simulated webmail surface")
		wm := sim.NewWebmail(a.config.Surface.Selectors, sim.WebmailOptions{
			OpenDelay: 200 * time.Millisecond,
			SendDelay: 300 * time.Millisecond,
		})
		return wm, func() {}, nil
	case "browser":
		bc := a.config.Surface.Browser
		s, err := browser.New(ctx, browser.Options{
			RemoteURL:   bc.RemoteURL,
			UserDataDir: bc.UserDataDir,
			Headless:    bc.Headless,
			StartURL:    bc.StartURL,
		}, a.logger.With("component", "browser"))
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				a.logger.Warn("failed to close browser surface", "error", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown surface driver: %s", driver)
	}
}

// NewOrchestrator builds an orchestrator driving s
func (a *App) NewOrchestrator(s surface.Surface, mock bool) *batch.Orchestrator {
	bc := a.config.Batch
	sel := a.config.Surface.Selectors

	w := waiter.New(s, bc.PollInterval, a.logger.With("component", "waiter"))
	ctrl := compose.NewController(s, w, sel, a.fetcher(), compose.Timeouts{
		Open:        bc.OpenTimeout,
		Expand:      bc.ExpandTimeout,
		Discard:     bc.DiscardTimeout,
		Send:        bc.SendTimeout,
		UploadGrace: bc.UploadGrace,
		Upload:      bc.AttachmentUploadTimeout,
	}, a.logger.With("component", "compose"))

	opts := []batch.Option{
		batch.WithNotifier(a.board),
		batch.WithHistory(a.history),
		batch.WithLogger(a.logger.With("component", "batch")),
	}
	if a.limiter != nil {
		opts = append(opts, batch.WithQuota(a.limiter))
	}

	return batch.New(ctrl, a.Gateway(), batch.Config{
		MockMode:                   mock || bc.MockMode,
		InterSendDelay:             bc.InterSendDelay,
		MinDwellWithoutAttachments: bc.MinDwellWithoutAttachments,
		IncludeAttachments:         bc.AttachmentsIncluded(),
		EmailPolicy:                bc.EmailPolicy,
	}, opts...)
}

// SendOptions selects what a batch sends
type SendOptions struct {
	File     string
	Template string
	Surface  string
	Mock     bool
}

// Send runs one batch to completion or until a signal arrives. The
// control API and metrics server run alongside it.
func (a *App) Send(ctx context.Context, opts SendOptions) (*batch.Summary, error) {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	catalog, err := a.LoadCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}
	tmpl := catalog.Get(opts.Template)
	if tmpl == nil {
		return nil, fmt.Errorf("template %q not found", opts.Template)
	}

	ds, err := a.LoadDataset(opts.File)
	if err != nil {
		return nil, err
	}

	s, release, err := a.OpenSurface(ctx, opts.Surface)
	if err != nil {
		return nil, err
	}
	defer release()

	o := a.NewOrchestrator(s, opts.Mock)
	if err := o.Load(ds, opts.File); err != nil {
		return nil, err
	}
	if err := o.SelectTemplate(tmpl); err != nil {
		return nil, err
	}
	if !o.CanSend() {
		return nil, fmt.Errorf("nothing to send: %s has no recipient addresses", opts.File)
	}

	a.logger.Info("starting batch",
		"template", tmpl.Name,
		"file", opts.File,
		"rows", ds.Len(),
		"mock", opts.Mock || a.config.Batch.MockMode,
	)

	shutdown := a.startServers(ctx, o, catalog)

	summary, runErr := o.Run(ctx)

	if err := shutdown(); err != nil {
		a.logger.Error("server error", "error", err)
	}

	if summary != nil {
		a.logger.Info(summary.String(), "run_id", summary.RunID, "output", summary.Output)
	}
	return summary, runErr
}

// FillPreview fills the compose surface with the first row and keeps
// the draft open until ctx ends or a signal arrives, then discards it
func (a *App) FillPreview(ctx context.Context, opts SendOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	catalog, err := a.LoadCatalog(ctx)
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}
	tmpl := catalog.Get(opts.Template)
	if tmpl == nil {
		return fmt.Errorf("template %q not found", opts.Template)
	}

	s, release, err := a.OpenSurface(ctx, opts.Surface)
	if err != nil {
		return err
	}
	defer release()

	o := a.NewOrchestrator(s, true)
	if opts.File != "" {
		ds, err := a.LoadDataset(opts.File)
		if err != nil {
			return err
		}
		if err := o.Load(ds, opts.File); err != nil {
			return err
		}
	}
	if err := o.SelectTemplate(tmpl); err != nil {
		return err
	}

	filled, err := o.Preview(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("compose surface filled", "template", tmpl.Name, "with_row", filled)

	<-ctx.Done()
	return o.Dismiss(context.WithoutCancel(ctx))
}

// startServers starts the control API, metrics server and collector for
// the duration of a batch. The returned function shuts them down and
// reports the first server error.
func (a *App) startServers(ctx context.Context, o *batch.Orchestrator, catalog *template.Catalog) func() error {
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	var shutdowns []func(context.Context) error

	if a.collector != nil {
		a.collector.Start(gctx)
	}

	if a.config.Metrics.Enabled {
		ms := metrics.NewServer(a.metrics, metrics.ServerConfig{
			Addr:       a.config.Metrics.ListenAddr,
			Path:       a.config.Metrics.Path,
			AllowedIPs: a.config.Metrics.AllowedIPs,
		}, a.logger.With("component", "metrics"))
		g.Go(func() error {
			if err := ms.ListenAndServe(); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		shutdowns = append(shutdowns, ms.Shutdown)
	}

	if a.config.Control.Enabled {
		opts := control.Options{
			Batch:     o,
			Notices:   a.board,
			History:   a.history,
			Templates: catalog,
			Version:   a.version,
		}
		if a.limiter != nil {
			opts.Quota = a.limiter
		}
		cs := control.NewServer(opts, &a.config.Control, a.logger.With("component", "control"))
		g.Go(func() error {
			if err := cs.ListenAndServe(); err != nil {
				return fmt.Errorf("control server: %w", err)
			}
			return nil
		})
		shutdowns = append(shutdowns, cs.Shutdown)
	}

	g.Go(func() error {
		<-gctx.Done()

		// A failing server stops the batch
		if ctx.Err() == nil && context.Cause(gctx) != context.Canceled {
			o.Stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		var errs []error
		for _, fn := range shutdowns {
			errs = append(errs, fn(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	return func() error {
		cancel()
		err := g.Wait()
		if a.collector != nil {
			a.collector.Stop()
		}
		return err
	}
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
