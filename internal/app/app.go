// Package app wires the sync engine together: the local store, the remote
// openers, the event bus, project activation and the services built on the
// activated databases.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmitrijs2005/fieldkeeper/internal/activation"
	"github.com/dmitrijs2005/fieldkeeper/internal/autoincrement"
	"github.com/dmitrijs2005/fieldkeeper/internal/config"
	"github.com/dmitrijs2005/fieldkeeper/internal/connection"
	"github.com/dmitrijs2005/fieldkeeper/internal/docstore/sqlstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/drafts"
	"github.com/dmitrijs2005/fieldkeeper/internal/events"
	"github.com/dmitrijs2005/fieldkeeper/internal/fieldpersist"
	"github.com/dmitrijs2005/fieldkeeper/internal/filex"
	"github.com/dmitrijs2005/fieldkeeper/internal/logging"
	"github.com/dmitrijs2005/fieldkeeper/internal/merge"
	"github.com/dmitrijs2005/fieldkeeper/internal/records"
	"github.com/dmitrijs2005/fieldkeeper/internal/registry"
	"github.com/dmitrijs2005/fieldkeeper/internal/replication"
	"github.com/dmitrijs2005/fieldkeeper/internal/syncstate"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 5 * time.Second
	loadingInterval = 2 * time.Second
)

type App struct {
	config  *config.Config
	logger  logging.Logger
	store   *sqlstore.Store
	opener  *registry.StoreOpener
	builder *events.Builder

	Coordinator   *activation.Coordinator
	Sync          *syncstate.Service
	AutoIncrement *autoincrement.Allocator
	Persistence   *fieldpersist.Store
	Drafts        *drafts.Store
	Records       *records.Store
	Merge         *merge.Engine
}

// NewLogger builds the logger selected by c.
func NewLogger(c *config.Config) logging.Logger {
	level := logging.ParseLevel(c.LogLevel)
	if c.LogFormat == "json" {
		return logging.NewJSONLogger(os.Stdout, level)
	}
	return logging.NewConsoleLogger(os.Stderr, level)
}

// NewApp opens the local store and builds every component. Nothing
// replicates until Run.
func NewApp(ctx context.Context, c *config.Config, logger logging.Logger) (*App, error) {
	if logger == nil {
		logger = NewLogger(c)
	}

	var dir connection.Info
	if c.DirectoryURL != "" {
		info, err := connection.ParseURL(c.DirectoryURL)
		if err != nil {
			return nil, fmt.Errorf("invalid directory url: %w", err)
		}
		dir = info
		if c.DirectoryToken != "" {
			dir = dir.WithToken(c.DirectoryToken)
		}
	}

	if c.LocalDSN == "" {
		if _, err := filex.EnsureDir(c.DataDir); err != nil {
			return nil, fmt.Errorf("failed to create data dir[%s]: %w", c.DataDir, err)
		}
	}
	store, err := sqlstore.OpenSQLite(ctx, c.LocalStoreDSN(), sqlstore.WithPollInterval(c.PollInterval))
	if err != nil {
		return nil, fmt.Errorf("local store init error: %w", err)
	}

	opener := registry.NewStoreOpener(store, c.PostgresDatabase, c.LongPoll)
	token := c.DirectoryToken
	coord := activation.New(activation.Deps{
		Opener:        opener,
		Directory:     dir,
		SettleTimeout: c.SettleTimeout,
		AutoActivate:  c.AutoActivate,
		Replication: replication.Options{
			Wait:    c.LongPoll,
			Backoff: replication.Backoff{Min: c.RetryMin, Max: c.RetryMax},
		},
		TokenForCluster: func(string) (string, bool) { return token, token != "" },
		Logger:          logger,
	})

	builder := events.NewBuilder(logger)
	coord.Init(builder)

	recs := records.New(coord, logger)
	return &App{
		config:        c,
		logger:        logger,
		store:         store,
		opener:        opener,
		builder:       builder,
		Coordinator:   coord,
		Sync:          syncstate.New(coord.Data(), coord.ActiveDB(), logger),
		AutoIncrement: autoincrement.New(coord.LocalStateDB(), coord, logger),
		Persistence:   fieldpersist.New(coord.LocalStateDB(), logger),
		Drafts:        drafts.New(coord.DraftDB(), logger),
		Records:       recs,
		Merge:         merge.New(recs, logger),
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Start runs the event loop and activation. It returns once the metadata
// of every known project is local or the boot timeout elapsed, whichever
// comes first.
func (app *App) Start(ctx context.Context) error {
	if err := app.builder.Start(ctx); err != nil {
		return err
	}
	if err := app.Coordinator.Start(ctx); err != nil {
		return err
	}
	return app.waitBoot(ctx)
}

func (app *App) waitBoot(ctx context.Context) error {
	bootCtx, cancel := context.WithTimeout(ctx, app.config.BootTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(bootCtx)
	loaded := make(chan struct{})
	g.Go(func() error {
		defer close(loaded)
		return app.Coordinator.Tracker().WaitFor(gctx, activation.MetasComplete)
	})
	g.Go(func() error {
		t := time.NewTicker(loadingInterval)
		defer t.Stop()
		for {
			select {
			case <-loaded:
				return nil
			case <-gctx.Done():
				return nil
			case <-t.C:
				app.logger.Info(ctx, "still loading project metadata")
			}
		}
	})

	err := g.Wait()
	switch {
	case err == nil:
		app.logger.Info(ctx, "project metadata loaded")
		return nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		app.logger.Warn(ctx, "boot timeout elapsed, continuing with partial metadata", "timeout", app.config.BootTimeout)
		return nil
	default:
		return err
	}
}

// Run starts the engine and keeps it running until ctx is cancelled or a
// termination signal arrives.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")
	app.initSignalHandler(cancelFunc)

	if err := app.Start(ctx); err != nil && ctx.Err() == nil {
		app.logger.Error(ctx, "failed to start", "error", err)
		cancelFunc()
		_ = app.Close()
		return err
	}

	<-ctx.Done()
	app.logger.Info(context.Background(), "Stopping app...")
	return app.Close()
}

// Close stops replication and releases the stores.
func (app *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := app.Coordinator.Shutdown(ctx)
	err = errors.Join(err, app.opener.Close(), app.store.Close())
	if err != nil {
		app.logger.Error(ctx, "shutdown error", "error", err)
	}
	return err
}
