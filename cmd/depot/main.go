package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	v1 "github.com/erikvanbrakel/depot/api/v1"
	"github.com/erikvanbrakel/depot/app"
	"github.com/erikvanbrakel/depot/catalog"
	"github.com/erikvanbrakel/depot/index"
	"github.com/erikvanbrakel/depot/search"
	"github.com/erikvanbrakel/depot/services"
	"github.com/erikvanbrakel/depot/storage"
	routing "github.com/go-ozzo/ozzo-routing"
	"github.com/go-ozzo/ozzo-routing/content"
	"github.com/go-ozzo/ozzo-routing/file"
	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
)

func main() {
	opts, err := app.ParseOptions(os.Args[1:])
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	logger := app.NewLogger(opts.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.WithError(err).Fatal("depot stopped")
	}
}

func openCatalog(ctx context.Context, options app.DatabaseOptions, logger *logrus.Logger) (catalog.Catalog, error) {
	if options.Driver == app.DatabaseMemory {
		logger.Warn("Using the in-memory catalog, nothing will survive a restart")
		c := catalog.NewMemoryCatalog()
		if options.SeedToken != "" {
			c.AddUser("admin", options.SeedToken)
		}
		return c, nil
	}

	c, err := catalog.NewPostgresCatalog(ctx, options, logger)
	if err != nil {
		return nil, err
	}
	if options.SeedToken != "" {
		if _, err := c.AddUser(ctx, "admin", options.SeedToken); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func run(ctx context.Context, opts *app.Options, logger *logrus.Logger) error {
	c, err := openCatalog(ctx, opts.Database, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	store, err := storage.New(ctx, opts.Storage, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	repo, err := index.Open(ctx, opts.Index, store.TarballLocation, logger)
	if err != nil {
		return err
	}
	indexWorker := index.NewWorker(repo)
	defer indexWorker.Close()

	searchWorker := search.NewWorker()
	defer searchWorker.Close()

	service := services.NewRegistryService(c, store, indexWorker, searchWorker, opts.Registry.Concurrency)
	if err := service.RebuildSearch(ctx); err != nil {
		return err
	}

	router := routing.New()
	router.Use(
		app.Init(logger),
		content.TypeNegotiator(content.JSON),
	)
	v1.ServePackageResource(router.Group("/api/v1"), service, opts.Server.MaxUploadSize)

	if opts.Storage.Strategy == app.StorageLocal && opts.Storage.Local.Serve {
		router.Get("/storage/*", file.Server(file.PathMap{
			"/storage": opts.Storage.Local.BasePath,
		}))
	}

	server := &http.Server{Addr: opts.Server.Bind, Handler: router}

	errc := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", opts.Server.Bind)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
