package main

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

	"github.com/S1riyS/jffs2-server/internal/config"
	"github.com/S1riyS/jffs2-server/internal/dispatcher"
	"github.com/S1riyS/jffs2-server/internal/handler"
	"github.com/S1riyS/jffs2-server/internal/jffs2"
	"github.com/S1riyS/jffs2-server/internal/models"
	"github.com/S1riyS/jffs2-server/internal/msg"
	"github.com/S1riyS/jffs2-server/internal/service"
	"github.com/S1riyS/jffs2-server/internal/storage"
	badgerstore "github.com/S1riyS/jffs2-server/internal/storage/badger"
	"github.com/S1riyS/jffs2-server/internal/storage/memory"
	"github.com/S1riyS/jffs2-server/internal/storage/postgres"
	"github.com/S1riyS/jffs2-server/pkg/database/postgresql"
	"github.com/S1riyS/jffs2-server/pkg/logging"
	"github.com/S1riyS/jffs2-server/pkg/logging/slogext"
	"github.com/jacobsa/timeutil"
	"github.com/spf13/pflag"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the configuration file (default $CONFIG_PATH or "+defaultConfigPath+")")
	pflag.Parse()

	cfg := config.MustLoad(resolveConfigPath(*configPath))

	logger := logging.NewLogger(cfg.App.LogFormat, cfg.App.LogLevel, os.Stdout)

	// Root context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.MakeContextWithLogger(ctx, logger)

	if err := run(ctx, cfg); err != nil {
		logger.Error("Server failed", slogext.Err(err))
		os.Exit(1)
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("CONFIG_PATH"); env != "" {
		return env
	}
	return defaultConfigPath
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logging.GetLoggerFromContext(ctx)

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open node store: %w", err)
	}
	defer closeStore()

	compr, err := jffs2.ParseCompression(cfg.Engine.Compression)
	if err != nil {
		return err
	}

	clock := timeutil.RealClock()
	engine, err := jffs2.Mount(ctx, store, jffs2.Options{
		Capacity:    cfg.Engine.Capacity,
		Compression: compr,
		Clock:       clock,
	})
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	ns := msg.NewNamespace()
	port := ns.CreatePort()
	defer port.Close()

	if err := ns.Register(cfg.App.MountPoint, models.Oid{Port: port.ID(), ID: models.RootID}); err != nil {
		return fmt.Errorf("register %s: %w", cfg.App.MountPoint, err)
	}

	fs := service.NewFileSystemService(engine, port.ID(), clock)
	d := dispatcher.New(port, fs)

	h := handler.NewHandler(port, ns, cfg.App.DefaultTimeout)
	srv := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           h.NewRouter(logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("HTTP transport listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP transport failed", slogext.Err(err))
			port.Close()
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shut down HTTP transport", slogext.Err(err))
		}
		port.Close()
	}()

	logger.Info(fmt.Sprintf("Starting jffs2 server at port %d", port.ID()),
		slog.String("mount_point", cfg.App.MountPoint),
		slog.String("backend", cfg.Engine.Backend),
		slog.String("compression", jffs2.ComprName(compr)),
	)

	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("Server stopped")
	return nil
}

// openStore returns the configured node log and a function releasing it.
func openStore(ctx context.Context, cfg *config.Config) (storage.NodeStore, func(), error) {
	switch cfg.Engine.Backend {
	case config.BackendPostgres:
		db, err := postgresql.NewClient(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		store := postgres.New(db, cfg.Engine.Table)
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, db.Close, nil

	case config.BackendBadger:
		store, err := badgerstore.Open(cfg.Engine.BadgerDir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil

	default:
		store := memory.New()
		return store, func() { store.Close() }, nil
	}
}
