package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/cesargomez89/offlinevault/internal/config"
	"github.com/cesargomez89/offlinevault/internal/constants"
	"github.com/cesargomez89/offlinevault/internal/download"
	"github.com/cesargomez89/offlinevault/internal/drm"
	"github.com/cesargomez89/offlinevault/internal/engine"
	httpapp "github.com/cesargomez89/offlinevault/internal/http"
	"github.com/cesargomez89/offlinevault/internal/httpclient"
	"github.com/cesargomez89/offlinevault/internal/keycache"
	"github.com/cesargomez89/offlinevault/internal/license"
	"github.com/cesargomez89/offlinevault/internal/logger"
	"github.com/cesargomez89/offlinevault/internal/store"
)

func main() {
	cfg := config.Load()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	// Initialize Logger
	appLogger := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	// Initialize DB
	db, err := store.NewSQLiteDB(cfg.DBPath)
	if err != nil {
		appLogger.Error("Failed to init DB", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings := store.NewSettingsRepo(db)
	if saved, err := settings.Get(ctx, store.SettingKeysDir); err == nil && saved != "" && saved != cfg.KeysDir {
		appLogger.Warn("Key directory changed, keys in the old directory will be fetched again", "old", saved, "new", cfg.KeysDir)
	}
	if err := settings.Set(ctx, store.SettingKeysDir, cfg.KeysDir); err != nil {
		appLogger.Error("Failed to save key directory", "error", err)
	}

	// Key cache sealed to this machine
	sealer, err := keycache.NewDeviceSealer(cfg.AppID)
	if err != nil {
		appLogger.Error("Failed to derive device key", "error", err)
		os.Exit(1)
	}
	keys := keycache.New(cfg.KeysDir, sealer)

	// License and key coordination
	hc := httpclient.NewClient(nil, constants.DefaultRequestGap)
	licenses := license.NewClient(cfg.LicenseURL, cfg.CertificateURL, hc, db, appLogger)
	coord := drm.NewCoordinator(db, keys, licenses, appLogger)
	defer coord.Close()

	// Downloads
	downloadsDir, err := filepath.Abs(cfg.DownloadsDir)
	if err != nil {
		appLogger.Error("Failed to resolve downloads dir", "error", err)
		os.Exit(1)
	}
	eng := engine.New(downloadsDir, nil, appLogger)
	defer eng.Close()

	mgr := download.NewManager(db, eng, coord, appLogger)
	mgr.SetMinBitrate(cfg.MinBitrate)
	mgr.SetMediaDir(downloadsDir)
	defer mgr.Close()

	startup, sctx := errgroup.WithContext(ctx)
	startup.Go(func() error {
		n, err := mgr.Reattach(sctx)
		if err != nil {
			return err
		}
		appLogger.Info("Reattached downloads", "count", n)
		return nil
	})
	startup.Go(keys.EnsureDir)
	if err := startup.Wait(); err != nil {
		appLogger.Error("Startup failed", "error", err)
		os.Exit(1)
	}

	// Initialize Router
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	h := httpapp.NewHandler(mgr, coord, appLogger)
	h.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		appLogger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultShutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		appLogger.Error("Server error", "error", err)
	}
	appLogger.Info("Server exiting")
}
