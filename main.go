package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/krau/imgclassify/config"
	"github.com/krau/imgclassify/onnx"
	"github.com/krau/imgclassify/server"
	"github.com/krau/imgclassify/service"
	"github.com/krau/imgclassify/storage"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Exiting", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := config.C()
	slog.SetDefault(newLogger(cfg))
	slog.Info("Starting image classifier")

	var tracker *storage.Tracker
	storeOpts := []storage.Option{}
	if cfg.CleanupOnExit {
		tracker = storage.NewTracker()
		storeOpts = append(storeOpts, storage.WithTracker(tracker))
		defer tracker.Cleanup()
	}
	if cfg.UniqueFilenames {
		storeOpts = append(storeOpts, storage.WithUniqueNames())
	}
	store, err := storage.NewStore(cfg.StaticDir, server.StaticPrefix, storeOpts...)
	if err != nil {
		return err
	}

	index, err := service.LoadClassIndex(cfg.ClassIndexFile)
	if err != nil {
		return fmt.Errorf("failed to load class index: %w", err)
	}
	slog.Info("Loaded class index", slog.Int("classes", len(index)))

	destroy, err := onnx.Init(cfg.Libonnx)
	if err != nil {
		return err
	}
	envSafe := true
	defer func() {
		if envSafe {
			destroy()
		}
	}()

	modelPath, err := onnx.EnsureModel(ctx, cfg.ModelDir, cfg.ModelFileName, cfg.ModelUrl)
	if err != nil {
		return err
	}
	pool, err := onnx.NewPool(modelPath, cfg.PoolSize, service.ImageSize, service.ImageSize)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := pool.Close(closeCtx); err != nil {
			envSafe = false
			slog.Error("Leaving ONNX sessions alive", slog.String("error", err.Error()))
		}
	}()
	if pool.OutputSize() != len(index) {
		slog.Warn("Model output size does not match class index",
			slog.Int("outputs", pool.OutputSize()), slog.Int("classes", len(index)))
	}
	slog.Info("Model loaded", slog.String("path", filepath.Clean(modelPath)), slog.Int("sessions", cfg.PoolSize))

	predictor := service.NewPredictor(pool, index, service.WithMaxPixels(cfg.MaxImagePixels))
	srv, err := server.New(predictor, store, server.Options{
		Token:          cfg.Token,
		MaxUploadBytes: cfg.MaxUploadMB << 20,
		Tracker:        tracker,
	})
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	slog.Info("Listening on", slog.String("address", cfg.Addr()))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Graceful shutdown failed", slog.String("error", err.Error()))
	}
	return nil
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
