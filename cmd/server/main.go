package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Brownie44l1/deepfake-api/internal/bootstrap"
	"github.com/Brownie44l1/deepfake-api/internal/config"
	"github.com/Brownie44l1/deepfake-api/internal/handlers"
	"github.com/Brownie44l1/deepfake-api/internal/logger"
	"github.com/Brownie44l1/deepfake-api/internal/model"
	"github.com/Brownie44l1/deepfake-api/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (default $DEEPSHIELD_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Console)

	if err := run(cfg, log); err != nil {
		log.Error("server", err, nil)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log logger.Logger) error {
	defer model.DestroyRuntime()

	pipelines, err := bootstrap.OpenPipelines(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize pipelines: %w", err)
	}
	defer pipelines.Close()

	media, err := storage.NewMedia(cfg.Media.Dir, cfg.Media.URLPrefix, log)
	if err != nil {
		return err
	}

	analyzers := make([]handlers.Analyzer, 0, len(pipelines))
	for _, p := range pipelines {
		analyzers = append(analyzers, p)
	}
	handler := handlers.NewHandler(analyzers, media, handlers.Options{
		MaxUploadBytes: cfg.Server.MaxUploadMB << 20,
		MaxInflight:    cfg.Server.MaxInflight,
		UploadResize:   cfg.Server.UploadResize,
	}, log)

	mux := http.NewServeMux()
	handler.Routes(mux, cfg.Media.URLPrefix)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go media.RunSweeper(ctx, 0, cfg.Media.Retention)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server", "listening", map[string]interface{}{
			"port":     cfg.Server.Port,
			"variants": cfg.EnabledVariants(),
			"media":    cfg.Media.Dir,
		})
		log.Info("server", "endpoints", map[string]interface{}{
			"health":   "GET /health",
			"saliency": "POST /api/process-image/",
			"binary":   "POST /predict/image",
			"media":    "GET " + cfg.Media.URLPrefix,
		})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		log.Info("server", "shutting down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}
