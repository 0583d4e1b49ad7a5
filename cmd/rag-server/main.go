package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"leadrag/internal/config"
	"leadrag/internal/domain"
	"leadrag/internal/extract"
	"leadrag/internal/ingest"
	"leadrag/internal/logging"
	"leadrag/internal/server"
	"leadrag/internal/service"
	"leadrag/internal/watch"
)

func main() {
	_ = godotenv.Load()

	var cfgPath string
	var watchDir bool
	flag.StringVar(&cfgPath, "config", "", "Path to YAML or TOML config file (optional; uses ~/.config/leadrag/config.yaml if not provided)")
	flag.BoolVar(&watchDir, "watch", false, "Re-ingest the data directory when files change (overrides server.watch)")
	flag.Parse()

	var cfg *config.AppConfig
	var err error
	if cfgPath == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(cfgPath)
	}
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := logging.New(cfg.LogLevel)

	if key := os.Getenv("UNIDOC_LICENSE_KEY"); key != "" {
		if err := extract.SetPDFLicense(key); err != nil {
			logger.Warn("pdf license rejected", "err", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := service.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to assemble components: %v", err)
	}
	defer components.Close()

	svc := service.New(cfg, components, logger, func(e ingest.Event) {
		if e.State == ingest.StateFailed {
			logger.Warn("source failed", "run_id", e.RunID, "source", e.Source, "err", e.Err)
		}
	})

	res, err := svc.Ingest(ctx, service.IngestRequest{})
	switch {
	case errors.Is(err, domain.ErrNotFound):
		logger.Info("data directory is empty, waiting for uploads", "dir", cfg.Server.DataDir)
	case err != nil:
		logger.Error("initial ingest failed", "err", err)
	default:
		logger.Info("initial ingest finished", "records", res.ProcessedCount, "chunks", res.TotalChunks)
	}

	if watchDir || cfg.Server.Watch {
		w := watch.New(cfg.Server.DataDir, watch.DefaultDebounce, func(ctx context.Context, b watch.Batch) error {
			req := service.IngestRequest{Paths: b.Changed}
			if b.Removed {
				req = service.IngestRequest{Reindex: true}
			}
			_, err := svc.Ingest(ctx, req)
			return err
		}, logger)
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Error("watcher stopped", "err", err)
			}
		}()
	}

	srv := server.New(svc, cfg.Server.DataDir, logger)
	if err := srv.Run(ctx, cfg.Server.Addr); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}
