package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"

	"leadrag/internal/config"
	"leadrag/internal/extract"
	"leadrag/internal/logging"
	"leadrag/internal/service"
	"leadrag/internal/tui"
)

func main() {
	_ = godotenv.Load()

	var cfgPath string
	var reindex bool
	flag.StringVar(&cfgPath, "config", "", "Path to YAML or TOML config file (optional; uses ~/.config/leadrag/config.yaml if not provided)")
	flag.BoolVar(&reindex, "reindex", false, "Rebuild the collection from the given files")
	flag.Parse()
	inputs := flag.Args()
	if len(inputs) == 0 {
		fmt.Println("Usage: rag [--config=config.yaml] [--reindex] leads.xlsx notes.md ...")
		os.Exit(1)
	}

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
	// The TUI owns the terminal, so only warnings and errors are logged.
	logger := logging.New("warn")

	if key := os.Getenv("UNIDOC_LICENSE_KEY"); key != "" {
		if err := extract.SetPDFLicense(key); err != nil {
			logger.Warn("pdf license rejected", "err", err)
		}
	}

	ctx := context.Background()
	components, err := service.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to assemble components: %v", err)
	}
	defer components.Close()

	svc := service.New(cfg, components, logger, nil)
	res, err := svc.Ingest(ctx, service.IngestRequest{Paths: inputs, Reindex: reindex, Summarize: true})
	if err != nil {
		log.Fatalf("ingest failed: %v", err)
	}
	summary := fmt.Sprintf("%d records, %d chunks in %q", res.ProcessedCount, res.TotalChunks, res.Collection)
	if len(res.Failed) > 0 {
		summary += fmt.Sprintf(", %d failed", len(res.Failed))
	}
	if res.Summary != "" {
		summary += "\n" + res.Summary
	}

	m := tui.New(svc, summary)
	if _, err := tea.NewProgram(m).Run(); err != nil {
		log.Fatal(err)
	}
}
