package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/basket/go-statehub/internal/backend"
	"github.com/basket/go-statehub/internal/config"
	"github.com/basket/go-statehub/internal/persist"
)

// offlineManager opens the configured backend directly, without the daemon,
// for the export/import/reset subcommands.
func offlineManager() (*persist.Manager, backend.Backend, error) {
	cfg, err := config.Load(config.DefaultHomeDir())
	if err != nil {
		return nil, nil, fmt.Errorf("config load: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, err := openBackend(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open backend: %w", err)
	}
	manager := persist.NewManager(persist.Config{
		Backend:         store,
		Logger:          logger,
		Prefix:          cfg.KeyPrefix,
		SchemaVersion:   cfg.SchemaVersion,
		QuotaLimitBytes: cfg.Quota.LimitBytes,
		QuotaThreshold:  cfg.Quota.Threshold,
	})
	return manager, store, nil
}

func runExportCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	out := fs.String("out", "", "write the bundle to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	manager, store, err := offlineManager()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	bundle, err := manager.Export(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "export: %v\n", err)
		return 1
	}

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode bundle: %v\n", err)
		return 1
	}
	data = append(data, '\n')

	if *out == "" {
		_, _ = os.Stdout.Write(data)
		return 0
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", *out, err)
		return 1
	}
	fmt.Printf("exported %d keys to %s\n", len(bundle.Data), *out)
	return 0
}
