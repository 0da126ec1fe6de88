// booksync keeps a locally curated audiobook library in step with the
// remote catalog: it pulls the catalog listing, normalizes payloads,
// deduplicates editions, discovers series, and merges the result into
// the local store without clobbering manually entered data.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"booksync/internal/catalog"
	"booksync/internal/config"
	"booksync/internal/logger"
	"booksync/internal/merge"
	"booksync/internal/series"
	"booksync/internal/server"
	"booksync/internal/store"
	syncsvc "booksync/internal/sync"
)

var version = "dev" // Set during build

func main() {
	app := &cli.App{
		Name:    "booksync",
		Usage:   "synchronize a local audiobook library with the remote catalog",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to YAML config file",
				EnvVars: []string{"BOOKSYNC_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP server with optional periodic sync",
				Action: func(c *cli.Context) error {
					return runServe(c.String("config"))
				},
			},
			{
				Name:  "sync",
				Usage: "run a one-shot sync and exit",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "full",
						Usage: "re-evaluate the entire remote catalog",
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "ignore the staleness window and refresh every selected item",
					},
				},
				Action: func(c *cli.Context) error {
					return runSync(c.String("config"), c.Bool("full"), c.Bool("force"))
				},
			},
			{
				Name:  "status",
				Usage: "print the status of a running serve instance",
				Action: func(c *cli.Context) error {
					return runStatus(c.String("config"))
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}

// setup loads config, initializes logging, and wires the service graph
func setup(configFile string) (*config.Config, *syncsvc.Orchestrator, *store.Database, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger.Setup(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     logger.ParseLogFormat(cfg.Logging.Format),
		Output:     os.Stdout,
		TimeFormat: time.RFC3339,
	})
	log := logger.Get()

	log.Info("Starting booksync", map[string]interface{}{
		"version":    version,
		"log_level":  cfg.Logging.Level,
		"log_format": cfg.Logging.Format,
	})

	db, err := store.NewDatabase(cfg.Database.Path, log)
	if err != nil {
		return nil, nil, nil, err
	}

	repo := store.NewRepository(db, log)
	client := catalog.NewClient(cfg.Catalog.URL, cfg.Catalog.Token, cfg.Catalog.Region, cfg.Catalog.PageSize, cfg.Catalog.RequestDelay)
	engine := merge.NewEngine(repo, log)
	builder := series.NewBuilder(client, repo, log)
	orchestrator := syncsvc.New(client, repo, engine, builder, cfg)

	return cfg, orchestrator, db, nil
}

func runServe(configFile string) error {
	cfg, orchestrator, db, err := setup(configFile)
	if err != nil {
		return err
	}
	defer db.Close()

	log := logger.Get()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(":"+cfg.Server.Port, orchestrator, log)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	if cfg.Sync.Interval > 0 {
		go runPeriodicSync(ctx, orchestrator, cfg.Sync.Interval)
	} else {
		log.Info("Periodic sync is disabled (set sync.interval to enable)", nil)
	}

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received", nil)
	case err := <-errCh:
		log.Error("Fatal error occurred", map[string]interface{}{
			"error": err.Error(),
		})
	}

	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Error during server shutdown", map[string]interface{}{
			"error": err.Error(),
		})
	}

	// Let detached series rebuilds drain before closing the store
	orchestrator.WaitForSeriesBuilds()

	log.Info("Shutdown completed", nil)
	return nil
}

// runPeriodicSync triggers a quick sync on every tick. An ErrSyncInProgress
// from an overlapping tick is expected and only logged.
func runPeriodicSync(ctx context.Context, orchestrator *syncsvc.Orchestrator, interval time.Duration) {
	log := logger.Get()
	log.Info("Periodic sync enabled", map[string]interface{}{
		"interval": interval.String(),
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := orchestrator.StartSync(ctx, syncsvc.ModeQuick, false)
			if err != nil {
				log.Warn("Periodic sync did not run", map[string]interface{}{
					"error": err.Error(),
				})
				continue
			}
			log.Info("Periodic sync finished", map[string]interface{}{
				"total":     result.Total,
				"succeeded": result.Succeeded,
				"failed":    result.Failed,
			})
		}
	}
}

func runSync(configFile string, full, force bool) error {
	_, orchestrator, db, err := setup(configFile)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mode := syncsvc.ModeQuick
	if full {
		mode = syncsvc.ModeFull
	}

	result, err := orchestrator.StartSync(ctx, mode, force)
	if err != nil {
		return err
	}

	orchestrator.WaitForSeriesBuilds()

	log := logger.Get()
	log.Info("Sync finished", map[string]interface{}{
		"session_id": result.SessionID,
		"mode":       result.Mode,
		"total":      result.Total,
		"succeeded":  result.Succeeded,
		"failed":     result.Failed,
		"duration":   result.Duration.String(),
	})
	for _, item := range result.FailedItems {
		log.Warn("Item failed", map[string]interface{}{
			"asin":   item.ASIN,
			"title":  item.Title,
			"reason": item.Reason,
		})
	}

	return nil
}

func runStatus(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	url := fmt.Sprintf("http://localhost:%s/status", cfg.Server.Port)
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to reach serve instance at %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read status response: %w", err)
	}

	var status syncsvc.Status
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("failed to decode status response: %w", err)
	}

	fmt.Printf("phase:     %s\n", status.Phase)
	if status.SessionID != "" {
		fmt.Printf("session:   %s\n", status.SessionID)
		fmt.Printf("mode:      %s\n", status.Mode)
		fmt.Printf("progress:  %d/%d (succeeded %d, failed %d)\n",
			status.Processed, status.Total, status.Succeeded, status.Failed)
		if status.CurrentItem != "" {
			fmt.Printf("current:   %s\n", status.CurrentItem)
		}
		if status.ETA > 0 {
			fmt.Printf("eta:       %s\n", status.ETA.Round(time.Second))
		}
	}

	return nil
}
