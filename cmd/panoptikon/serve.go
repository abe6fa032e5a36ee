package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/reasv/panoptikon-go/config"
	"github.com/reasv/panoptikon-go/internal/api"
	"github.com/reasv/panoptikon-go/internal/cron"
	"github.com/reasv/panoptikon-go/internal/inferio/client"
	"github.com/reasv/panoptikon-go/internal/jobs"
	"github.com/reasv/panoptikon-go/internal/search"
	"github.com/reasv/panoptikon-go/log"
	"github.com/reasv/panoptikon-go/repository"
)

var logger = log.Default().With("cmd")

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the job control, search, and cron surface (spec.md §4.6, §4.9, §4.10)",
	RunE:  runServe,
}

// runServe wires every index database's Search Runner, the Job Manager,
// the Distributed Client (fanning out to the configured inference
// endpoints), and the Cron Scheduler behind one HTTP server, per spec.md
// §2's dataflow.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadAppConfig(configPath)
	if err != nil {
		return err
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable: %w", err)
	}
	jm := jobs.New(self, []string{"job-worker", "--config", configPath})
	go jm.Run()
	defer jm.Stop()

	indexes := map[string]*search.Runner{}
	for _, name := range cfg.Indexes {
		dbPath := filepath.Join(cfg.DataDir, name+".db")
		db, err := repository.Open(dbPath, false)
		if err != nil {
			return fmt.Errorf("open index %s: %w", name, err)
		}
		if err := repository.InitSchema(db); err != nil {
			return fmt.Errorf("init schema for index %s: %w", name, err)
		}
		indexes[name] = search.New(db, &repository.ItemRepository{DB: db})
	}

	models := config.New(cfg.ConfigDir, cfg.UserConfigDir)
	if err := models.Load(); err != nil {
		return fmt.Errorf("load model config: %w", err)
	}
	if err := models.WatchForChanges(); err != nil {
		logger.Warnf("config watch disabled: %v", err)
	}
	defer models.Close()

	settings := cron.TOMLSettingsSource(cfg.DataDir)
	scheduler := cron.New(jm, models, settings)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runCronLoop(ctx, scheduler, cfg)

	server := api.New(jm, indexes)
	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: server}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("panoptikon serving on %s", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		logger.Infof("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// runCronLoop drives the Cron Scheduler on a fixed interval until ctx is
// cancelled, per spec.md §4.10: "On each tick (≤1 min)".
func runCronLoop(ctx context.Context, scheduler *cron.Scheduler, cfg AppConfig) {
	interval := time.Duration(cfg.CronIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scheduler.Tick(cfg.Indexes)
		}
	}
}

// distributedClient builds the Distributed Client the job worker uses to
// reach the inference host(s) configured in AppConfig, per spec.md §4.5.
func distributedClient(cfg AppConfig) (*client.Client, error) {
	endpoints := make([]client.Endpoint, 0, len(cfg.InferenceEndpoints))
	for _, e := range cfg.InferenceEndpoints {
		endpoints = append(endpoints, client.Endpoint{BaseURL: e.URL, Weight: e.Weight})
	}
	return client.New(endpoints)
}
