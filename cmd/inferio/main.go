// Command inferio serves the Inference Host's HTTP surface (§6.1): the
// Config Registry, the Model Manager (with its TTL sweep ticker), and the
// Ingress adapter that translates requests into MM/IH calls.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/reasv/panoptikon-go/config"
	"github.com/reasv/panoptikon-go/internal/inferio/ingress"
	"github.com/reasv/panoptikon-go/internal/inferio/manager"
	"github.com/reasv/panoptikon-go/log"
)

var logger = log.Default().With("cmd")

var configPath string

var rootCmd = &cobra.Command{
	Use:   "inferio",
	Short: "Serve the inference lifecycle host (spec.md §4.2-4.4, §6.1)",
	RunE:  runServe,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "inferio.toml", "path to the inference server config file")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadAppConfig(configPath)
	if err != nil {
		return err
	}

	models := config.New(cfg.ConfigDir, cfg.UserConfigDir)
	if err := models.Load(); err != nil {
		return fmt.Errorf("load model config: %w", err)
	}
	if err := models.WatchForChanges(); err != nil {
		logger.Warnf("config watch disabled: %v", err)
	}
	defer models.Close()

	mgr := manager.New(models)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.StartTTLTicker(ctx, time.Duration(cfg.TTLCheckSeconds)*time.Second)
	defer mgr.StopTTLTicker()

	server := ingress.New(mgr, models)
	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: server}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("inferio serving on %s", cfg.ListenAddr)
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
