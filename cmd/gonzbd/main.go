package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/spf13/cobra"

	"github.com/nzbcore/gonzbd/internal/api"
	"github.com/nzbcore/gonzbd/internal/app"
	"github.com/nzbcore/gonzbd/internal/config"
	"github.com/nzbcore/gonzbd/internal/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "gonzbd",
	Short: "gonzbd is a headless Usenet download manager",
	Long:  `A long-running NNTP download engine with crash-safe resume, PAR2 verify/repair, archive extraction, and a REST control surface.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the config file (default config.yaml)")
}

func runDaemon() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), cfg.Log.IncludeStdout)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}

	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return err
	}
	log.Info("engine started, %d server(s) configured", len(cfg.Servers))

	e := echo.New()
	api.RegisterRoutes(e, a)

	srv := &http.Server{
		Addr:    cfg.Control.ListenAddr,
		Handler: e,
	}

	srvErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srvErr <- err
		}
	}()
	log.Info("control surface listening on %s", cfg.Control.ListenAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("received %v, shutting down", sig)
	case err := <-srvErr:
		log.Error("control surface: %v", err)
	}

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		log.Warn("stopping control surface: %v", err)
	}
	httpCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Minute)
	a.Shutdown(shutdownCtx)
	shutdownCancel()
	cancel()

	log.Info("shutdown complete")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
