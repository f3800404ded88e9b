package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"photo-colorizer/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP colorization service",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	app, err := newApplication(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	logger.WithFields(logrus.Fields{
		"version": AppVersion,
		"addr":    cfg.Server.Addr,
		"models":  cfg.Model.Dir,
		"scratch": app.workspace.Dir(),
	}).Infof("Starting %s", AppName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// a failed load leaves the model Failed; the rest of the service keeps running
	go func() {
		if err := app.manager.Load(ctx); err != nil {
			logger.WithError(err).Error("Colorization model unavailable")
		}
	}()

	go app.workspace.RunSweeper(ctx, cfg.Scratch.SweepInterval, cfg.Scratch.MaxAge, func(removed int) {
		app.telemetry.ScratchFilesSwept.Add(float64(removed))
	})

	srv := server.New(app.service, app.manager, app.telemetry, logger, server.Options{
		RequestTimeout: cfg.Server.RequestTimeout,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("Shutting down server")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
		return err
	}

	logger.Info("Server stopped")
	return nil
}
