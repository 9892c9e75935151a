package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/CageChen/htscan/internal/audit"
	"github.com/CageChen/htscan/internal/config"
	"github.com/CageChen/htscan/internal/handler"
	"github.com/CageChen/htscan/internal/inspector"
	"github.com/CageChen/htscan/internal/logger"
	"github.com/CageChen/htscan/internal/metrics"
	"github.com/CageChen/htscan/internal/ratelimiter"
	"github.com/CageChen/htscan/internal/watcher"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepInterval   = time.Minute
)

func serveCmd(g *globalFlags) *cobra.Command {
	var (
		port   int
		listen string
		watch  bool
		open   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the scan report and file retrieval over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			if cmd.Flags().Changed("watch") {
				cfg.Watch = watch
			}
			if cmd.Flags().Changed("open") {
				cfg.Open = open
			}
			if err := checkExposure(cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1", "Address to listen on")
	cmd.Flags().BoolVarP(&watch, "watch", "w", true, "Watch the roots and push alerts to the browser")
	cmd.Flags().BoolVarP(&open, "open", "o", false, "Open the report in a browser")

	return cmd
}

// checkExposure refuses to serve unauthenticated on a non-loopback address.
func checkExposure(cfg *config.Config) error {
	if len(cfg.Operators) > 0 {
		return nil
	}
	if cfg.Listen == "localhost" {
		return nil
	}
	if ip := net.ParseIP(cfg.Listen); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("no operators configured: refusing to listen on %q without authentication", cfg.Listen)
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger.Info("htscan %s", version)
	logger.Info("Config file: %s", cfg.GetConfigFilePath())
	logger.Info("Install root: %s", cfg.InstallRoot)
	for _, r := range cfg.Roots {
		logger.Info("  [%s] %s (%s)", r.Key, r.Path, r.Suffix)
	}

	auditLog, err := audit.New(cfg.AuditLog)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	var registry *metrics.Registry
	var recorder metrics.Recorder = metrics.NewNoop()
	if cfg.Metrics {
		registry = metrics.NewRegistry()
		recorder = registry
	}

	in, err := inspector.New(cfg, auditLog, recorder)
	if err != nil {
		return fmt.Errorf("invalid roots: %w", err)
	}

	limiter := ratelimiter.New(cfg.Retrieve.RatePerSecond, cfg.Retrieve.Burst)
	go sweep(ctx, limiter)

	opts := handler.Options{
		Inspector:      in,
		Operators:      cfg.Operators,
		AllowedOrigins: cfg.AllowedOrigins,
		TrustedProxies: cfg.TrustedProxies,
		Limiter:        limiter,
		Metrics:        registry,
	}

	if cfg.Watch {
		ws := handler.NewWSHandler(cfg.AllowedOrigins)
		w, err := watcher.New(cfg, recorder)
		if err != nil {
			logger.Warn("failed to create file watcher: %v", err)
		} else {
			w.OnChange(ws.OnFileChange)
			if err := w.Start(); err != nil {
				logger.Warn("failed to start file watcher: %v", err)
			}
			defer func() { _ = w.Stop() }()
			opts.WS = ws
			logger.Info("File watcher enabled (%d directories)", w.Watched())
		}
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Listen, strconv.Itoa(cfg.Port)),
		Handler:           handler.NewRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	url := fmt.Sprintf("http://%s/report", srv.Addr)
	logger.Info("Server listening at: %s", url)
	if cfg.Open {
		go openBrowser(url)
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// sweep drops idle rate limiter buckets until ctx ends.
func sweep(ctx context.Context, limiter *ratelimiter.RateLimiter) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Sweep()
		}
	}
}

func openBrowser(url string) {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "windows":
		cmd = "rundll32"
		args = []string{"url.dll,FileProtocolHandler", url}
	case "darwin":
		cmd = "open"
		args = []string{url}
	default: // linux, etc.
		cmd = "xdg-open"
		args = []string{url}
	}

	if err := exec.Command(cmd, args...).Start(); err != nil {
		logger.Debug("open browser: %v", err)
	}
}
