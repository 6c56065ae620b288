// Command contentengine runs the content-engine orchestrator: it watches
// an incoming directory for dropped documents and drives each through the
// script/SEO/shorts/voice pipeline to a finished manifest.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	app "github.com/contentforge/engine/internal/app"
	"github.com/contentforge/engine/infrastructure/logging"
	"github.com/contentforge/engine/infrastructure/shutdown"
	"github.com/contentforge/engine/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config overlay (defaults to configs/config.yaml or $CONFIG_FILE)")
	shutdownTimeout := flag.Duration("shutdown-timeout", 15*time.Second, "max time to wait for in-flight work to drain on shutdown")
	flag.Parse()

	if trimmed := strings.TrimSpace(*configPath); trimmed != "" {
		os.Setenv("CONFIG_FILE", trimmed)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New("contentengine", cfg.LogLevel, cfg.LogFormat)

	application, err := app.New(cfg, logger, &http.Client{Timeout: cfg.APITimeout})
	if err != nil {
		log.Fatalf("wire application: %v", err)
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		log.Fatalf("start application: %v", err)
	}
	logger.Info(ctx, "contentengine started", map[string]interface{}{
		"incoming_dir": cfg.IncomingDir,
		"mock_mode":    cfg.MockMode,
	})

	metricsServer := startMetricsServer(cfg.MetricsAddr, application)

	gs := shutdown.NewGracefulShutdown(application, *shutdownTimeout)
	gs.OnShutdown(func() {
		logger.Info(context.Background(), "shutting down", nil)
		if metricsServer != nil {
			_ = metricsServer.Shutdown(context.Background())
		}
	})
	gs.ListenForSignals()
	gs.Wait()

	logger.Info(context.Background(), "shutdown complete", nil)
}

// startMetricsServer mounts the Prometheus handler built in
// internal/observability on cfg.MetricsAddr. It is the operator's choice
// whether to run this at all; an empty address disables it, matching the
// "no HTTP surface by default" stance elsewhere in this binary.
func startMetricsServer(addr string, application *app.Application) *http.Server {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", application.Metrics.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	return server
}
