// Command clusterproxy starts the cluster-subsystem process: it loads the
// cluster configuration, starts Discovery and Health, and serves the
// debug/introspection HTTP surface over the Manager's status. The actual
// request-forwarding front end (prompt handling, streaming, token
// counting) is out of scope for this module; this entrypoint exists so the
// cluster core runs as a standalone process the way the teacher's
// cmd/server runs the HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clusterconfig"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clustermetrics"
	"github.com/fairyhunter13/cluster-proxy/internal/cluster/manager"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	clustermetrics.InitPrometheus()

	cfg, err := clusterconfig.Load()
	if err != nil {
		slog.Error("failed to load cluster config", slog.Any("error", err))
		os.Exit(1)
	}

	mgr, err := manager.New(cfg)
	if err != nil {
		slog.Error("failed to build cluster manager", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		slog.Error("failed to start cluster manager", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("cluster manager started",
		slog.String("discoveryMode", string(cfg.Discovery.Mode)),
		slog.String("routingStrategy", string(cfg.Routing.Strategy)))

	debugPort := debugPortFromEnv()
	mux := mgr.DebugRouter()
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", debugPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("debug http server starting", slog.Int("port", debugPort))
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("debug server error", slog.Any("error", err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	cancel()
	mgr.Shutdown()
}

func debugPortFromEnv() int {
	const def = 9090
	v := os.Getenv("CLUSTER_DEBUG_PORT")
	if v == "" {
		return def
	}
	var port int
	if _, err := fmt.Sscanf(v, "%d", &port); err != nil || port <= 0 {
		return def
	}
	return port
}
