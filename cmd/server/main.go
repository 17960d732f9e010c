// Command main is the entry point for the Plaza API server.
package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"plaza/internal/bootstrap"
	"plaza/internal/config"
	"plaza/internal/observability"
	"plaza/internal/server"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.InitRuntime(ctx, cfg, bootstrap.Options{Tracing: true})
	if err != nil {
		log.Fatalf("Failed to initialize runtime: %v", err)
	}

	srv := server.NewServer(cfg, rt)

	if cfg.ReconcileInterval > 0 {
		go reconcileLoop(ctx, rt, cfg.ReconcileInterval)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			observability.GlobalLogger.Error("server stopped", slog.String("error", err.Error()))
		}
	case <-ctx.Done():
		log.Println("Shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if err := rt.Close(shutdownCtx); err != nil {
		log.Printf("Runtime shutdown error: %v", err)
	}
}

// reconcileLoop runs a repair pass every interval until ctx ends.
func reconcileLoop(ctx context.Context, rt *bootstrap.Runtime, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := rt.Reconciler.Run(ctx)
			if err != nil {
				observability.GlobalLogger.Error("scheduled reconciliation failed", slog.String("error", err.Error()))
				continue
			}
			if !report.Clean() {
				observability.GlobalLogger.Warn("reconciliation left unrepaired edges",
					slog.Int("tasks_failed", report.TasksFailed),
					slog.Int("unrepaired", report.Unrepaired),
					slog.Int("users_unreadable", report.UsersUnreadable))
			}
		}
	}
}
