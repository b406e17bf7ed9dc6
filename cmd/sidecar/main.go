// Command sidecar runs the prediction-market trading sidecar: it loads
// configuration, wires every subsystem through the composition root, serves
// the local REST and websocket services, and shuts down cleanly on signal.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/predictiontrader/sidecar/internal/apiservice"
	"github.com/predictiontrader/sidecar/internal/config"
	"github.com/predictiontrader/sidecar/internal/lifecycle"
)

// noopBotController stands in for the out-of-scope strategy/bot engine: the
// sidecar only needs to be able to relay start/stop/pause/resume, not run
// the strategy itself.
type noopBotController struct{}

func (noopBotController) Start(ctx context.Context) error  { return nil }
func (noopBotController) Stop(ctx context.Context) error   { return nil }
func (noopBotController) Pause(ctx context.Context) error  { return nil }
func (noopBotController) Resume(ctx context.Context) error { return nil }

var _ apiservice.BotController = noopBotController{}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[sidecar] config: %v", err)
	}

	slog.Info("sidecar starting", "base_url", cfg.BaseURL, "http_port", cfg.HTTPPort)

	root, res, err := lifecycle.Build(cfg, noopBotController{}, time.Now, "")
	if err != nil {
		log.Fatalf("[sidecar] build: %v", err)
	}
	_ = res

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := root.Start(ctx); err != nil {
		log.Fatalf("[sidecar] startup failed: %v", err)
	}
	slog.Info("sidecar ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("sidecar shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := root.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("[sidecar] shutdown failed: %v", err)
	}
	slog.Info("sidecar stopped")
}
