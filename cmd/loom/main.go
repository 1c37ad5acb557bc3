// Loom orchestrator service. Subscribes to every stage topic through the
// messaging fabric, tracks pipelines, publishes orchestration events, and
// serves the dashboard API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loomhq/loom/pkg/api"
	"github.com/loomhq/loom/pkg/config"
	"github.com/loomhq/loom/pkg/fabric"
	"github.com/loomhq/loom/pkg/logger"
	"github.com/loomhq/loom/pkg/pipeline"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional; env vars override)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "loom:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	client, err := fabric.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Start(ctx); err != nil {
		return err
	}
	defer client.Stop()

	orch := pipeline.NewOrchestrator(client, pipeline.Options{
		EventsTopic:     cfg.EventsTopic,
		StallThreshold:  cfg.StallThreshold,
		MonitorInterval: cfg.MonitorInterval,
		CleanupInterval: cfg.CleanupInterval,
		RetentionWindow: cfg.RetentionWindow,
		HistoryCapacity: cfg.HistoryCapacity,
	})

	server := api.NewServer(cfg, orch)
	orch.SetBroadcaster(server.Hub())
	orch.Start(ctx)
	defer orch.Stop()

	group := cfg.GroupPrefix + ".orchestrator"
	for _, topic := range cfg.SubscribeTopics {
		if err := client.Subscribe(topic, group, orch.ProcessMessage); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	logger.InfoCF("main", "Orchestrator subscribed", map[string]interface{}{
		"topics":  cfg.SubscribeTopics,
		"group":   group,
		"backend": cfg.Backend,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.InfoC("main", "Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
