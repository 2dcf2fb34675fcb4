package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/filigreedb/filigree/internal/config"
	"github.com/filigreedb/filigree/internal/metrics"
	"github.com/filigreedb/filigree/internal/msgs"
	"github.com/filigreedb/filigree/internal/registrar"
	"github.com/filigreedb/filigree/internal/router"
	"github.com/filigreedb/filigree/internal/rsm"
	"github.com/filigreedb/filigree/internal/server"
	"github.com/filigreedb/filigree/internal/storage"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./storage.yaml"
	}

	cfg, err := config.LoadNodeConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port))

	m := metrics.New(cfg.Server.NodeID)
	hostAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	transport := rsm.NewHTTPTransport(logger)
	host := server.NewHost(hostAddr, transport, server.RaftSettings{
		TickInterval:  cfg.Raft.TickInterval,
		ElectionTick:  cfg.Raft.ElectionTick,
		HeartbeatTick: cfg.Raft.HeartbeatTick,
	}, storage.Config{
		PropertiesOnEdges: cfg.Storage.PropertiesOnEdges,
		ScanBatchSize:     cfg.Storage.ScanBatchSize,
	}, logger, m)

	caller := rsm.NewHTTPCaller(msgs.Address(hostAddr), cfg.Client.RequestTimeout)
	coordAddrs := make([]msgs.Address, len(cfg.Coordinator))
	for i, addr := range cfg.Coordinator {
		coordAddrs[i] = msgs.Address(addr + "/coordinator")
	}
	coordClient := router.NewCoordinatorClient(caller, coordAddrs, rsm.ClientConfig{
		RequestTimeout: cfg.Client.RequestTimeout,
		MaxRetries:     cfg.Client.MaxRetries,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Watch the shard map so splits assigned to this replica get driven.
	go host.WatchShardMap(ctx, coordClient, 0)

	if cfg.Gossip.Enabled {
		reg, err := registrar.New(&registrar.Config{
			Enabled:        cfg.Gossip.Enabled,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
		}, cfg.Server.NodeID, msgs.Address(hostAddr), nil, logger)
		if err != nil {
			logger.Error("Failed to initialize gossip membership", zap.Error(err))
		} else {
			defer reg.Shutdown()
			logger.Info("Gossip membership initialized")
		}
	}

	httpServer := server.NewHTTPServer(hostAddr, host, cfg.Metrics.Path, logger)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down gracefully...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown failed", zap.Error(err))
		}
		cancel()
		host.Stop()
	}()

	logger.Info("Storage node starting", zap.String("address", hostAddr))
	if err := httpServer.ListenAndServe(); err != nil {
		logger.Info("Server stopped", zap.Error(err))
	}
}

// initLogger builds the zap logger from the logging configuration.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}
