package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/filigreedb/filigree/internal/config"
	"github.com/filigreedb/filigree/internal/coordinator"
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
		configPath = "./coordinator.yaml"
	}

	cfg, err := config.LoadCoordinatorConfig(configPath)
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
	}, storage.DefaultConfig(), logger, m)

	coord := coordinator.New(coordinator.Config{
		BatchSize:         cfg.Hlc.BatchSize,
		PreallocateMargin: cfg.Hlc.PreallocateMargin,
	}, logger)

	peers := make([]rsm.Peer, len(cfg.Raft.Peers))
	for i, p := range cfg.Raft.Peers {
		peers[i] = rsm.Peer{ID: p.ID, Address: msgs.Address(p.Address + "/coordinator")}
	}
	if _, err := host.ServeCoordinator(coord, cfg.Raft.ID, peers); err != nil {
		logger.Fatal("Failed to serve coordinator", zap.Error(err))
	}

	// The registrar turns gossip membership events into storage pool
	// writes against this coordinator group.
	if cfg.Gossip.Enabled {
		caller := rsm.NewHTTPCaller(msgs.Address(hostAddr), cfg.Client.RequestTimeout)
		addrs := make([]msgs.Address, len(peers))
		for i, p := range peers {
			addrs[i] = p.Address
		}
		writer := router.NewCoordinatorClient(caller, addrs, rsm.ClientConfig{
			RequestTimeout: cfg.Client.RequestTimeout,
			MaxRetries:     cfg.Client.MaxRetries,
		}, logger)
		reg, err := registrar.New(&registrar.Config{
			Enabled:        cfg.Gossip.Enabled,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
		}, cfg.Server.NodeID, msgs.Address(hostAddr), writer, logger)
		if err != nil {
			logger.Error("Failed to initialize registrar", zap.Error(err))
		} else {
			defer reg.Shutdown()
			logger.Info("Registrar initialized")
		}
	}

	httpServer := server.NewHTTPServer(hostAddr, host, cfg.Metrics.Path, logger)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down gracefully...")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("HTTP shutdown failed", zap.Error(err))
		}
		host.Stop()
	}()

	logger.Info("Coordinator starting", zap.String("address", hostAddr))
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
