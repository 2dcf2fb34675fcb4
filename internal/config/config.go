// Package config loads the yaml configuration of the coordinator and
// storage binaries.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the node's serving endpoints.
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RaftPeer is one member of an RSM group in the configuration.
type RaftPeer struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
}

// RaftConfig holds the RSM runtime settings of a node.
type RaftConfig struct {
	ID            uint64        `yaml:"id"`
	Peers         []RaftPeer    `yaml:"peers"`
	TickInterval  time.Duration `yaml:"tick_interval"`
	ElectionTick  int           `yaml:"election_tick"`
	HeartbeatTick int           `yaml:"heartbeat_tick"`
}

// HlcConfig tunes the coordinator's timestamp batch allocation.
type HlcConfig struct {
	BatchSize         uint64 `yaml:"batch_size"`
	PreallocateMargin uint64 `yaml:"preallocate_margin"`
}

// GossipConfig holds cluster membership settings.
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// StorageConfig holds the shard engine settings.
type StorageConfig struct {
	PropertiesOnEdges bool `yaml:"properties_on_edges"`
	ScanBatchSize     int  `yaml:"scan_batch_size"`
}

// ClientConfig tunes RSM clients.
type ClientConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
}

// MetricsConfig holds metrics exposure settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CoordinatorConfig is the complete configuration of a coordinator
// replica.
type CoordinatorConfig struct {
	Server  ServerConfig  `yaml:"server"`
	Raft    RaftConfig    `yaml:"raft"`
	Hlc     HlcConfig     `yaml:"hlc"`
	Gossip  GossipConfig  `yaml:"gossip"`
	Client  ClientConfig  `yaml:"client"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// NodeConfig is the complete configuration of a storage replica.
type NodeConfig struct {
	Server      ServerConfig  `yaml:"server"`
	Raft        RaftConfig    `yaml:"raft"`
	Coordinator []string      `yaml:"coordinator_addresses"`
	Storage     StorageConfig `yaml:"storage"`
	Gossip      GossipConfig  `yaml:"gossip"`
	Client      ClientConfig  `yaml:"client"`
	Metrics     MetricsConfig `yaml:"metrics"`
	Logging     LoggingConfig `yaml:"logging"`
}

// LoadCoordinatorConfig reads and validates a coordinator configuration
// file.
func LoadCoordinatorConfig(path string) (*CoordinatorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg CoordinatorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	setCoordinatorDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// LoadNodeConfig reads and validates a storage node configuration file.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg NodeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	setNodeDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setServerDefaults(cfg *ServerConfig, defaultPort int) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func setRaftDefaults(cfg *RaftConfig) {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.ElectionTick == 0 {
		cfg.ElectionTick = 10
	}
	if cfg.HeartbeatTick == 0 {
		cfg.HeartbeatTick = 1
	}
}

func setCoordinatorDefaults(cfg *CoordinatorConfig) {
	setServerDefaults(&cfg.Server, 7680)
	setRaftDefaults(&cfg.Raft)
	if cfg.Hlc.BatchSize == 0 {
		cfg.Hlc.BatchSize = 1024
	}
	if cfg.Hlc.PreallocateMargin == 0 {
		cfg.Hlc.PreallocateMargin = 128
	}
	setClientDefaults(&cfg.Client)
	setMetricsDefaults(&cfg.Metrics)
}

func setNodeDefaults(cfg *NodeConfig) {
	setServerDefaults(&cfg.Server, 7690)
	setRaftDefaults(&cfg.Raft)
	if cfg.Storage.ScanBatchSize == 0 {
		cfg.Storage.ScanBatchSize = 128
	}
	setClientDefaults(&cfg.Client)
	setMetricsDefaults(&cfg.Metrics)
}

func setClientDefaults(cfg *ClientConfig) {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 10
	}
}

func setMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
}

// Validate checks a coordinator configuration.
func (c *CoordinatorConfig) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Raft.ID == 0 {
		return fmt.Errorf("raft.id is required")
	}
	if len(c.Raft.Peers) == 0 {
		return fmt.Errorf("raft.peers must not be empty")
	}
	return nil
}

// Validate checks a storage node configuration.
func (c *NodeConfig) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if len(c.Coordinator) == 0 {
		return fmt.Errorf("coordinator_addresses must not be empty")
	}
	return nil
}
