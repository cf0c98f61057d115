package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the node's identity and storage transport settings
type ServerConfig struct {
	NodeID      string        `yaml:"node_id"`
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// StorageConfig holds data placement configuration
type StorageConfig struct {
	DataDir    string   `yaml:"data_dir"`
	SystemFile string   `yaml:"system_file"`
	Tables     []string `yaml:"tables"`
}

// ReplicationConfig holds replica placement configuration
type ReplicationConfig struct {
	Factor int `yaml:"factor"`
}

// BootstrapConfig controls how the node joins the ring
type BootstrapConfig struct {
	// JoinRing requests bootstrap on startup; a node that already completed
	// a bootstrap ignores it.
	JoinRing bool `yaml:"join_ring"`
	// InitialToken, when set, short-circuits the token chooser
	InitialToken string `yaml:"initial_token"`
	// InitialDelay lets gossip stabilize before load info is read
	InitialDelay        time.Duration `yaml:"initial_delay"`
	TokenRequestTimeout time.Duration `yaml:"token_request_timeout"`
	LoadInfoTimeout     time.Duration `yaml:"load_info_timeout"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled            bool          `yaml:"enabled"`
	BindPort           int           `yaml:"bind_port"`
	SeedNodes          []string      `yaml:"seed_nodes"`
	GossipInterval     time.Duration `yaml:"gossip_interval"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
	ProbeInterval      time.Duration `yaml:"probe_interval"`
	LoadReportInterval time.Duration `yaml:"load_report_interval"`
}

// MetricsConfig holds the ops HTTP server configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for the storage node
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Replication ReplicationConfig `yaml:"replication"`
	Bootstrap   BootstrapConfig   `yaml:"bootstrap"`
	Gossip      GossipConfig      `yaml:"gossip"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7000
	}
	if cfg.Server.DialTimeout == 0 {
		cfg.Server.DialTimeout = 5 * time.Second
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/ringkv"
	}
	if cfg.Storage.SystemFile == "" {
		cfg.Storage.SystemFile = cfg.Storage.DataDir + "/system.db"
	}
	if len(cfg.Storage.Tables) == 0 {
		cfg.Storage.Tables = []string{"default"}
	}

	if cfg.Replication.Factor == 0 {
		cfg.Replication.Factor = 1
	}

	if cfg.Bootstrap.InitialDelay == 0 {
		cfg.Bootstrap.InitialDelay = 30 * time.Second
	}
	if cfg.Bootstrap.TokenRequestTimeout == 0 {
		cfg.Bootstrap.TokenRequestTimeout = 30 * time.Second
	}
	if cfg.Bootstrap.LoadInfoTimeout == 0 {
		cfg.Bootstrap.LoadInfoTimeout = 60 * time.Second
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.LoadReportInterval == 0 {
		cfg.Gossip.LoadReportInterval = 5 * time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Replication.Factor < 1 {
		return fmt.Errorf("replication.factor must be at least 1")
	}
	return nil
}
