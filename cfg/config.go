package cfg

import (
	"fmt"
	"hash/fnv"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

// CDCConfiguration tunes the observer registries
type CDCConfiguration struct {
	RingBufferSize       int `toml:"ring_buffer_size"`       // Recent events kept in memory per registry
	SubscriberBufferSize int `toml:"subscriber_buffer_size"` // Live items queued per subscriber before it is detached
	PublisherBufferSize  int `toml:"publisher_buffer_size"`  // Upstream request window of a capture publisher
	ReplayRoundSize      int `toml:"replay_round_size"`      // Max mutations read from the log per replay round
	ExecutorWorkers      int `toml:"executor_workers"`
	CleanupIntervalMS    int `toml:"cleanup_interval_ms"`
}

// WALConfiguration controls the durable mutation log
type WALConfiguration struct {
	Compression      string `toml:"compression"` // "none", "zstd" or "lz4"
	CacheVersions    int    `toml:"cache_versions"`
	FollowIntervalMS int    `toml:"follow_interval_ms"`
	RetainVersions   int64  `toml:"retain_versions"` // 0 keeps everything
}

// SinkConfiguration describes one relay destination
type SinkConfiguration struct {
	Name   string `toml:"name"`
	Type   string `toml:"type"`   // "kafka", "nats"
	Format string `toml:"format"` // "json"
	Scope  string `toml:"scope"`  // "catalog" (default) or "engine"

	// Kafka
	Brokers []string `toml:"brokers"`

	// NATS
	NatsURL string `toml:"nats_url"`

	TopicPrefix string `toml:"topic_prefix"`

	FilterAreas       []string `toml:"filter_areas"`
	FilterClassifiers []string `toml:"filter_classifiers"`
	FilterNames       []string `toml:"filter_names"`
	Content           string   `toml:"content"` // "header" or "body"

	SinceVersion    int64   `toml:"since_version"` // used when no cursor is stored, -1 = from now
	BatchSize       int     `toml:"batch_size"`
	RetryInitialMS  int     `toml:"retry_initial_ms"`
	RetryMaxMS      int     `toml:"retry_max_ms"`
	RetryMultiplier float64 `toml:"retry_multiplier"`
}

// AdminConfiguration controls the HTTP admin surface
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // empty disables authentication
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`
	Catalog string `toml:"catalog"`

	CDC        CDCConfiguration        `toml:"cdc"`
	WAL        WALConfiguration        `toml:"wal"`
	Sinks      []SinkConfiguration     `toml:"sink"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	Flags = pflag.NewFlagSet("changefeed", pflag.ContinueOnError)

	ConfigPathFlag = Flags.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = Flags.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = Flags.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	CatalogFlag    = Flags.String("catalog", "", "Catalog served by this process (overrides config)")
	AdminPortFlag  = Flags.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./changefeed-data",
	Catalog: "default",

	CDC: CDCConfiguration{
		RingBufferSize:       8192,
		SubscriberBufferSize: 1024,
		PublisherBufferSize:  256,
		ReplayRoundSize:      512,
		ExecutorWorkers:      4,
		CleanupIntervalMS:    30000,
	},

	WAL: WALConfiguration{
		Compression:      "zstd",
		CacheVersions:    1024,
		FollowIntervalMS: 500,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8090,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// ParseFlags parses the command line into the flag variables
func ParseFlags(args []string) error {
	return Flags.Parse(args)
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *CatalogFlag != "" {
		Config.Catalog = *CatalogFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID derives a stable node ID from the machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("changefeed")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Catalog == "" {
		return fmt.Errorf("catalog name is required")
	}
	if Config.CDC.RingBufferSize < 1 {
		return fmt.Errorf("cdc.ring_buffer_size must be >= 1")
	}
	if Config.CDC.SubscriberBufferSize < 1 {
		return fmt.Errorf("cdc.subscriber_buffer_size must be >= 1")
	}
	if Config.CDC.PublisherBufferSize < 2 {
		return fmt.Errorf("cdc.publisher_buffer_size must be >= 2")
	}
	if Config.CDC.ReplayRoundSize < 1 {
		return fmt.Errorf("cdc.replay_round_size must be >= 1")
	}
	if Config.CDC.ExecutorWorkers < 1 {
		return fmt.Errorf("cdc.executor_workers must be >= 1")
	}
	if Config.CDC.CleanupIntervalMS < 1 {
		return fmt.Errorf("cdc.cleanup_interval_ms must be >= 1")
	}

	switch Config.WAL.Compression {
	case "", "none", "zstd", "lz4":
	default:
		return fmt.Errorf("unknown wal.compression %q", Config.WAL.Compression)
	}
	if Config.WAL.RetainVersions < 0 {
		return fmt.Errorf("wal.retain_versions must be >= 0")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	names := make(map[string]struct{}, len(Config.Sinks))
	for i, sink := range Config.Sinks {
		if sink.Name == "" {
			return fmt.Errorf("sink %d: name is required", i)
		}
		if _, dup := names[sink.Name]; dup {
			return fmt.Errorf("duplicate sink name %q", sink.Name)
		}
		names[sink.Name] = struct{}{}

		switch sink.Scope {
		case "", "catalog", "engine":
		default:
			return fmt.Errorf("sink %q: unknown scope %q", sink.Name, sink.Scope)
		}
	}

	return nil
}

// WALPath returns the directory of the durable mutation log
func WALPath() string {
	return path.Join(Config.DataDir, "wal")
}
