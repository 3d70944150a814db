package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

// Config holds the insert queue service configuration
type Config struct {
	Queue   QueueConfig
	Storage StorageConfig
	Server  ServerConfig
}

// QueueConfig holds the batching queue settings
type QueueConfig struct {
	PoolSize        int           // Shard and flush worker count
	BusyTimeout     time.Duration // Age trigger for batch flushes
	MaxDataSize     int64         // Byte budget per batch
	MaxEntries      int           // Entry budget per batch
	FlushOnShutdown bool          // Flush pending batches on shutdown
	UserMemoryLimit int64         // Per-user buffered payload limit (0 = unlimited)
}

// StorageConfig holds the backend database settings
type StorageConfig struct {
	Driver   string // "mysql" or "postgres"
	DSN      string
	DedupMax int           // Max dedup tokens kept (0 disables dedup)
	DedupTTL time.Duration // How long a dedup token suppresses duplicates
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Listen  string // Insert API address
	Metrics string // Metrics/pprof address
}

// Load reads configuration from an INI file with environment variable overrides
func Load(path string) (*Config, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, errors.Wrap(err, "load config file")
	}

	queue := cfg.Section("queue")
	storage := cfg.Section("storage")
	server := cfg.Section("server")

	config := &Config{
		Queue: QueueConfig{
			PoolSize:        queue.Key("pool_size").MustInt(4),
			BusyTimeout:     time.Duration(queue.Key("busy_timeout_ms").MustInt(200)) * time.Millisecond,
			MaxDataSize:     queue.Key("max_data_size").MustInt64(10 << 20),
			MaxEntries:      queue.Key("max_entries").MustInt(1000),
			FlushOnShutdown: queue.Key("flush_on_shutdown").MustBool(true),
			UserMemoryLimit: queue.Key("user_memory_limit").MustInt64(0),
		},
		Storage: StorageConfig{
			Driver:   storage.Key("driver").MustString("mysql"),
			DSN:      storage.Key("dsn").MustString("root@tcp(127.0.0.1:3306)/test"),
			DedupMax: storage.Key("dedup_max").MustInt(100000),
			DedupTTL: time.Duration(storage.Key("dedup_ttl_sec").MustInt(300)) * time.Second,
		},
		Server: ServerConfig{
			Listen:  server.Key("listen").MustString(":8123"),
			Metrics: server.Key("metrics").MustString(":9090"),
		},
	}

	// Environment variable overrides
	if v := os.Getenv("TQINSERTQ_STORAGE_DRIVER"); v != "" {
		config.Storage.Driver = v
	}
	if v := os.Getenv("TQINSERTQ_STORAGE_DSN"); v != "" {
		config.Storage.DSN = v
	}
	if v := os.Getenv("TQINSERTQ_SERVER_LISTEN"); v != "" {
		config.Server.Listen = v
	}
	if v := os.Getenv("TQINSERTQ_SERVER_METRICS"); v != "" {
		config.Server.Metrics = v
	}

	return config, nil
}
