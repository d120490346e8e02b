package config

import (
	"strings"
	"time"

	"github.com/floelabs/floe/internal/bytesize"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	applyKVDefaults(&cfg.KV)
	applyUploadDefaults(&cfg.Upload)
	applyWalrusDefaults(&cfg.Walrus)
	applySuiDefaults(&cfg.Sui)
	applyStreamDefaults(&cfg.Stream)
	applyGCDefaults(&cfg.GC)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyKVDefaults(cfg *KVConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "badger"
	}
	if cfg.Backend == "badger" && cfg.Path == "" {
		cfg.Path = "/var/lib/floe/kv"
	}
}

func applyUploadDefaults(cfg *UploadConfig) {
	if cfg.TmpDir == "" {
		cfg.TmpDir = "/var/lib/floe/uploads"
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 6 * time.Hour
	}
	if cfg.MetaTTLExtra == 0 {
		cfg.MetaTTLExtra = 30 * time.Minute
	}
	if cfg.MinChunkSize == 0 {
		cfg.MinChunkSize = 256 * bytesize.KiB
	}
	if cfg.MaxChunkSize == 0 {
		cfg.MaxChunkSize = 20 * bytesize.MiB
	}
	if cfg.DefaultChunkSize == 0 {
		cfg.DefaultChunkSize = 5 * bytesize.MiB
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = 15 * bytesize.GiB
	}
	if cfg.MaxTotalChunks == 0 {
		cfg.MaxTotalChunks = 200000
	}
	if cfg.MaxActiveUploads == 0 {
		cfg.MaxActiveUploads = 100
	}
	if cfg.MaxEpochs == 0 {
		cfg.MaxEpochs = 90
	}
	if cfg.DefaultEpochs == 0 {
		cfg.DefaultEpochs = 5
	}
}

func applyWalrusDefaults(cfg *WalrusConfig) {
	if cfg.Network == "" {
		cfg.Network = "testnet"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 5 * time.Second
	}
}

func applySuiDefaults(cfg *SuiConfig) {
	if cfg.GasBudget == 0 {
		cfg.GasBudget = 50_000_000
	}
}

func applyStreamDefaults(cfg *StreamConfig) {
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = 4 * bytesize.MiB
	}
	if cfg.SegmentTimeout == 0 {
		cfg.SegmentTimeout = 30 * time.Second
	}
	if cfg.FieldsCacheTTLMs == 0 {
		cfg.FieldsCacheTTLMs = (24 * time.Hour).Milliseconds()
	}
}

func applyGCDefaults(cfg *GCConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MtimeGrace == 0 {
		cfg.MtimeGrace = 15 * time.Minute
	}
}

// GetDefaultConfig returns a Config with all defaults applied. Useful
// for generating sample config files and for tests.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
