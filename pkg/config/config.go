// Package config loads the gateway configuration from file, environment
// and defaults, with validation at startup so misconfiguration fails
// fast instead of surfacing mid-upload.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/floelabs/floe/internal/bytesize"
	"github.com/floelabs/floe/pkg/api"
)

// Config is the full gateway configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (FLOE_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// Server configures the HTTP surface.
	Server api.Config `mapstructure:"server" yaml:"server"`

	// KV selects and configures the control-plane store.
	KV KVConfig `mapstructure:"kv" yaml:"kv"`

	// Upload bounds session creation and the chunk staging area.
	Upload UploadConfig `mapstructure:"upload" yaml:"upload"`

	// Walrus configures the publisher client and the publish coordinator.
	Walrus WalrusConfig `mapstructure:"walrus" yaml:"walrus"`

	// Sui configures the registry fullnode client and signing key.
	Sui SuiConfig `mapstructure:"sui" yaml:"sui"`

	// Stream configures the aggregator read proxy.
	Stream StreamConfig `mapstructure:"stream" yaml:"stream"`

	// GC configures the background reaper.
	GC GCConfig `mapstructure:"gc" yaml:"gc"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is the log output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// KVConfig selects the KV backend.
type KVConfig struct {
	// Backend is "badger" (embedded, default) or "redis" (hosted).
	Backend string `mapstructure:"backend" validate:"required,oneof=badger redis" yaml:"backend"`

	// Path is the badger data directory. Empty means in-memory, which is
	// only sensible in tests.
	Path string `mapstructure:"path" yaml:"path"`

	// URL is the redis connection URL. Override: FLOE_KV_URL.
	URL string `mapstructure:"url" validate:"required_if=Backend redis,omitempty,url" yaml:"url"`
}

// UploadConfig bounds upload sessions and the disk staging area.
type UploadConfig struct {
	// TmpDir is the chunk staging directory. Probed for writability at
	// startup. Override: FLOE_UPLOAD_TMP_DIR.
	TmpDir string `mapstructure:"tmp_dir" validate:"required" yaml:"tmp_dir"`

	// SessionTTL is how long an upload may stay active. Default: 6h.
	SessionTTL time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`

	// MetaTTLExtra extends the durable meta record past the session TTL.
	// Default: 30m.
	MetaTTLExtra time.Duration `mapstructure:"meta_ttl_extra" yaml:"meta_ttl_extra"`

	// MinChunkSize and MaxChunkSize clamp the negotiated chunk size.
	// Defaults: 256Ki and 20Mi.
	MinChunkSize bytesize.ByteSize `mapstructure:"min_chunk_size" yaml:"min_chunk_size"`
	MaxChunkSize bytesize.ByteSize `mapstructure:"max_chunk_size" yaml:"max_chunk_size"`

	// DefaultChunkSize is used when the client does not request one.
	// Default: 5Mi.
	DefaultChunkSize bytesize.ByteSize `mapstructure:"default_chunk_size" yaml:"default_chunk_size"`

	// MaxFileSize caps one upload. Default: 15Gi.
	MaxFileSize bytesize.ByteSize `mapstructure:"max_file_size" yaml:"max_file_size"`

	// MaxTotalChunks caps the derived chunk count. Default: 200000.
	MaxTotalChunks int64 `mapstructure:"max_total_chunks" yaml:"max_total_chunks"`

	// MaxActiveUploads caps concurrent sessions. Default: 100.
	MaxActiveUploads int64 `mapstructure:"max_active_uploads" yaml:"max_active_uploads"`

	// MaxEpochs and DefaultEpochs bound the Walrus storage duration.
	// Defaults: 90 and 5.
	MaxEpochs     int `mapstructure:"max_epochs" yaml:"max_epochs"`
	DefaultEpochs int `mapstructure:"default_epochs" yaml:"default_epochs"`
}

// WalrusConfig configures the publisher client and coordinator.
type WalrusConfig struct {
	// PublisherURL is the Walrus publisher base URL.
	PublisherURL string `mapstructure:"publisher_url" validate:"required,url" yaml:"publisher_url"`

	// Network is mainnet or testnet. Mainnet publishes carry signed
	// headers. Override: FLOE_NETWORK.
	Network string `mapstructure:"network" validate:"required,oneof=mainnet testnet" yaml:"network"`

	// Timeout bounds one publish request. Default: 5m.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// MinBalanceMist gates publishes on the WAL balance when set.
	// Decimal MIST string.
	MinBalanceMist string `mapstructure:"min_balance_mist" validate:"omitempty,number" yaml:"min_balance_mist"`

	// MaxConcurrent caps in-flight publishes. Default: 4.
	MaxConcurrent int `mapstructure:"max_concurrent" yaml:"max_concurrent"`

	// MinInterval spaces publish admissions. Zero disables pacing.
	MinInterval time.Duration `mapstructure:"min_interval" yaml:"min_interval"`

	// MaxRetries and RetryDelay shape the linear backoff. Defaults: 3, 5s.
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

// SuiConfig configures the registry fullnode client.
type SuiConfig struct {
	// RPCURL is the fullnode JSON-RPC endpoint.
	RPCURL string `mapstructure:"rpc_url" validate:"required,url" yaml:"rpc_url"`

	// PackageID is the file registry Move package.
	PackageID string `mapstructure:"package_id" validate:"required" yaml:"package_id"`

	// PrivateKey is the signer key: suiprivkey bech32, JSON array, base64
	// or hex. Override: FLOE_SUI_PRIVATE_KEY. Never logged.
	PrivateKey string `mapstructure:"private_key" validate:"required" yaml:"private_key,omitempty"`

	// GasBudget for mint transactions, in MIST. Default: 50000000.
	GasBudget uint64 `mapstructure:"gas_budget" yaml:"gas_budget"`

	// Owner is the address recorded on minted file objects. Empty means
	// the signer's own address.
	Owner string `mapstructure:"owner" yaml:"owner,omitempty"`
}

// StreamConfig configures the aggregator read proxy.
type StreamConfig struct {
	// Aggregators are the upstream base URLs, primary first. A single
	// comma-separated string is also accepted (env form).
	Aggregators []string `mapstructure:"aggregators" validate:"required,min=1,dive,url" yaml:"aggregators"`

	// SegmentSize is the initial upstream fetch size. Default: 4Mi.
	SegmentSize bytesize.ByteSize `mapstructure:"segment_size" yaml:"segment_size"`

	// MaxRangeBytes caps one client request. Zero means unlimited.
	// Override: FLOE_STREAM_MAX_RANGE_BYTES.
	MaxRangeBytes bytesize.ByteSize `mapstructure:"max_range_bytes" yaml:"max_range_bytes"`

	// SegmentTimeout bounds one upstream segment fetch. Default: 30s.
	SegmentTimeout time.Duration `mapstructure:"segment_timeout" yaml:"segment_timeout"`

	// FieldsCacheTTLMs is the asset-fields cache TTL in milliseconds.
	// Default: 24h. Override: FLOE_FILE_FIELDS_CACHE_TTL_MS.
	FieldsCacheTTLMs int64 `mapstructure:"fields_cache_ttl_ms" yaml:"fields_cache_ttl_ms"`
}

// FieldsCacheTTL returns the fields cache TTL as a duration.
func (c *StreamConfig) FieldsCacheTTL() time.Duration {
	return time.Duration(c.FieldsCacheTTLMs) * time.Millisecond
}

// GCConfig configures the background reaper.
type GCConfig struct {
	// Interval between reap cycles. Default: 5m.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`

	// MtimeGrace protects uploads with recent disk activity. Default: 15m.
	MtimeGrace time.Duration `mapstructure:"mtime_grace" yaml:"mtime_grace"`
}

// Load loads configuration from file, environment, and defaults.
// A missing config file is fine: environment and defaults carry a full
// runnable configuration.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the
// explicitly requested file does not exist.
func MustLoad(configPath string) (*Config, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Create it, or run without --config to use FLOE_* environment variables",
				configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration as YAML. Written with restricted
// permissions: the file may carry the signing key.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variables and the config file search.
func setupViper(v *viper.Viper, configPath string) {
	// FLOE_LOGGING_LEVEL=DEBUG, FLOE_WALRUS_PUBLISHER_URL=..., etc.
	v.SetEnvPrefix("FLOE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Short env names from the ops runbook, bound to their long keys.
	_ = v.BindEnv("walrus.network", "FLOE_NETWORK")
	_ = v.BindEnv("stream.max_range_bytes", "FLOE_STREAM_MAX_RANGE_BYTES")
	_ = v.BindEnv("stream.fields_cache_ttl_ms", "FLOE_FILE_FIELDS_CACHE_TTL_MS")
	_ = v.BindEnv("stream.aggregators", "FLOE_AGGREGATOR_URLS")
	_ = v.BindEnv("walrus.publisher_url", "FLOE_PUBLISHER_URL")
	_ = v.BindEnv("upload.tmp_dir", "FLOE_UPLOAD_TMP_DIR")
	_ = v.BindEnv("kv.url", "FLOE_KV_URL")
	_ = v.BindEnv("sui.rpc_url", "FLOE_SUI_RPC_URL")
	_ = v.BindEnv("sui.private_key", "FLOE_SUI_PRIVATE_KEY")
	_ = v.BindEnv("sui.package_id", "FLOE_SUI_PACKAGE_ID")
	_ = v.BindEnv("server.expose_blob_id", "FLOE_EXPOSE_BLOB_ID")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the config file if present. Absence is not an
// error: env-only deployments are supported.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// configDecodeHooks combines the custom decode hooks: ByteSize,
// time.Duration and comma-separated string slices.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
		commaSliceDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and numbers to bytesize.ByteSize,
// so config files can say "5Mi" or "100MB" and env vars plain numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings like "30s" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// commaSliceDecodeHook splits a comma-separated string into a string
// slice, so FLOE_AGGREGATOR_URLS can carry the fallback list.
func commaSliceDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf([]string{}) {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return []string{}, nil
		}
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	}
}

// getConfigDir returns the configuration directory path, honoring
// XDG_CONFIG_HOME.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "floe")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "floe")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
