// Package config loads and hot-reloads the trust graph kernel's
// configuration: environment variables override a config file, which
// overrides built-in defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trustmesh/trustmesh/internal/wotstore"
)

// Config holds every recognized option (spec.md §6).
type Config struct {
	Port               string        `json:"port" yaml:"port"`
	LogLevel           string        `json:"logLevel" yaml:"log_level"`
	DataDir            string        `json:"dataDir" yaml:"data_dir"`
	RateLimitPerMinute int           `json:"rateLimitPerMinute" yaml:"rate_limit_per_minute"`
	MaxBodySizeBytes   int64         `json:"maxBodySizeBytes" yaml:"max_body_size_bytes"`
	ShutdownTimeout    time.Duration `json:"shutdownTimeout" yaml:"-"`
	HTTPClientTimeout  time.Duration `json:"httpClientTimeout" yaml:"-"`
	NodeAuthSecret     string        `json:"nodeAuthSecret" yaml:"node_auth_secret"`
	RequireNodeAuth    bool          `json:"requireNodeAuth" yaml:"require_node_auth"`

	IPFSEnabled    bool          `json:"ipfsEnabled" yaml:"ipfs_enabled"`
	IPFSGatewayURL string        `json:"ipfsGatewayUrl" yaml:"ipfs_gateway_url"`
	IPFSTimeout    time.Duration `json:"ipfsTimeout" yaml:"-"`

	// ImportDelay and SubscriptionDelay are the coalescing delays for
	// the importer and subscription-deployment jobs (spec.md §6
	// import-delay-ms / subscription-delay-ms).
	ImportDelay        time.Duration               `json:"importDelay" yaml:"-"`
	SubscriptionDelay  time.Duration               `json:"subscriptionDelay" yaml:"-"`
	ClientFailureLimit int                         `json:"clientFailureLimit" yaml:"client_failure_limit"`
	CapacityTable      map[int]wotstore.Capacity   `json:"capacityTable" yaml:"capacity_table"`
}

type fileConfig struct {
	Port               string        `json:"port" yaml:"port"`
	LogLevel           string        `json:"logLevel" yaml:"log_level"`
	DataDir            string        `json:"dataDir" yaml:"data_dir"`
	RateLimitPerMinute int           `json:"rateLimitPerMinute" yaml:"rate_limit_per_minute"`
	MaxBodySizeBytes   int64         `json:"maxBodySizeBytes" yaml:"max_body_size_bytes"`
	ShutdownTimeout    string        `json:"shutdownTimeout" yaml:"shutdown_timeout"`
	HTTPClientTimeout  string        `json:"httpClientTimeout" yaml:"http_client_timeout"`
	NodeAuthSecret     string        `json:"nodeAuthSecret" yaml:"node_auth_secret"`
	RequireNodeAuth    *bool         `json:"requireNodeAuth" yaml:"require_node_auth"`
	IPFSEnabled        *bool         `json:"ipfsEnabled" yaml:"ipfs_enabled"`
	IPFSGatewayURL     string        `json:"ipfsGatewayUrl" yaml:"ipfs_gateway_url"`
	IPFSTimeout        string        `json:"ipfsTimeout" yaml:"ipfs_timeout"`
	ImportDelayMS      int           `json:"importDelayMs" yaml:"import_delay_ms"`
	SubscriptionMS     int           `json:"subscriptionDelayMs" yaml:"subscription_delay_ms"`
	ClientFailureLimit int           `json:"clientFailureLimit" yaml:"client_failure_limit"`
	CapacityTable      map[int]int   `json:"capacityTable" yaml:"capacity_table"`
}

// Default values (spec.md §6).
const (
	DefaultRateLimitPerMinute = 100
	DefaultMaxBodySizeBytes   = 1 << 20
	DefaultDataDir            = "./data"
	DefaultShutdownTimeout    = 30 * time.Second
	DefaultHTTPClientTimeout  = 5 * time.Second
	DefaultIPFSEnabled        = true
	DefaultIPFSGatewayURL     = "http://localhost:5001"
	DefaultIPFSTimeout        = 30 * time.Second
	DefaultImportDelay        = 60 * time.Second
	DefaultSubscriptionDelay  = 60 * time.Second
	DefaultClientFailureLimit = 5
)

// DefaultConfigSearchPaths are the default locations to search for a
// config file when CONFIG_FILE is unset.
var DefaultConfigSearchPaths = []string{
	"./config.yaml",
	"./config.json",
	"/etc/trustmesh/config.yaml",
}

// Default returns the built-in defaults, unaffected by files or env.
func Default() *Config {
	defaults := wotstore.DefaultCapacityTable()
	table := make(map[int]wotstore.Capacity, len(defaults))
	for rank, cap := range defaults {
		table[rank] = cap
	}
	return &Config{
		Port:               "8080",
		LogLevel:           "info",
		DataDir:            DefaultDataDir,
		RateLimitPerMinute: DefaultRateLimitPerMinute,
		MaxBodySizeBytes:   DefaultMaxBodySizeBytes,
		ShutdownTimeout:    DefaultShutdownTimeout,
		HTTPClientTimeout:  DefaultHTTPClientTimeout,
		IPFSEnabled:        DefaultIPFSEnabled,
		IPFSGatewayURL:     DefaultIPFSGatewayURL,
		IPFSTimeout:        DefaultIPFSTimeout,
		ImportDelay:        DefaultImportDelay,
		SubscriptionDelay:  DefaultSubscriptionDelay,
		ClientFailureLimit: DefaultClientFailureLimit,
		CapacityTable:      table,
	}
}

// LoadConfigFromFile loads configuration from a YAML or JSON file.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			if err := json.Unmarshal(data, &fc); err != nil {
				return nil, fmt.Errorf("failed to parse config file (tried YAML and JSON): %w", err)
			}
		}
	}
	return applyFileConfig(Default(), &fc)
}

func applyFileConfig(cfg *Config, fc *fileConfig) (*Config, error) {
	if fc.Port != "" {
		cfg.Port = fc.Port
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.RateLimitPerMinute > 0 {
		cfg.RateLimitPerMinute = fc.RateLimitPerMinute
	}
	if fc.MaxBodySizeBytes > 0 {
		cfg.MaxBodySizeBytes = fc.MaxBodySizeBytes
	}
	if fc.NodeAuthSecret != "" {
		cfg.NodeAuthSecret = fc.NodeAuthSecret
	}
	if fc.RequireNodeAuth != nil {
		cfg.RequireNodeAuth = *fc.RequireNodeAuth
	}
	if fc.IPFSEnabled != nil {
		cfg.IPFSEnabled = *fc.IPFSEnabled
	}
	if fc.IPFSGatewayURL != "" {
		cfg.IPFSGatewayURL = fc.IPFSGatewayURL
	}
	if fc.ClientFailureLimit > 0 {
		cfg.ClientFailureLimit = fc.ClientFailureLimit
	}
	if len(fc.CapacityTable) > 0 {
		table := make(map[int]wotstore.Capacity, len(fc.CapacityTable))
		for rank, cap := range fc.CapacityTable {
			table[rank] = wotstore.Capacity(cap)
		}
		cfg.CapacityTable = table
	}
	if fc.ImportDelayMS > 0 {
		cfg.ImportDelay = time.Duration(fc.ImportDelayMS) * time.Millisecond
	}
	if fc.SubscriptionMS > 0 {
		cfg.SubscriptionDelay = time.Duration(fc.SubscriptionMS) * time.Millisecond
	}

	var err error
	cfg.ShutdownTimeout, err = parseDurationIfSet(fc.ShutdownTimeout, cfg.ShutdownTimeout, "shutdown_timeout")
	if err != nil {
		return nil, err
	}
	cfg.HTTPClientTimeout, err = parseDurationIfSet(fc.HTTPClientTimeout, cfg.HTTPClientTimeout, "http_client_timeout")
	if err != nil {
		return nil, err
	}
	cfg.IPFSTimeout, err = parseDurationIfSet(fc.IPFSTimeout, cfg.IPFSTimeout, "ipfs_timeout")
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseDurationIfSet(raw string, fallback time.Duration, field string) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return d, nil
}

func findConfigFile() string {
	for _, path := range DefaultConfigSearchPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ResolvedConfigPath returns the config file Load would read — the
// CONFIG_FILE environment variable if set, otherwise the first of
// DefaultConfigSearchPaths that exists — or "" if none is found. Used
// by callers that want to watch the same file Load consulted.
func ResolvedConfigPath() string {
	if p := os.Getenv("CONFIG_FILE"); p != "" {
		return p
	}
	return findConfigFile()
}

// Load reads configuration with precedence (highest to lowest):
// environment variables, config file, built-in defaults.
func Load() *Config {
	cfg := Default()

	if configPath := ResolvedConfigPath(); configPath != "" {
		if fileCfg, err := LoadConfigFromFile(configPath); err == nil {
			cfg = fileCfg
		}
	}

	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitPerMinute = n
		}
	}
	if v := os.Getenv("MAX_BODY_SIZE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxBodySizeBytes = n
		}
	}
	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("HTTP_CLIENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTPClientTimeout = d
		}
	}
	if v := os.Getenv("NODE_AUTH_SECRET"); v != "" {
		cfg.NodeAuthSecret = v
	}
	if v := os.Getenv("REQUIRE_NODE_AUTH"); v != "" {
		cfg.RequireNodeAuth = v == "true"
	}
	if v := os.Getenv("TRUSTMESH_IPFS_ENABLED"); v != "" {
		cfg.IPFSEnabled = v == "true"
	}
	if v := os.Getenv("TRUSTMESH_IPFS_GATEWAY_URL"); v != "" {
		cfg.IPFSGatewayURL = v
	}
	if v := os.Getenv("TRUSTMESH_IPFS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.IPFSTimeout = d
		}
	}
	if v := os.Getenv("IMPORT_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.ImportDelay = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("SUBSCRIPTION_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.SubscriptionDelay = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("CLIENT_FAILURE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ClientFailureLimit = n
		}
	}
}
