package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/datahaven/dh-relay/relayer/constant"
)

// envPrefix scopes environment overrides, e.g. DHRELAY_LOG_LEVEL.
const envPrefix = "DHRELAY"

//go:embed default_config.json
var defaultConfigJSON []byte

func validateConfig(cfg *Config) error {
	// Validate log level
	if cfg.LogLevel < 0 || cfg.LogLevel > 5 {
		return fmt.Errorf("log level must be between 0 and 5")
	}

	// Validate log format
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return fmt.Errorf("log format must be 'json' or 'console'")
	}

	if cfg.NodeHome == "" {
		cfg.NodeHome = constant.DefaultNodeHome
	}

	// Set defaults for query server
	if cfg.QueryServerPort == 0 {
		cfg.QueryServerPort = 8080
	}

	// Queue defaults
	if cfg.Queue.WorkersPerType <= 0 {
		cfg.Queue.WorkersPerType = 4
	}
	if cfg.Queue.PollIntervalMs <= 0 {
		cfg.Queue.PollIntervalMs = 500
	}
	if cfg.Queue.BaseBackoffSeconds <= 0 {
		cfg.Queue.BaseBackoffSeconds = 2
	}
	if cfg.Queue.MaxBackoffSeconds <= 0 {
		cfg.Queue.MaxBackoffSeconds = 300
	}
	if cfg.Queue.MaxBackoffSeconds < cfg.Queue.BaseBackoffSeconds {
		return fmt.Errorf("queue max_backoff_seconds must be >= base_backoff_seconds")
	}
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = 8
	}
	if cfg.Queue.LeaseSeconds <= 0 {
		cfg.Queue.LeaseSeconds = 300
	}
	if cfg.Queue.ShutdownGraceSeconds <= 0 {
		cfg.Queue.ShutdownGraceSeconds = 30
	}
	if cfg.Queue.EventBufferSize <= 0 {
		cfg.Queue.EventBufferSize = 64
	}

	if cfg.Workflow.UploadWaitAttempts <= 0 {
		cfg.Workflow.UploadWaitAttempts = 6
	}

	// Fraud gate defaults
	if cfg.Fraud.DuplicateWindowSeconds <= 0 {
		cfg.Fraud.DuplicateWindowSeconds = 86400
	}
	if cfg.Fraud.MinPayment == "" {
		cfg.Fraud.MinPayment = "1000000"
	}
	if !isUint(cfg.Fraud.MinPayment) {
		return fmt.Errorf("fraud min_payment must be a non-negative integer")
	}

	// Fee schedule
	if cfg.Fees.PerByteRate == "" {
		cfg.Fees.PerByteRate = "2"
	}
	if cfg.Fees.FixedFee == "" {
		cfg.Fees.FixedFee = "1000000"
	}
	if cfg.Fees.Epochs == 0 {
		cfg.Fees.Epochs = 30
	}
	if !isUint(cfg.Fees.PerByteRate) || !isUint(cfg.Fees.FixedFee) {
		return fmt.Errorf("fee per_byte_rate and fixed_fee must be non-negative integers")
	}

	// Services
	if cfg.Services.BlobStoreDir == "" {
		cfg.Services.BlobStoreDir = filepath.Join(cfg.NodeHome, constant.BlobsSubdir)
	}
	if cfg.Services.HTTPTimeoutSeconds <= 0 {
		cfg.Services.HTTPTimeoutSeconds = 15
	}
	if cfg.Services.CoordinatorURL != "" {
		if _, err := url.ParseRequestURI(cfg.Services.CoordinatorURL); err != nil {
			return fmt.Errorf("invalid coordinator_url: %w", err)
		}
	}
	if cfg.Services.BridgeURL != "" {
		if _, err := url.ParseRequestURI(cfg.Services.BridgeURL); err != nil {
			return fmt.Errorf("invalid bridge_url: %w", err)
		}
	}

	if cfg.Retention.CleanupIntervalSeconds <= 0 {
		cfg.Retention.CleanupIntervalSeconds = 3600
	}
	if cfg.Retention.CompletedJobSeconds <= 0 {
		cfg.Retention.CompletedJobSeconds = 604800
	}

	// Initialize ChainConfigs if nil or empty
	if len(cfg.ChainConfigs) == 0 {
		// Load defaults from embedded config
		var defaultCfg Config
		if err := json.Unmarshal(defaultConfigJSON, &defaultCfg); err == nil {
			cfg.ChainConfigs = defaultCfg.ChainConfigs
		} else {
			cfg.ChainConfigs = make(map[string]ChainSpecificConfig)
		}
	}

	for chainID, chainCfg := range cfg.ChainConfigs {
		if !strings.Contains(chainID, ":") {
			return fmt.Errorf("chain id %q must be in CAIP-2 format (namespace:reference)", chainID)
		}
		switch chainCfg.Kind {
		case ChainKindEVM:
			if chainCfg.EVMChainID <= 0 {
				return fmt.Errorf("evm_chain_id is required for chain %s", chainID)
			}
		case ChainKindSVM:
		default:
			return fmt.Errorf("chain %s has unsupported kind %q", chainID, chainCfg.Kind)
		}
		if len(chainCfg.RPCURLs) == 0 {
			return fmt.Errorf("rpc_urls is required for chain %s", chainID)
		}
		if chainCfg.ContractAddress == "" {
			return fmt.Errorf("contract_address is required for chain %s", chainID)
		}
		if chainCfg.BatchSize == 0 {
			chainCfg.BatchSize = 1000
		}
		if chainCfg.Kind == ChainKindEVM && chainCfg.GasLimit == 0 {
			chainCfg.GasLimit = 200000
		}
		cfg.ChainConfigs[chainID] = chainCfg
	}

	if cfg.SettlementChain != "" {
		if _, ok := cfg.ChainConfigs[cfg.SettlementChain]; !ok {
			return fmt.Errorf("settlement chain %s has no chain config", cfg.SettlementChain)
		}
	}

	return nil
}

func isUint(s string) bool {
	n, ok := new(big.Int).SetString(s, 10)
	return ok && n.Sign() >= 0
}

// applyEnvOverrides lets scalar settings be overridden from the
// environment without editing the config file.
func applyEnvOverrides(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if v.IsSet("log_level") {
		cfg.LogLevel = v.GetInt("log_level")
	}
	if v.IsSet("log_format") {
		cfg.LogFormat = v.GetString("log_format")
	}
	if v.IsSet("node_home") {
		cfg.NodeHome = v.GetString("node_home")
	}
	if v.IsSet("query_server_port") {
		cfg.QueryServerPort = v.GetInt("query_server_port")
	}
	if v.IsSet("settlement_chain") {
		cfg.SettlementChain = v.GetString("settlement_chain")
	}
	if v.IsSet("coordinator_url") {
		cfg.Services.CoordinatorURL = v.GetString("coordinator_url")
	}
	if v.IsSet("bridge_url") {
		cfg.Services.BridgeURL = v.GetString("bridge_url")
	}
	if v.IsSet("blobstore_dir") {
		cfg.Services.BlobStoreDir = v.GetString("blobstore_dir")
	}
}

// Save writes the given config to <NodeDir>/config/dhrelay_config.json.
func Save(cfg *Config, basePath string) error {
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	configDir := filepath.Join(basePath, constant.ConfigSubdir)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := filepath.Join(configDir, constant.ConfigFileName)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads the config from <BasePath>/config/dhrelay_config.json, applies
// DHRELAY_* environment overrides and validates the result.
func Load(basePath string) (Config, error) {
	configFile := filepath.Join(basePath, constant.ConfigSubdir, constant.ConfigFileName)
	data, err := os.ReadFile(filepath.Clean(configFile))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDefaultConfig loads the default configuration from embedded JSON
func LoadDefaultConfig() (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfigJSON, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal default config: %w", err)
	}
	return &cfg, nil
}
