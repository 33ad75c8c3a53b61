package config

import (
	"fmt"
	"time"
)

// ChainKind identifies the signature and transaction family of a chain.
type ChainKind string

const (
	ChainKindEVM ChainKind = "evm"
	ChainKindSVM ChainKind = "svm"
)

type Config struct {
	// Log Config
	LogLevel   int    `json:"log_level"`   // e.g., 0 = debug, 1 = info, etc.
	LogFormat  string `json:"log_format"`  // "json" or "console"
	LogSampler bool   `json:"log_sampler"` // if true, samples logs (e.g., 1 in 5)

	// Node Config
	NodeHome string `json:"node_home"` // Node home directory (default: ~/.dhrelay)

	// Query Server Config
	QueryServerPort int `json:"query_server_port"` // Port for HTTP query server (default: 8080)

	// SettlementChain is where payments end up. Requests from any other
	// origin chain trigger the payment bridge once confirmed.
	SettlementChain string `json:"settlement_chain"`

	Queue     QueueConfig     `json:"queue"`
	Workflow  WorkflowConfig  `json:"workflow"`
	Fraud     FraudConfig     `json:"fraud"`
	Fees      FeeConfig       `json:"fees"`
	Services  ServicesConfig  `json:"services"`
	Retention RetentionConfig `json:"retention"`

	// Unified per-chain configuration
	ChainConfigs map[string]ChainSpecificConfig `json:"chain_configs"` // Map of CAIP-2 chain ID to chain settings
}

// QueueConfig controls job scheduling.
type QueueConfig struct {
	WorkersPerType       int `json:"workers_per_type"`        // concurrent handlers per job type (default: 4)
	PollIntervalMs       int `json:"poll_interval_ms"`        // idle worker poll interval (default: 500)
	BaseBackoffSeconds   int `json:"base_backoff_seconds"`    // first retry delay (default: 2)
	MaxBackoffSeconds    int `json:"max_backoff_seconds"`     // retry delay cap (default: 300)
	MaxAttempts          int `json:"max_attempts"`            // attempts before a job is dead (default: 8)
	LeaseSeconds         int `json:"lease_seconds"`           // running job lease (default: 300)
	ShutdownGraceSeconds int `json:"shutdown_grace_seconds"`  // wait for in-flight handlers (default: 30)
	EventBufferSize      int `json:"event_buffer_size"`       // watcher output channel capacity (default: 64)
}

// WorkflowConfig controls request processing.
type WorkflowConfig struct {
	UploadWaitAttempts int `json:"upload_wait_attempts"` // attempts to find the uploaded ciphertext (default: 6)
}

// FraudConfig holds the fraud gate rules.
type FraudConfig struct {
	DuplicateWindowSeconds int      `json:"duplicate_window_seconds"` // same user + data hash window (default: 86400)
	MinPayment             string   `json:"min_payment"`              // base units (default: 1000000)
	BlockedAddresses       []string `json:"blocked_addresses,omitempty"`
}

// FeeConfig holds the fixed fee schedule.
type FeeConfig struct {
	PerByteRate string `json:"per_byte_rate"` // base units per byte per epoch
	Epochs      uint64 `json:"epochs"`
	FixedFee    string `json:"fixed_fee"`
}

// ServicesConfig points at the external collaborators.
type ServicesConfig struct {
	BlobStoreDir       string `json:"blobstore_dir,omitempty"`   // default: <node_home>/blobs
	CoordinatorURL     string `json:"coordinator_url"`
	BridgeURL          string `json:"bridge_url,omitempty"` // empty disables bridging
	HTTPTimeoutSeconds int    `json:"http_timeout_seconds"` // default: 15
}

// RetentionConfig controls the job cleaner.
type RetentionConfig struct {
	CleanupIntervalSeconds int `json:"cleanup_interval_seconds"` // default: 3600
	CompletedJobSeconds    int `json:"completed_job_seconds"`    // default: 604800
}

// ChainSpecificConfig holds all chain-specific configuration in one place
type ChainSpecificConfig struct {
	Kind ChainKind `json:"kind"`

	// RPC Configuration
	RPCURLs []string `json:"rpc_urls,omitempty"` // RPC endpoints for this chain

	// ContractAddress is the EVM contract or SVM program emitting requests.
	ContractAddress string `json:"contract_address"`

	// EVMChainID is the numeric chain id used for EIP-155 signing.
	EVMChainID int64 `json:"evm_chain_id,omitempty"`

	// Finality
	Confirmations         *uint64 `json:"confirmations,omitempty"`           // default: 12 (evm), 32 (svm)
	MaxFinalityWaitSeconds *int   `json:"max_finality_wait_seconds,omitempty"` // default: 3600

	// Event Monitoring Configuration
	EventPollingIntervalSeconds *int   `json:"event_polling_interval_seconds,omitempty"` // default: 5
	BatchSize                   uint64 `json:"batch_size,omitempty"`                     // blocks/slots per scan (default: 1000)
	UnhealthyAfterSeconds       *int   `json:"unhealthy_after_seconds,omitempty"`        // default: 120

	// Event Start Cursor
	// If set to a non-negative value, the watcher starts from this
	// block/slot. If set to -1 or not present, it starts from the
	// latest block/slot (or from the DB resume point when available).
	EventStartFrom *int64 `json:"event_start_from,omitempty"`

	// GasLimit is used for EVM writeback transactions (default: 200000).
	GasLimit uint64 `json:"gas_limit,omitempty"`
}

// GetChainConfig returns the complete configuration for a specific chain
func (c *Config) GetChainConfig(chainID string) (*ChainSpecificConfig, error) {
	if c.ChainConfigs != nil {
		if config, ok := c.ChainConfigs[chainID]; ok {
			return &config, nil
		}
	}
	return nil, fmt.Errorf("no config found for chain %s", chainID)
}

// PollInterval returns the event polling interval for the chain.
func (c ChainSpecificConfig) PollInterval() time.Duration {
	if c.EventPollingIntervalSeconds == nil || *c.EventPollingIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(*c.EventPollingIntervalSeconds) * time.Second
}

// MaxFinalityWait returns how long an observation may wait for finality
// before it is re-verified and reported.
func (c ChainSpecificConfig) MaxFinalityWait() time.Duration {
	if c.MaxFinalityWaitSeconds == nil || *c.MaxFinalityWaitSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(*c.MaxFinalityWaitSeconds) * time.Second
}

// UnhealthyAfter returns how long a watcher may go without a successful
// poll before it reports unhealthy.
func (c ChainSpecificConfig) UnhealthyAfter() time.Duration {
	if c.UnhealthyAfterSeconds == nil || *c.UnhealthyAfterSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(*c.UnhealthyAfterSeconds) * time.Second
}

// RequiredConfirmations returns the finality depth for the chain.
func (c ChainSpecificConfig) RequiredConfirmations() uint64 {
	if c.Confirmations != nil {
		return *c.Confirmations
	}
	if c.Kind == ChainKindSVM {
		return 32
	}
	return 12
}
