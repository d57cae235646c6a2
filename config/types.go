package config

// Config is the full settlement node configuration.
type Config struct {
	// Log config
	LogLevel   int    `json:"log_level"`   // zerolog numeric level, -1 = trace
	LogFormat  string `json:"log_format"`  // "json" or "console"
	LogSampler bool   `json:"log_sampler"` // if true, samples logs (1 in 5)

	// Chain config
	RPCURL             string `json:"rpc_url"`              // EVM JSON-RPC endpoint
	ChainID            int64  `json:"chain_id"`             // expected chain id, 0 = discover from node
	ExecutorPrivateKey string `json:"executor_private_key"` // hex key for the interaction-executor account
	SignerSeed         string `json:"signer_seed"`          // hex seed for product-scoped signer derivation

	// Contract addresses (hex)
	ProductManagerAddress  string `json:"product_manager_address"`  // resolves product -> interaction diamond
	DelegatorAddress       string `json:"delegator_address"`        // batched execute entrypoint
	DelegatorActionAddress string `json:"delegator_action_address"` // expected session executor
	ValidatorAddress       string `json:"validator_address"`        // expected session validator
	SessionRegistryAddress string `json:"session_registry_address"` // wallet session lookups
	PurchaseOracleAddress  string `json:"purchase_oracle_address"`  // merkle root registry

	// Database config. A path of ":memory:" opens an ephemeral sqlite
	// database; a "postgres://" URL selects the postgres driver.
	DBPath string `json:"db_path"`

	// Worker scheduling (seconds unless noted)
	SimulateIntervalSeconds     int `json:"simulate_interval_seconds"`
	ExecuteIntervalSeconds      int `json:"execute_interval_seconds"`
	OracleUpdateIntervalSeconds int `json:"oracle_update_interval_seconds"`
	TrackerIntervalSeconds      int `json:"tracker_interval_seconds"`
	SimulateCooldownMs          int `json:"simulate_cooldown_ms"`
	ExecuteCooldownMs           int `json:"execute_cooldown_ms"`

	// Claim / batch limits
	ClaimLeaseSeconds int `json:"claim_lease_seconds"` // lease duration for row claims
	ExecuteBatchLimit int `json:"execute_batch_limit"` // max rows per execution run
	TrackerBatchLimit int `json:"tracker_batch_limit"` // max tracker entries per run

	// Oracle sync
	OracleConfirmations       int `json:"oracle_confirmations"`          // confirmations before synced
	OracleReceiptPolls        int `json:"oracle_receipt_polls"`          // bounded receipt polls
	OracleUpdateThreshold     int `json:"oracle_update_threshold"`       // pending leaves before forced update
	OracleUpdateMaxAgeMinutes int `json:"oracle_update_max_age_minutes"` // oldest pending leaf age before forced update

	// API server
	APIPort int `json:"api_port"`
}
