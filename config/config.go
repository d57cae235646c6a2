// Package config loads and validates the settlement node configuration.
//
// Configuration comes from a JSON file (with an embedded default used when the
// file is missing), plus a small set of environment overrides for secrets so
// key material never has to live in the config file.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	configSubdir   = "config"
	configFileName = "settlement_config.json"
)

//go:embed default_config.json
var defaultConfigJSON []byte

// Environment overrides. Secrets should come from env, not the JSON file.
const (
	EnvRPCURL      = "SETTLEMENT_RPC_URL"
	EnvExecutorKey = "SETTLEMENT_EXECUTOR_KEY"
	EnvSignerSeed  = "SETTLEMENT_SIGNER_SEED"
	EnvDBPath      = "SETTLEMENT_DB_PATH"
)

// Load reads the config from <basePath>/config/settlement_config.json, applies
// environment overrides, then validates and defaults it.
func Load(basePath string) (*Config, error) {
	configFile := filepath.Join(basePath, configSubdir, configFileName)
	data, err := os.ReadFile(filepath.Clean(configFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault returns the embedded default configuration with env overrides
// applied. Used on first start and in tests.
func LoadDefault() (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfigJSON, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal default config: %w", err)
	}
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the given config to <basePath>/config/settlement_config.json.
func Save(cfg *Config, basePath string) error {
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	configDir := filepath.Join(basePath, configSubdir)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(configDir, configFileName), data, 0o600)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvRPCURL); v != "" {
		cfg.RPCURL = v
	}
	if v := os.Getenv(EnvExecutorKey); v != "" {
		cfg.ExecutorPrivateKey = v
	}
	if v := os.Getenv(EnvSignerSeed); v != "" {
		cfg.SignerSeed = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.DBPath = v
	}
}

func validateConfig(cfg *Config) error {
	if cfg.LogLevel < -1 || cfg.LogLevel > 5 {
		return fmt.Errorf("log level must be between -1 and 5")
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "console"
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return fmt.Errorf("log format must be 'json' or 'console'")
	}

	// Worker scheduling defaults.
	if cfg.SimulateIntervalSeconds == 0 {
		cfg.SimulateIntervalSeconds = 60
	}
	if cfg.ExecuteIntervalSeconds == 0 {
		cfg.ExecuteIntervalSeconds = 180
	}
	if cfg.OracleUpdateIntervalSeconds == 0 {
		cfg.OracleUpdateIntervalSeconds = 300
	}
	if cfg.TrackerIntervalSeconds == 0 {
		cfg.TrackerIntervalSeconds = 120
	}
	if cfg.SimulateCooldownMs == 0 {
		cfg.SimulateCooldownMs = 5000
	}
	if cfg.ExecuteCooldownMs == 0 {
		cfg.ExecuteCooldownMs = 1000
	}

	// Claim / batch defaults.
	if cfg.ClaimLeaseSeconds == 0 {
		cfg.ClaimLeaseSeconds = 300
	}
	if cfg.ExecuteBatchLimit == 0 {
		cfg.ExecuteBatchLimit = 200
	}
	if cfg.TrackerBatchLimit == 0 {
		cfg.TrackerBatchLimit = 50
	}

	// Oracle sync defaults.
	if cfg.OracleConfirmations == 0 {
		cfg.OracleConfirmations = 4
	}
	if cfg.OracleReceiptPolls == 0 {
		cfg.OracleReceiptPolls = 8
	}
	if cfg.OracleUpdateThreshold == 0 {
		cfg.OracleUpdateThreshold = 50
	}
	if cfg.OracleUpdateMaxAgeMinutes == 0 {
		cfg.OracleUpdateMaxAgeMinutes = 1440
	}

	if cfg.APIPort == 0 {
		cfg.APIPort = 8080
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "settlement.db"
	}

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc_url is required (or set %s)", EnvRPCURL)
	}
	return nil
}
