package config

// Package config provides a reusable loader for cascoin-core configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"cascoin-core/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a cascoin-core node. It
// mirrors the activation, bond, dispute, reputation and subsidy knobs
// enumerated in the core specification (§6.4), plus storage and logging
// settings; it holds no gas-schedule overrides.
type Config struct {
	Core struct {
		ActivationHeight  uint64 `mapstructure:"activation_height" json:"activation_height"`
		MaxCodeSize       int    `mapstructure:"max_code_size" json:"max_code_size"`
		BondLockBlocks    uint64 `mapstructure:"bond_lock_blocks" json:"bond_lock_blocks"`
		DisputeQuorum     int    `mapstructure:"dispute_quorum" json:"dispute_quorum"`
		DisputeStakeQuorum uint64 `mapstructure:"dispute_stake_quorum" json:"dispute_stake_quorum"`
	} `mapstructure:"core" json:"core"`

	Reputation struct {
		FreeGasThreshold     int    `mapstructure:"free_gas_threshold" json:"free_gas_threshold"`
		FreeGasDailyMax      uint64 `mapstructure:"free_gas_daily_max" json:"free_gas_daily_max"`
		DiscountTierCutoffs  []int  `mapstructure:"discount_tier_cutoffs" json:"discount_tier_cutoffs"`
	} `mapstructure:"reputation" json:"reputation"`

	Subsidy struct {
		PerTxMax           uint64 `mapstructure:"per_tx_max" json:"per_tx_max"`
		PerBlockMax        uint64 `mapstructure:"per_block_max" json:"per_block_max"`
		FreeGasPoolTarget  uint64 `mapstructure:"free_gas_pool_target" json:"free_gas_pool_target"`
	} `mapstructure:"subsidy" json:"subsidy"`

	Storage struct {
		DBPath string `mapstructure:"db_path" json:"db_path"`
		Prune  bool   `mapstructure:"prune" json:"prune"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Default returns a Config populated with the defaults named in the core
// specification, used when no config file is present.
func Default() Config {
	var c Config
	c.Core.ActivationHeight = 0
	c.Core.MaxCodeSize = 24576
	c.Core.BondLockBlocks = 4032 // ~4 weeks at 10 min blocks
	c.Core.DisputeQuorum = 5
	c.Core.DisputeStakeQuorum = 10_00000000 // 10 CAS in satoshi-like units
	c.Reputation.FreeGasThreshold = 80
	c.Reputation.FreeGasDailyMax = 5_000_000 // five max-size calls per day at score 100
	c.Reputation.DiscountTierCutoffs = []int{50, 70, 80, 90}
	c.Subsidy.PerTxMax = 1_000_000
	c.Subsidy.PerBlockMax = 50_000_000
	c.Subsidy.FreeGasPoolTarget = 100_000_000 // daily ceiling shared by every free-gas sender
	c.Storage.DBPath = "cvm-state"
	c.Logging.Level = "info"
	return c
}

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	AppConfig = Default()

	viper.SetConfigName("cvm")
	viper.AddConfigPath("cmd/cvmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // env lookups use the upper-cased key name itself; no prefix is set

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the CVM_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("CVM_ENV", ""))
}
