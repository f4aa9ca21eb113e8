// Package config implements C10: flag/env/file configuration and
// validation, grounded on the teacher's config package (JSON file
// config plus pflag/viper flag overlay) and its AWS Secrets Manager
// fallback for the database password.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config is the top-level configuration for a single running xayax
// process (one chain, one connector).
type Config struct {
	LogConfig     LogConfig     `json:"log_config"`
	DBConfig      DBConfig      `json:"db_config"`
	ChainConfig   ChainConfig   `json:"chain_config"`
	ServerConfig  ServerConfig  `json:"server_config"`
	CacheConfig   CacheConfig   `json:"cache_config"`
	MetricsConfig MetricsConfig `json:"metrics_config"`
}

// ChainConfig holds the settings shared by every connector plus the
// reorg/pending/tracked-game knobs from SPEC_FULL.md §4.10.
type ChainConfig struct {
	MaxReorgDepth        uint64   `json:"max_reorg_depth"`
	BlockRange           uint64   `json:"block_range"`
	SanityChecks         bool     `json:"sanity_checks"`
	WatchForPendingMoves bool     `json:"watch_for_pending_moves"`
	TrackedGames         []string `json:"tracked_games"`

	// EVMRPCURL/EVMWSURL/EVMMoveEventTopic configure the evmchain
	// connector. TestchainSeedFile is parsed but not read by
	// cmd/xayax-test, which always starts from a fixed genesis block.
	// Unused fields are simply left empty for the connector not in use.
	EVMRPCURL        string `json:"evm_rpc_url"`
	EVMWSURL         string `json:"evm_ws_url"`
	EVMMoveEventTopic string `json:"evm_move_event_topic"`

	TestchainSeedFile string `json:"testchain_seed_file"`
}

// ServerConfig holds the network-facing addresses the controller binds.
type ServerConfig struct {
	Datadir        string   `json:"datadir"`
	RPCPort        int      `json:"port"`
	ListenLocally  bool     `json:"listen_locally"`
	RPCCorsOrigins []string `json:"rpc_cors_origins"`
	ZMQAddress     string   `json:"zmq_address"`
}

// Addr returns the bind address for the RPC listener, honouring
// ListenLocally the way --listen_locally does in SPEC_FULL.md §4.10.
func (c *ServerConfig) Addr() string {
	host := "0.0.0.0"
	if c.ListenLocally {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, c.RPCPort)
}

// CacheConfig configures the optional block cache (C3).
type CacheConfig struct {
	MemoryCache bool   `json:"blockcache_memory"`
	MySQLCache  string `json:"blockcache_mysql"`
	MinDepth    uint64 `json:"min_depth"`
}

// Enabled reports whether any block cache backend is configured.
func (c *CacheConfig) Enabled() bool {
	return c.MemoryCache || c.MySQLCache != ""
}

// MetricsConfig configures the ambient metrics HTTP server (C12).
type MetricsConfig struct {
	Enable  bool   `json:"enable"`
	Address string `json:"address"`
}

// DBConfig configures the chainstate database (gorm/sqlite for
// production, per SPEC_FULL.md §4.1).
type DBConfig struct {
	Dialect      string `json:"dialect"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	Url          string `json:"url"`
	MaxIdleConns int    `json:"max_idle_conns"`
	MaxOpenConns int    `json:"max_open_conns"`

	// AWSSecretName/AWSRegion, when set, are used to fetch Password
	// from AWS Secrets Manager instead of reading it from this file,
	// matching the teacher's getDBPass fallback.
	AWSSecretName string `json:"aws_secret_name"`
	AWSRegion     string `json:"aws_region"`
}

func (cfg *DBConfig) Validate() error {
	if cfg.Dialect != DBDialectMysql && cfg.Dialect != DBDialectSqlite3 {
		return fmt.Errorf("only %s and %s supported", DBDialectMysql, DBDialectSqlite3)
	}
	if cfg.Dialect == DBDialectMysql && (cfg.Username == "" || cfg.Url == "") {
		return fmt.Errorf("db config is not correct, missing username and/or url")
	}
	if cfg.MaxIdleConns == 0 || cfg.MaxOpenConns == 0 {
		return fmt.Errorf("db connections is not correct")
	}
	return nil
}

// LogConfig configures the ambient logging package (C11).
type LogConfig struct {
	Level                        string `json:"level"`
	Filename                     string `json:"filename"`
	MaxFileSizeInMB              int    `json:"max_file_size_in_mb"`
	MaxBackupsOfLogFiles         int    `json:"max_backups_of_log_files"`
	MaxAgeToRetainLogFilesInDays int    `json:"max_age_to_retain_log_files_in_days"`
	UseConsoleLogger             bool   `json:"use_console_logger"`
	UseFileLogger                bool   `json:"use_file_logger"`
	Compress                     bool   `json:"compress"`
}

func (cfg *LogConfig) Validate() error {
	if cfg.UseFileLogger {
		if cfg.Filename == "" {
			return fmt.Errorf("filename should not be empty if use file logger")
		}
		if cfg.MaxFileSizeInMB <= 0 {
			return fmt.Errorf("max_file_size_in_mb should be larger than 0 if use file logger")
		}
		if cfg.MaxBackupsOfLogFiles <= 0 {
			return fmt.Errorf("max_backups_of_log_files should be larger than 0 if use file logger")
		}
	}
	return nil
}

func ParseConfigFromJson(content string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse json: %w", err)
	}
	return &cfg, nil
}

func ParseConfigFromFile(filePath string) (*Config, error) {
	bz, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filePath, err)
	}
	return ParseConfigFromJson(string(bz))
}
