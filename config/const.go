package config

const (
	FlagConfigPath  = "config-path"
	FlagDatadir     = "datadir"
	FlagPort        = "port"
	FlagListenLocal = "listen_locally"
	FlagZMQAddress  = "zmq_address"
	FlagMaxReorg    = "max_reorg_depth"
	FlagSanityCheck = "sanity_checks"
	FlagWatchPending = "watch_for_pending_moves"
	FlagCacheMemory = "blockcache_memory"
	FlagCacheMysql  = "blockcache_mysql"
	FlagDbPass      = "db-password"

	FlagEVMRPCURL   = "evm_rpc_url"
	FlagEVMWSURL    = "evm_ws_url"
	FlagEVMMoveTopic = "evm_move_event_topic"

	FlagTestchainSeedFile = "testchain_seed_file"

	DBDialectMysql   = "mysql"
	DBDialectSqlite3 = "sqlite3"

	EnvVarConfigFilePath = "CONFIG_FILE_PATH"
	EnvVarDBPassword     = "DB_PASSWORD"
)
