// Command xayax-evm runs the xayax core against an EVM chain via the
// evmchain connector, matching the controller lifecycle described in
// SPEC_FULL.md §4.9/§4.10.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/xaya/xayax/basechain"
	"github.com/xaya/xayax/blockcache"
	"github.com/xaya/xayax/chainstate"
	xconfig "github.com/xaya/xayax/config"
	"github.com/xaya/xayax/controller"
	"github.com/xaya/xayax/evmchain"
	"github.com/xaya/xayax/logging"
	"github.com/xaya/xayax/metrics"
)

func initFlags() {
	pflag.String(xconfig.FlagConfigPath, "", "config file path")
	pflag.String(xconfig.FlagDbPass, "", "chainstate database password")
	pflag.Parse()
	if err := viper.BindPFlags(pflag.CommandLine); err != nil {
		panic(err)
	}
}

func main() {
	initFlags()

	configPath := viper.GetString(xconfig.FlagConfigPath)
	if configPath == "" {
		configPath = os.Getenv(xconfig.EnvVarConfigFilePath)
	}
	if configPath == "" {
		fmt.Println("usage: xayax-evm --config-path configFile")
		os.Exit(1)
	}

	cfg, err := xconfig.ParseConfigFromFile(configPath)
	if err != nil {
		panic(err)
	}
	logging.InitLogger(&cfg.LogConfig)

	db, err := gorm.Open(sqlite.Open(cfg.DBConfig.Url), &gorm.Config{})
	if err != nil {
		panic(fmt.Sprintf("open chainstate db: %v", err))
	}
	store, err := chainstate.Open(db)
	if err != nil {
		panic(err)
	}

	evmChain, err := evmchain.New(evmchain.Config{
		RPCURL:         cfg.ChainConfig.EVMRPCURL,
		WSURL:          cfg.ChainConfig.EVMWSURL,
		MoveEventTopic: cfg.ChainConfig.EVMMoveEventTopic,
		Chain:          "evm",
	})
	if err != nil {
		panic(err)
	}

	var chain basechain.BaseChain = evmChain
	if cfg.CacheConfig.Enabled() {
		var cacheStore blockcache.Storage
		if cfg.CacheConfig.MySQLCache != "" {
			cacheStore, err = blockcache.OpenSQLStorage(cfg.CacheConfig.MySQLCache)
			if err != nil {
				panic(err)
			}
		} else {
			cacheStore = blockcache.NewMemoryStorage()
		}
		chain = blockcache.New(chain, cacheStore, cfg.CacheConfig.MinDepth)
	}

	if cfg.MetricsConfig.Enable {
		m := metrics.New(cfg.MetricsConfig.Address)
		if err := m.Start(); err != nil {
			panic(err)
		}
	}

	ctl, err := controller.New(controller.Config{
		ZMQAddress:           cfg.ServerConfig.ZMQAddress,
		RPCAddress:           cfg.ServerConfig.Addr(),
		RPCCorsOrigins:       cfg.ServerConfig.RPCCorsOrigins,
		MaxReorgDepth:        cfg.ChainConfig.MaxReorgDepth,
		BlockRange:           cfg.ChainConfig.BlockRange,
		TrackedGames:         cfg.ChainConfig.TrackedGames,
		WatchForPendingMoves: cfg.ChainConfig.WatchForPendingMoves,
	}, chain, store)
	if err != nil {
		panic(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := ctl.Run(ctx); err != nil && ctx.Err() == nil {
		logging.Logger.Errorf("controller exited: %v", err)
		os.Exit(1)
	}
}
