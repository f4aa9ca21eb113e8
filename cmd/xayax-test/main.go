// Command xayax-test runs the xayax core against the in-memory
// testchain connector, for local development and manual exercising of
// the RPC/ZMQ surface without a real node.
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

	"github.com/xaya/xayax/block"
	"github.com/xaya/xayax/chainstate"
	xconfig "github.com/xaya/xayax/config"
	"github.com/xaya/xayax/controller"
	"github.com/xaya/xayax/logging"
	"github.com/xaya/xayax/testchain"
)

func initFlags() {
	pflag.String(xconfig.FlagConfigPath, "", "config file path")
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
		fmt.Println("usage: xayax-test --config-path configFile")
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

	// The in-memory connector has no real genesis to configure; it
	// always starts a fresh chain at this fixed block, and the
	// controller's own bootstrap step seeds the chainstate from it.
	genesis := block.Block{Hash: "genesis", Height: 0}
	chain := testchain.New("test", genesis)

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
