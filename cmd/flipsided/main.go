// flipsided runs the exchange: ledger, matching engine, event bus and the
// subscriber gateway in one process.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/flipside-exchange/flipside/params"
	"github.com/flipside-exchange/flipside/pkg/bus"
	"github.com/flipside-exchange/flipside/pkg/clob/account"
	"github.com/flipside-exchange/flipside/pkg/clob/engine"
	"github.com/flipside-exchange/flipside/pkg/clob/ledger"
	"github.com/flipside-exchange/flipside/pkg/clob/market"
	"github.com/flipside-exchange/flipside/pkg/gateway"
	"github.com/flipside-exchange/flipside/pkg/metrics"
	"github.com/flipside-exchange/flipside/pkg/util"
)

func main() {
	var envFile string

	root := &cobra.Command{
		Use:   "flipsided",
		Short: "Binary prediction market exchange",
	}
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the exchange node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(envFile)
		},
	}
	serve.Flags().StringVar(&envFile, "env", "", "path to .env file")
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(envFile string) error {
	cfg := params.Load(envFile)

	var logger *zap.Logger
	var err error
	if logFile := os.Getenv("LOG_FILE"); logFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.LogLevel, logFile)
	} else {
		logger, err = util.NewLogger(cfg.LogLevel)
	}
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := ledger.Open(cfg.Ledger.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	b := bus.New(logger, cfg.Bus.Buffer)
	defer b.Close()

	coll := metrics.NewCollector()
	accounts := account.NewManager(cfg.Engine.StarterMoney())
	registry := market.NewRegistry()

	mgr := engine.NewManager(logger, store, accounts, registry, b.Publish, coll, engine.Options{
		CommandBuffer:   cfg.Engine.CommandBuffer,
		SnapshotDepth:   cfg.Engine.SnapshotDepth,
		CheckInvariants: cfg.Engine.CheckInvariants,
	})
	if err := mgr.Boot(ctx); err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	if err := bootstrapAdmin(mgr, store, logger); err != nil {
		return err
	}

	if cfg.Relay.Enabled {
		relay, err := bus.NewRelay(ctx, b, bus.RelayConfig{
			ListenAddr: cfg.Relay.ListenAddr,
			Bootstrap:  cfg.Relay.Bootstrap,
			Logger:     logger,
		})
		if err != nil {
			return fmt.Errorf("relay: %w", err)
		}
		defer relay.Close()
	}

	srv := gateway.NewServer(logger, gateway.Config{
		ListenAddr:     cfg.Gateway.ListenAddr,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		SnapshotDepth:  cfg.Engine.SnapshotDepth,
		TradeHistory:   cfg.Gateway.TradeHistory,
		WSIdleTimeout:  cfg.Gateway.WSIdleTimeout,
		WSMsgRate:      cfg.Gateway.WSMsgRate,
		WSMsgBurst:     cfg.Gateway.WSMsgBurst,
		WSChurnRate:    cfg.Gateway.WSChurnRate,
		WSChurnBurst:   cfg.Gateway.WSChurnBurst,
	}, mgr, b, coll)

	return srv.Start(ctx)
}

// bootstrapAdmin creates the first admin on an empty ledger. The token is
// taken from ADMIN_TOKEN or generated and logged once.
func bootstrapAdmin(mgr *engine.Manager, store *ledger.Store, logger *zap.Logger) error {
	users, err := store.LoadUsers()
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return nil
	}
	admin, err := mgr.CreateUser("admin", account.Admin)
	if err != nil {
		return err
	}
	token := os.Getenv("ADMIN_TOKEN")
	if token == "" {
		token = uuid.NewString()
	}
	if err := mgr.CreateSession(admin.ID, token); err != nil {
		return err
	}
	logger.Info("admin bootstrapped", zap.String("user", admin.ID), zap.String("token", token))
	return nil
}
