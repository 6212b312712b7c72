// gateway is the payment gateway node: it serves the merchant REST API,
// watches the chain for incoming token transfers, drives confirmations,
// settlement and refunds, and delivers signed webhooks.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/go-redis/redis"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/stablepay/bpgw/api"
	"github.com/stablepay/bpgw/chainclient"
	"github.com/stablepay/bpgw/config"
	"github.com/stablepay/bpgw/confirm"
	"github.com/stablepay/bpgw/observer"
	"github.com/stablepay/bpgw/queue"
	"github.com/stablepay/bpgw/refund"
	"github.com/stablepay/bpgw/settle"
	"github.com/stablepay/bpgw/store"
	"github.com/stablepay/bpgw/wallet"
	"github.com/stablepay/bpgw/webhook"
)

const version = "0.9.0"

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "TOML configuration file",
		EnvVars: []string{"BPGW_CONFIG"},
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	logJSONFlag = &cli.BoolFlag{
		Name:  "log.json",
		Usage: "Format logs as JSON",
	}
)

var app = &cli.App{
	Name:    "gateway",
	Usage:   "BEP20 stablecoin payment gateway node",
	Version: version,
	Flags:   []cli.Flag{configFlag, verbosityFlag, logJSONFlag},
	Before:  setupLogging,
	Action:  run,
	Commands: []*cli.Command{
		{
			Name:   "dumpconfig",
			Usage:  "Print the effective configuration as TOML and exit",
			Flags:  []cli.Flag{configFlag},
			Action: dumpConfig,
		},
		{
			Name:  "version",
			Usage: "Print version numbers",
			Action: func(*cli.Context) error {
				fmt.Println("gateway version", version)
				fmt.Println("go version", runtime.Version())
				return nil
			},
		},
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setupLogging(c *cli.Context) error {
	level := log.FromLegacyLevel(c.Int(verbosityFlag.Name))
	var handler slog.Handler
	if c.Bool(logJSONFlag.Name) {
		handler = log.JSONHandlerWithLevel(os.Stderr, level)
	} else {
		handler = log.NewTerminalHandlerWithLevel(os.Stderr, level, false)
	}
	log.SetDefault(log.NewLogger(handler))
	return nil
}

func dumpConfig(c *cli.Context) error {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return err
	}
	return cfg.Dump(os.Stdout)
}

// run wires every component and serves until SIGINT or SIGTERM.
func run(c *cli.Context) error {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(&cfg.Store, log.New("svc", "store"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	chain, err := chainclient.New(&cfg.Chain, log.New("svc", "chain"))
	if err != nil {
		return fmt.Errorf("chain client: %w", err)
	}
	defer chain.Close()

	vault, err := wallet.NewVault(cfg.Security.EncryptionKey)
	if err != nil {
		return fmt.Errorf("secret vault: %w", err)
	}

	queueSvc := queue.New(&cfg.Queue, st, log.New("svc", "queue"))
	dispatcher := webhook.NewDispatcher(st, queueSvc, st, &cfg.Webhook,
		cfg.Security.WebhookSecret, log.New("svc", "webhook"))

	walletSvc, err := wallet.NewService(st, dispatcher, cfg, log.New("svc", "wallet"))
	if err != nil {
		return fmt.Errorf("wallet service: %w", err)
	}

	refundEng := refund.New(st, chain, walletSvc, queueSvc, dispatcher, cfg, log.New("svc", "refund"))
	confirmEng := confirm.New(st, chain, queueSvc, dispatcher, refundEng, cfg, log.New("svc", "confirm"))
	settleEng, err := settle.New(st, chain, walletSvc, queueSvc, dispatcher, st, cfg, log.New("svc", "settle"))
	if err != nil {
		return fmt.Errorf("settlement engine: %w", err)
	}
	obs, err := observer.New(st, chain, confirmEng, dispatcher, cfg, log.New("svc", "observer"))
	if err != nil {
		return fmt.Errorf("observer: %w", err)
	}

	var rdb *redis.Client
	if cfg.Store.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping().Err(); err != nil {
			log.Warn("Redis unreachable, API degrades to in-process limits", "err", err)
		}
	}
	apiSrv := api.New(st, walletSvc, refundEng, obs, vault, st, rdb, cfg, log.New("svc", "api"))

	// Consumers attach before the broker session opens. payout.process is
	// declared but not consumed here; external payout workers drain it.
	queueSvc.Consume(queue.PaymentMonitor, confirmEng.HandleCheck, 0)
	queueSvc.Consume(queue.WebhookSend, dispatcher.HandleDelivery, 0)
	queueSvc.Consume(queue.SettlementProcess, settleEng.HandleProcess, 0)
	queueSvc.Consume(queue.RefundProcess, refundEng.HandleProcess, 0)

	log.Info("Starting payment gateway", "version", version, "chain", cfg.Chain.ChainID)

	if err := chain.WaitOnline(ctx); err != nil {
		return fmt.Errorf("chain endpoints: %w", err)
	}
	if _, err := walletSvc.EnsureHotWallet(ctx, cfg.Wallet.Currency); err != nil {
		return fmt.Errorf("hot wallet: %w", err)
	}
	if err := settleEng.Start(ctx); err != nil {
		return fmt.Errorf("settlement schedules: %w", err)
	}
	defer settleEng.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return queueSvc.Run(ctx) })
	g.Go(func() error { return confirmEng.Run(ctx) })
	g.Go(func() error { return obs.Run(ctx) })
	g.Go(func() error { return apiSrv.Run(ctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info("Gateway shut down cleanly")
		return nil
	}
	return err
}
