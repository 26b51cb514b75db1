package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/crypto/bcrypt"

	"tradebot/src/config"
	"tradebot/src/database"
	"tradebot/src/engine"
	"tradebot/src/events"
	"tradebot/src/exchange"
	"tradebot/src/logging"
	"tradebot/src/marketdata"
	"tradebot/src/model"
	"tradebot/src/position"
	"tradebot/src/repository"
	"tradebot/src/risk"
	"tradebot/src/server"
	"tradebot/src/strategy"
)

var Version string

func main() {
	app := cli.NewApp()
	app.Name = "tradebot"
	app.Usage = "The tradebot command line interface"

	app.Commands = []cli.Command{
		runCMD,
		reportCMD,
		hashTokenCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	runCMD = cli.Command{
		Name:        "run",
		Usage:       "run the trading bot",
		Action:      runAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run the webhook server and the trading loop`,
	}
	reportCMD = cli.Command{
		Name:        "report",
		Usage:       "print a trade report",
		Action:      reportAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Print aggregated PnL and the most recent closed trades`,
	}
	hashTokenCMD = cli.Command{
		Name:        "hashtoken",
		Usage:       "hash a webhook token",
		Action:      hashTokenAction,
		ArgsUsage:   "<token>",
		Flags:       []cli.Flag{},
		Description: `Print the bcrypt hash to use as WEBHOOK_TOKEN_HASH`,
	}
)

func runAction(_ *cli.Context) error {
	cfg := config.GetConfig()
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		return err
	}

	logging.Setup(cfg.LogLevel, cfg.LogFile)
	defer handlePanic()

	logger.WithFields(logger.Fields{
		"paper_trading": cfg.PaperTrading,
		"exchange":      cfg.ExchangeName,
		"symbols":       cfg.StrategySymbols,
	}).Info("Starting trading bot")

	if err := database.InitMainDB(); err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo := repository.NewClosedTradeRepository()
	bybit := exchange.NewBybitClient(cfg.ExchangeAPIKey, cfg.ExchangeSecret, cfg.ExchangeBaseURL)

	feed := exchange.NewPriceFeed(cfg.ExchangeWSURL, cfg.StrategySymbols, bybit)
	go feed.Run(ctx)

	var client exchange.Client = bybit
	if cfg.PaperTrading {
		client = exchange.NewPaperClient(feed, bybit, cfg.QuoteAsset, decimal.NewFromFloat(cfg.PaperBalance))
		logger.Info("Paper trading mode, orders are simulated")
	}

	riskMgr := risk.NewManager(cfg, client)
	if err := seedRisk(ctx, riskMgr, repo, client, cfg.QuoteAsset); err != nil {
		logger.WithError(err).Error("Failed to seed risk manager")
		return err
	}

	bus := events.NewBus()
	manager := position.NewManager(cfg, client, riskMgr, repo, bus)

	candles, err := marketdata.NewProvider(cfg.QuoteAsset)
	if err != nil {
		return err
	}
	strategies, err := strategy.BuildAll(cfg, candles)
	if err != nil {
		return err
	}

	orch := engine.New(manager, riskMgr, bus, strategies,
		cfg.LoopInterval, cfg.EvaluateInterval, cfg.MaxSignalsPerCycle)

	loopErr := make(chan error, 1)
	go func() { loopErr <- orch.Run(ctx) }()

	srv := server.New(orch, manager, repo, bus, cfg.WebhookTokenHash)
	if err := srv.Run(ctx, cfg.ServerPort); err != nil {
		return err
	}

	if err := <-loopErr; err != nil {
		return err
	}

	if cfg.CloseOnShutdown {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := manager.CloseAll(closeCtx, model.CloseReasonShutdown); err != nil {
			logger.WithError(err).Error("Failed to close positions on shutdown")
			return err
		}
	}

	logger.Info("Trading bot stopped")
	return nil
}

// seedRisk rebuilds the daily-loss reference from the trades already
// recorded today, so a restart cannot reset the limit.
func seedRisk(ctx context.Context, riskMgr *risk.Manager, repo *repository.ClosedTradeRepository,
	client exchange.Client, quoteAsset string) error {
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	todayPnL, err := repo.SumNetPnLSince(ctx, midnight)
	if err != nil {
		return err
	}

	bal, err := client.GetBalance(ctx, quoteAsset)
	if err != nil {
		return err
	}

	riskMgr.Seed(todayPnL, bal.Total)
	logger.WithFields(logger.Fields{
		"today_pnl": todayPnL,
		"balance":   bal.Total,
	}).Info("Risk manager seeded")
	return nil
}

func reportAction(_ *cli.Context) error {
	cfg := config.GetConfig()
	logging.Setup(cfg.LogLevel, "")

	if err := database.InitMainDB(); err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		return err
	}

	ctx := context.Background()
	repo := repository.NewClosedTradeRepository()

	totals, err := repo.Totals(ctx, time.Time{})
	if err != nil {
		return err
	}
	fmt.Printf("Closed trades: %d\n", totals.Trades)
	fmt.Printf("Gross PnL:     %s\n", totals.GrossPnL.StringFixed(4))
	fmt.Printf("Fees:          %s\n", totals.Fees.StringFixed(4))
	fmt.Printf("Net PnL:       %s\n", totals.NetPnL.StringFixed(4))

	trades, err := repo.GetHistoricalTrades(ctx, repository.TradeSearchOptions{Limit: 10})
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		return nil
	}

	fmt.Println("\nMost recent trades:")
	for _, trade := range trades {
		fmt.Printf("  %s  %-10s %-5s net=%-12s reason=%s\n",
			trade.CloseTimestamp.UTC().Format(time.RFC3339),
			trade.Symbol, trade.Side, trade.NetPnL.StringFixed(4), trade.CloseReason)
	}
	return nil
}

func hashTokenAction(c *cli.Context) error {
	token := c.Args().First()
	if token == "" {
		return fmt.Errorf("usage: tradebot hashtoken <token>")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	fmt.Println(string(hash))
	return nil
}

func handlePanic() {
	if r := recover(); r != nil {
		logger.WithError(fmt.Errorf("%+v", r)).Error("Application tradebot panic")
	}
}
