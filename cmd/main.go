package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"hedgebot/src/config"
	"hedgebot/src/connectors"
	"hedgebot/src/database"
	"hedgebot/src/healthcheck"
	"hedgebot/src/model"
	"hedgebot/src/repository"
	"hedgebot/src/security"
	"hedgebot/src/venue"
)

var Version string

func main() {
	app := cli.NewApp()
	app.Name = "Hedgebot CMD"
	app.Usage = "The hedgebot command line interface"

	app.Commands = []cli.Command{
		healthcheckCMD,
		simulateCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	healthcheckCMD = cli.Command{
		Name:        "healthcheck",
		Usage:       "check connectivity and pricing for every enabled pair",
		Action:      healthcheckAction,
		ArgsUsage:   "[size]",
		Flags:       []cli.Flag{},
		Description: `Fetch both books per pair, compute the net spread, report OK/FAIL. Never places.`,
	}
	simulateCMD = cli.Command{
		Name:        "simulate",
		Usage:       "build and persist a dry order plan for one pair",
		Action:      simulateAction,
		ArgsUsage:   "<pair> [size]",
		Flags:       []cli.Flag{},
		Description: `Build the full order plan for a pair at the given size, estimate pnl, persist a simulated run. Never places.`,
	}
)

// buildReadOnlyService wires just enough of the engine for the read-only
// commands: pool + adapters, no managers, no reconciler.
func buildReadOnlyService(ctx context.Context, settings *config.Settings) (*healthcheck.Service, []model.MarketPair, error) {
	accounts, err := repository.NewAccountRepository().ListEnabled(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(accounts) == 0 {
		return nil, nil, fmt.Errorf("no enabled accounts loaded")
	}

	cfg := connectors.GetConfig()
	pool := venue.NewPool()
	for _, account := range accounts {
		apiKey, err := security.DecryptString(account.APIKeyHash)
		if err != nil {
			return nil, nil, fmt.Errorf("decrypt api key for %s: %w", account.AccountID, err)
		}
		apiSecret, err := security.DecryptString(account.APISecretHash)
		if err != nil {
			return nil, nil, fmt.Errorf("decrypt api secret for %s: %w", account.AccountID, err)
		}
		var adapter venue.Adapter
		if account.Venue == "polymarket" {
			adapter = connectors.NewClobClient(account.Venue, cfg.PolymarketBaseURL, cfg.PolymarketWSURL, apiKey, apiSecret, account.Proxy, false)
		} else {
			adapter = connectors.NewClobClient(account.Venue, cfg.OpinionBaseURL, cfg.OpinionWSURL, apiKey, apiSecret, account.Proxy, true)
		}
		pool.Add(account, adapter)
	}

	pairs, err := repository.NewMarketPairRepository().ListEnabled(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(pairs) == 0 {
		return nil, nil, fmt.Errorf("no enabled pairs configured")
	}

	return healthcheck.NewService(settings, pool), pairs, nil
}

func healthcheckAction(c *cli.Context) error {
	logrus.Info("Starting healthcheck CMD")

	settings, err := config.GetSettings()
	if err != nil {
		return err
	}
	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}

	ctx := context.Background()
	service, pairs, err := buildReadOnlyService(ctx, settings)
	if err != nil {
		return err
	}

	size := settings.MarketHedgeMode.NotionalSize
	if c.Args().Present() {
		if parsed, err := strconv.ParseFloat(c.Args().First(), 64); err == nil && parsed > 0 {
			size = parsed
		}
	}

	results := service.Run(ctx, pairs, size)
	return printJSON(results)
}

func simulateAction(c *cli.Context) error {
	logrus.Info("Starting simulate CMD")

	if !c.Args().Present() {
		return fmt.Errorf("usage: simulate <pair> [size]")
	}
	pairID := c.Args().First()

	settings, err := config.GetSettings()
	if err != nil {
		return err
	}
	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}

	ctx := context.Background()
	service, pairs, err := buildReadOnlyService(ctx, settings)
	if err != nil {
		return err
	}

	var target *model.MarketPair
	for i := range pairs {
		if pairs[i].PairID == pairID {
			target = &pairs[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("unknown pair %s", pairID)
	}

	size := 0.0
	if len(c.Args()) > 1 {
		if parsed, err := strconv.ParseFloat(c.Args().Get(1), 64); err == nil {
			size = parsed
		}
	}

	plan, err := service.Simulate(ctx, *target, size, repository.NewSimulatedRunRepository())
	if err != nil {
		return err
	}
	return printJSON(plan)
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
