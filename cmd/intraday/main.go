package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"depthview/internal/infrastructure/alphavantage"
	"depthview/internal/infrastructure/httpclient"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	// flags read ALPHA_VANTAGE_* from .env too
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "intraday",
		Usage: "fetch an Alpha Vantage intraday series or global quote",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "symbol",
				Aliases:  []string{"s"},
				Usage:    "equity ticker, e.g. IBM",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "interval",
				Aliases: []string{"i"},
				Value:   "5min",
				Usage:   "bar interval: 1min, 5min, 15min, 30min or 60min",
				EnvVars: []string{"ALPHA_VANTAGE_INTERVAL"},
			},
			&cli.StringFlag{
				Name:  "outputsize",
				Value: alphavantage.OutputSizeCompact,
				Usage: "compact (latest 100 bars) or full",
			},
			&cli.BoolFlag{
				Name:  "quote",
				Usage: "fetch GLOBAL_QUOTE instead of the intraday series",
			},
			&cli.StringFlag{
				Name:    "apikey",
				Usage:   "Alpha Vantage API key",
				EnvVars: []string{"ALPHA_VANTAGE_API_KEY"},
			},
			&cli.StringFlag{
				Name:    "base-url",
				Value:   "https://www.alphavantage.co",
				EnvVars: []string{"ALPHA_VANTAGE_BASE_URL"},
				Hidden:  true,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 10 * time.Second,
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log requests to stderr",
			},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("verbose") {
				logger.SetLevel(logrus.DebugLevel)
			} else {
				logger.SetLevel(logrus.WarnLevel)
			}
			if c.String("apikey") == "" {
				return cli.Exit(alphavantage.ErrMissingAPIKey.Error(), 2)
			}

			client := alphavantage.NewClient(
				httpclient.New(c.Duration("timeout"), logger),
				c.String("base-url"),
				c.String("apikey"),
				logger,
			)

			var result any
			var err error
			if c.Bool("quote") {
				result, err = client.Quote(c.Context, c.String("symbol"))
			} else {
				result, err = client.Intraday(c.Context, c.String("symbol"), c.String("interval"), c.String("outputsize"))
			}
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return printJSON(result)
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Fatalf("intraday: %v", err)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}
