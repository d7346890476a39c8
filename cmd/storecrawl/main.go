package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"storecrawl/internal/app"
	"storecrawl/internal/shared/config"
	"storecrawl/internal/shared/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configFlags := []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "path to the ini config file",
			Value: "configs/storecrawl.ini",
		},
		&cli.StringFlag{
			Name:  "env",
			Usage: "optional .env file loaded before the config",
			Value: ".env",
		},
	}

	cmd := &cli.Command{
		Name:  "storecrawl",
		Usage: "game store catalog crawler with a scheduler and a control API",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the control API",
				Flags:  configFlags,
				Action: serveAction,
			},
			{
				Name:      "scheduler",
				Usage:     "run the scheduler loop over all enabled sources",
				ArgsUsage: "[-- marker]",
				Flags:     configFlags,
				Action:    schedulerAction,
			},
			{
				Name:  "crawl",
				Usage: "run one job for a single source and exit",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "source",
						Usage:    "source name (steam, playstation, xbox, nintendo)",
						Required: true,
					},
				}, configFlags...),
				Action: crawlAction,
			},
			{
				Name:  "proxy",
				Usage: "proxy list commands",
				Commands: []*cli.Command{
					{
						Name:  "check",
						Usage: "probe every proxy in the list",
						Flags: append([]cli.Flag{
							&cli.BoolFlag{
								Name:  "prune",
								Usage: "drop unhealthy proxies and rewrite the list file",
							},
						}, configFlags...),
						Action: proxyCheckAction,
					},
				},
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: %v\n", err)
		os.Exit(1)
	}
}

// setup 加载配置、初始化日志并装配 App
func setup(ctx context.Context, cmd *cli.Command) (*app.App, error) {
	configPath := cmd.String("config")
	envPath := cmd.String("env")

	cfg, err := config.Load(configPath, envPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.LogConf); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a, err := app.New(ctx, cfg, configPath, envPath)
	if err != nil {
		logger.Close()
		return nil, err
	}
	return a, nil
}

func teardown(a *app.App) {
	a.Close()
	logger.Close()
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer teardown(a)
	return a.Serve(ctx)
}

func schedulerAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer teardown(a)
	return a.RunScheduler(ctx)
}

func crawlAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer teardown(a)

	report, err := a.CrawlOnce(ctx, cmd.String("source"))
	if report != nil {
		fmt.Printf("run %s: %s, candidates=%d extracted=%d failed=%d published=%d in %s\n",
			report.RunID, report.Outcome, report.Candidates, report.Extracted, report.Failed, report.Published, report.Duration)
	}
	return err
}

func proxyCheckAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer teardown(a)

	checked, err := a.CheckProxies(ctx, cmd.Bool("prune"))
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROXY\tSCHEME\tHEALTHY\tLATENCY")
	for _, p := range checked {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", p.ID, p.Scheme, p.Healthy, p.Latency)
	}
	return tw.Flush()
}
