package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"socks_sentinel/internal/app"
	"socks_sentinel/internal/shared/config"
	"socks_sentinel/internal/shared/logger"
	"socks_sentinel/internal/shared/types"
	"socks_sentinel/proxypool/model"
	"socks_sentinel/proxypool/storage"
	"socks_sentinel/proxypool/validator"
)

// version is injected at build time via ldflags.
var version = "dev"

var (
	flagConfig   string
	flagEnv      string
	flagLogLevel string
	flagLogJSON  bool

	flagRefreshOnStart bool
	flagScanFetch      bool
	flagRankTop        int
)

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "SOCKS5 proxy pool keeper for qBittorrent",
	Long: `sentinel keeps a ranked pool of public SOCKS5 proxies.

It fetches candidate lists, probes every endpoint in stages (TCP, SOCKS5
handshake, relayed write, bandwidth), ranks the pool and stores it on disk.
The serve command runs the schedules and the JSON/websocket API; the other
commands run one step and exit.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var cfg *types.Config

// Execute is the entry point called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", "configs/sentinel.ini", "Path to the ini config file (missing file means defaults)")
	pf.StringVar(&flagEnv, "env", ".env", "Path to the .env file with qBittorrent credentials")
	pf.StringVar(&flagLogLevel, "log-level", "", "Override [log] level (debug, info, warn, error)")
	pf.BoolVar(&flagLogJSON, "log-json", false, "Write logs as JSON instead of console text")

	serveCmd.Flags().BoolVar(&flagRefreshOnStart, "refresh-on-start", false, "Queue a full refresh as soon as the service is up")
	scanCmd.Flags().BoolVar(&flagScanFetch, "fetch", false, "Fetch sources before scanning (a full refresh)")
	rankCmd.Flags().IntVarP(&flagRankTop, "top", "n", 10, "Number of entries to print")

	rootCmd.AddCommand(serveCmd, fetchCmd, scanCmd, probeCmd, rankCmd)
}

// setup 加载配置并初始化日志系统
func setup(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(flagConfig, flagEnv)
	if err != nil {
		return err
	}
	if flagLogLevel != "" {
		c.LogConf.Level = flagLogLevel
	}
	if flagLogJSON {
		c.LogConf.JSON = true
	}
	if err := logger.Init(c.LogConf); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	cfg = c
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, job workers and web API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := app.New(cfg, flagRefreshOnStart)
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		return s.Run(ctx)
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch every source and merge new endpoints into the pool",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		pool := app.NewPool(cfg, nil)
		if err := pool.Load(); err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		added, err := pool.Fetch(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "added %d new endpoints, pool size %d\n", added, pool.Len())
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Probe every endpoint in the pool, rank and persist",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		pool := app.NewPool(cfg, nil)
		if err := pool.Load(); err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		if flagScanFetch {
			err := pool.RefreshAll(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		} else if err := pool.ScanAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d of %d endpoints fully healthy, last update %s\n",
			pool.HealthyCount(), pool.Len(), pool.LastUpdate())
		return nil
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe <ip:port>...",
	Short: "Probe endpoints once and print the records without touching the pool",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eps := make([]model.Endpoint, 0, len(args))
		for _, a := range args {
			ep, err := model.ParseEndpoint(a)
			if err != nil {
				return err
			}
			eps = append(eps, ep)
		}

		ctx, stop := signalContext()
		defer stop()
		v := validator.NewValidator(validator.ConfigFrom(cfg.ProbeConf))
		entries := make([]model.Entry, 0, len(eps))
		for _, ep := range eps {
			entries = append(entries, model.Entry{Endpoint: ep, Result: v.Probe(ctx, ep)})
		}

		out, err := storage.EncodeProxies(entries)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

var rankCmd = &cobra.Command{
	Use:   "rank",
	Short: "Re-rank the stored pool and print the best endpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		pool := app.NewPool(cfg, nil)
		if err := pool.Load(); err != nil {
			return err
		}
		pool.Rank()
		if err := pool.Persist(); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		for i, e := range pool.Snapshot() {
			if i >= flagRankTop {
				break
			}
			bw := "-"
			if e.Result.BandwidthKbps != nil {
				bw = fmt.Sprintf("%.1f kbps", *e.Result.BandwidthKbps)
			}
			fmt.Fprintf(w, "%3d  %-21s  healthy=%-5t  %s\n", i+1, e.Endpoint, e.Result.FullyHealthy(), bw)
		}
		if best, ok := pool.Best(); ok {
			fmt.Fprintf(w, "best: %s\n", best)
		} else {
			fmt.Fprintln(w, "best: none")
		}
		return nil
	},
}
