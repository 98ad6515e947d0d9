package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/inconshreveable/log15"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mini-jsonrpc/config"
	"mini-jsonrpc/dial"
	"mini-jsonrpc/log"
)

var (
	home     string
	endpoint string
	logLevel string
	envFile  string
)

var rootCmd = &cobra.Command{
	Use:   "jrpc",
	Short: "a JSON-RPC 2.0 client that checks every reply against its request",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile != "" {
			return godotenv.Load(envFile)
		}
		if _, err := os.Stat(".env"); err == nil {
			return godotenv.Load()
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&home, config.FlagHome, "", "jrpc home directory (default ~/.jrpc)")
	rootCmd.PersistentFlags().StringVar(&endpoint, config.FlagEndpoint, "", "peer URL: http(s)://, ws(s)://, tcp:// or tcp+snappy://")
	rootCmd.PersistentFlags().StringVar(&logLevel, config.FlagLogLevel, "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Duration(config.FlagTimeout, 0, "per-attempt timeout")
	rootCmd.PersistentFlags().StringVar(&envFile, "env_file", "", "load environment variables from this file")

	for _, name := range []string{config.FlagHome, config.FlagEndpoint, config.FlagLogLevel, config.FlagTimeout} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// connect reads and validates the config, sets up logging and metrics and
// dials the configured target.
func connect(ctx context.Context) (*dial.Conn, error) {
	cfg, err := config.ReadConfig(true)
	if err != nil {
		return nil, err
	}
	if err := config.ValidateConfig(&cfg); err != nil {
		return nil, err
	}

	logger := log.NewLog("")
	lvl, err := log15.LvlFromString(cfg.LogLevel)
	if err != nil {
		logger.Warn("invalid log level, falling back to INFO", "level", cfg.LogLevel)
		lvl = log15.LvlInfo
	}
	log.SetLevel(lvl)

	if cfg.EnablePrometheus {
		logger.Info("Prometheus metrics enabled", "addr", cfg.MetricsAddr)
		http.Handle("/metrics", promhttp.Handler())
		go http.ListenAndServe(cfg.MetricsAddr, nil)
	}

	return dial.FromConfig(ctx, &cfg)
}
