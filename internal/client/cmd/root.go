// Package cmd is the transfile command line.
package cmd

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rudransh-shrivastava/transfile/internal/config"
	"github.com/rudransh-shrivastava/transfile/internal/logger"
	"github.com/rudransh-shrivastava/transfile/internal/metrics"
	"github.com/rudransh-shrivastava/transfile/internal/node"
	"github.com/rudransh-shrivastava/transfile/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath  string
	logLevel    string
	dbPath      string
	metricsAddr string

	cfg *config.Config
	log *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:           `transfile`,
	Long:          `transfile sends files directly between two peers`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("log-level") {
			loaded.LogLevel = logLevel
		}
		if flags.Changed("db") {
			loaded.DatabasePath = dbPath
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded

		level, err := logger.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		log = logger.NewLogger()
		log.SetLevel(level)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if log == nil {
			log = logger.NewLogger()
		}
		log.Error(err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "transfile.yaml", "configuration file")
	flags.StringVar(&logLevel, "log-level", config.DefaultLogLevel, "log level (trace, debug, info, warn, error)")
	flags.StringVar(&dbPath, "db", config.DefaultDatabasePath, "transfer history database")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, e.g. :9090")

	rootCmd.AddCommand(addrsCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(receiveCmd)
	rootCmd.AddCommand(historyCmd)
}

// startMetrics serves /metrics when --metrics-addr is set and returns the
// recorder to hand to the node.
func startMetrics() metrics.Recorder {
	if metricsAddr == "" {
		return metrics.Nop{}
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewPrometheusWithRegisterer(metrics.DefaultNamespace, reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithField("error", err).Warn("metrics server stopped")
		}
	}()
	log.WithField("addr", metricsAddr).Info("serving metrics")
	return rec
}

// newNode builds a node with history and metrics. The returned func closes
// the history database.
func newNode() (*node.Node, func(), error) {
	history, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	closeHistory := func() {
		if err := history.Close(); err != nil {
			log.WithField("error", err).Warn("failed to close history")
		}
	}

	n, err := node.New(node.Options{
		Config:  cfg,
		Logger:  log,
		Metrics: startMetrics(),
		History: history,
	})
	if err != nil {
		closeHistory()
		return nil, nil, err
	}
	return n, closeHistory, nil
}
