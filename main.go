package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/statehistory/htbench/dbms/config"
	"github.com/statehistory/htbench/dbms/metrics"
)

var (
	configPath  string
	verbose     bool
	metricsAddr string

	flagFile            string
	flagBlockSize       string
	flagMaxChildren     int
	flagProviderVersion int32
	flagTreeStart       int64
	flagNodeCache       int

	settings config.Config
	log      = zap.NewNop()
	registry = prometheus.NewRegistry()
	m        = metrics.New(registry)
)

var rootCmd = &cobra.Command{
	Use:               "htbench",
	Short:             "Build, query and benchmark interval history trees",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = log.Sync()
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&configPath, "config", "", "YAML config file")
	f.BoolVarP(&verbose, "verbose", "v", false, "development logging at debug level")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	f.StringVarP(&flagFile, "file", "f", "", "history file")
	f.StringVar(&flagBlockSize, "block-size", "", "node block size, e.g. 64KB")
	f.IntVar(&flagMaxChildren, "max-children", 0, "maximum children of a core node")
	f.Int32Var(&flagProviderVersion, "provider-version", 0, "state provider version stored in the header")
	f.Int64Var(&flagTreeStart, "tree-start", 0, "earliest time the tree accepts")
	f.IntVar(&flagNodeCache, "node-cache", 0, "closed nodes kept in memory (negative disables)")

	rootCmd.AddCommand(buildCmd, queryCmd, query2DCmd, infoCmd, dumpCmd, benchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	settings, err = loadSettings(afero.NewOsFs(), cmd)
	if err != nil {
		return err
	}
	log, err = newLogger(settings.Log, verbose)
	if err != nil {
		return errors.Wrap(err, "init logger")
	}
	if settings.Metrics.Addr != "" {
		serveMetrics(settings.Metrics.Addr)
	}
	return nil
}

// loadSettings reads the config file, if any, and applies the flags the
// user set on top of it.
func loadSettings(fs afero.Fs, cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(fs, configPath); err != nil {
			return config.Config{}, err
		}
	}
	changed := cmd.Flags().Changed
	if changed("file") {
		cfg.Path = flagFile
	}
	if changed("block-size") {
		size, err := datasize.ParseString(flagBlockSize)
		if err != nil {
			return config.Config{}, errors.Wrapf(err, "--block-size %q", flagBlockSize)
		}
		cfg.BlockSize = size
	}
	if changed("max-children") {
		cfg.MaxChildren = flagMaxChildren
	}
	if changed("provider-version") {
		cfg.ProviderVersion = flagProviderVersion
	}
	if changed("tree-start") {
		cfg.TreeStart = flagTreeStart
	}
	if changed("node-cache") {
		cfg.NodeCacheSize = flagNodeCache
	}
	if changed("metrics-addr") {
		cfg.Metrics.Addr = metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(c config.Log, verbose bool) (*zap.Logger, error) {
	if verbose || c.Development {
		return zap.NewDevelopment()
	}
	lvl, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))
}
