package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	sequencer "github.com/Usman6360/signup-sequencer"
	"github.com/Usman6360/signup-sequencer/prover"
	"github.com/Usman6360/signup-sequencer/utils"
)

type config struct {
	Dir         string          `yaml:"dir"`
	TreeDepth   int             `yaml:"tree_depth"`
	LockTimeout string          `yaml:"lock_timeout"`
	QueueLimit  int             `yaml:"queue_limit"`
	MetricsAddr string          `yaml:"metrics_addr"`
	Debug       bool            `yaml:"debug"`
	Provers     []prover.Config `yaml:"provers"`

	lockTimeout time.Duration
}

func loadConfig(path string) (cfg config, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Dir == "" {
		return cfg, errors.New("config: dir is required")
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9090"
	}
	if cfg.LockTimeout != "" {
		cfg.lockTimeout, err = time.ParseDuration(cfg.LockTimeout)
		if err != nil {
			return cfg, fmt.Errorf("config: lock_timeout: %w", err)
		}
	}
	return cfg, nil
}

func run(cfgPath string) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	log := utils.NewDefaultLogger(level)

	registry, err := prover.NewRegistry(cfg.Provers)
	if err != nil {
		return fmt.Errorf("build prover registry: %w", err)
	}
	log.Info("prover registry ready",
		"provers", registry.Len(), "max_batch_size", registry.MaxBatchSize())

	seq, err := sequencer.Open(cfg.Dir, registry, sequencer.Options{
		TreeDepth:   cfg.TreeDepth,
		LockTimeout: cfg.lockTimeout,
		QueueLimit:  cfg.QueueLimit,
		Logger:      log,
	})
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	sequencer.RegisterMetrics(promReg)
	promReg.MustRegister(seq.Store().Collector())

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("insertion pipeline running")
		return seq.Run(context.Background())
	})
	g.Go(func() error {
		log.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
		return seq.Close()
	})

	return g.Wait()
}

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:           "sequencer",
		Short:         "Identity commitment sequencer",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath)
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "sequencer.yml", "path to the YAML config")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
