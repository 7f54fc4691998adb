// Command netlev-shuffle-server runs the shuffle server engine (C7)
// as a standalone process: one RDMA listener, one shared buffer pool,
// one MOF store, serving fetch requests from any number of reduce
// tasks until signaled to stop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	rdmashuffle "github.com/netlev/rdmashuffle"
	"github.com/netlev/rdmashuffle/internal/conn"
	"github.com/netlev/rdmashuffle/internal/config"
	"github.com/netlev/rdmashuffle/internal/fabric"
	"github.com/netlev/rdmashuffle/internal/logging"
	"github.com/netlev/rdmashuffle/internal/mofstore"
	"github.com/netlev/rdmashuffle/internal/pool"
	"github.com/netlev/rdmashuffle/server"
)

var (
	configPath string
	addrFlag   string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "netlev-shuffle-server",
		Short: "Serve map output segments to reduce tasks over RDMA",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a YAML/TOML config file")
	root.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides config)")
	root.Flags().BoolVarP(&verbose, "v", "v", false, "verbose logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if addrFlag != "" {
		cfg.Addr = addrFlag
	}

	logConfig := logging.DefaultConfig()
	if verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	metrics := rdmashuffle.NewMetrics()
	observer := rdmashuffle.NewMetricsObserver(metrics)

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(rdmashuffle.NewPrometheusCollector(metrics))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("metrics server stopped", "err", err.Error())
			}
		}()
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
	}

	loop, err := fabric.NewLoop()
	if err != nil {
		return fmt.Errorf("creating event loop: %w", err)
	}
	go loop.Run()
	defer loop.Close()
	defer loop.Stop()

	f, err := fabric.NewVerbsFabric(loop, cfg.WqeDepth)
	if err != nil {
		return fmt.Errorf("bringing up RDMA fabric: %w", err)
	}
	defer f.Close()

	p, err := pool.New(cfg.NumPairs, cfg.RDMABufSize, cfg.RDMABufSize)
	if err != nil {
		return fmt.Errorf("creating buffer pool: %w", err)
	}

	store := mofstore.NewMemStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var srv *server.Engine
	srv = server.New(server.Config{
		Fabric:       f,
		Pool:         p,
		Store:        store,
		Logger:       logger,
		Observer:     observer,
		RDMAChunkLen: cfg.RDMABufSize,
		OnAccept: func(c *conn.Connection) {
			fd := c.QP.PollFD()
			if fd < 0 {
				return
			}
			if err := loop.Register(fd, func() {
				if err := srv.DrainCompletions(ctx, c, c.QP); err != nil {
					logger.Error("drain completions failed", "conn_id", c.ID, "err", err.Error())
				}
			}); err != nil {
				logger.Error("registering connection with event loop failed", "conn_id", c.ID, "err", err.Error())
			}
		},
	})

	go func() {
		if err := srv.Serve(ctx, cfg.Addr); err != nil && ctx.Err() == nil {
			logger.Error("listener stopped", "err", err.Error())
		}
	}()
	logger.Info("serving shuffle fetches", "addr", cfg.Addr, "num_pairs", cfg.NumPairs, "rdma_buf_size", cfg.RDMABufSize)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	cancel()
	time.Sleep(10 * time.Millisecond)
	return nil
}
