// Command netlev-shuffle-client runs the shuffle client engine (C6) as
// a standalone process: it reads INIT/FETCH/FINAL/EXIT lines from
// stdin (the control channel a reduce task's host runtime drives),
// writes each delivered fetch's bytes under a local directory, and
// prints one confirmation line per delivery to stdout.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	rdmashuffle "github.com/netlev/rdmashuffle"
	"github.com/netlev/rdmashuffle/client"
	"github.com/netlev/rdmashuffle/internal/config"
	"github.com/netlev/rdmashuffle/internal/control"
	"github.com/netlev/rdmashuffle/internal/fabric"
	"github.com/netlev/rdmashuffle/internal/ifaces"
	"github.com/netlev/rdmashuffle/internal/logging"
	"github.com/netlev/rdmashuffle/internal/merge"
	"github.com/netlev/rdmashuffle/internal/pool"
)

var (
	configPath string
	portFlag   int
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "netlev-shuffle-client",
		Short: "Drive the shuffle client engine from a control-channel pipe",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a YAML/TOML config file")
	root.Flags().IntVar(&portFlag, "port", 0, "shuffle service port every peer listens on (overrides config)")
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

	logConfig := logging.DefaultConfig()
	if verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	metrics := rdmashuffle.NewMetrics()
	observer := rdmashuffle.NewMetricsObserver(metrics)

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

	mgr := merge.NewManager()
	port := portFlag
	if port <= 0 {
		port = 6633
		if _, p, err := net.SplitHostPort(cfg.Addr); err == nil {
			if n, err := strconv.Atoi(p); err == nil && n > 0 {
				port = n
			}
		}
	}

	eng, err := client.New(client.Config{
		Fabric:      f,
		Pool:        p,
		Merge:       mgr,
		Logger:      logger,
		Observer:    observer,
		Port:        port,
		RDMABufSize: cfg.RDMABufSize,
	})
	if err != nil {
		return fmt.Errorf("creating client engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	tracker := newTaskTracker()
	go drainLoop(ctx, eng, mgr, tracker, logger)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Text()
		parsed, err := control.Parse(line)
		if err != nil {
			logger.Error("control parse failed", "line", line, "err", err.Error())
			continue
		}

		switch parsed.Kind {
		case control.KindInit:
			if len(parsed.Init.LocalDirs) > 0 {
				tracker.setLocalDir(parsed.Init.LocalDirs[0])
			}
			logger.Info("initialized", "job_id", parsed.Init.JobID, "num_maps", parsed.Init.NumMaps)
		case control.KindFetch:
			handleFetch(ctx, eng, parsed.Fetch, tracker, logger)
		case control.KindFinal:
			logger.Info("final signal received")
		case control.KindExit:
			cancel()
		}
	}

	cancel()
	time.Sleep(10 * time.Millisecond)
	return nil
}

// taskTracker remembers every host connection and (jobID, reduceID)
// task a FETCH has named, since neither client.Engine nor merge.Manager
// exposes that bookkeeping itself, plus the local directory fetched
// segments land in once delivered.
type taskTracker struct {
	mu       sync.Mutex
	hosts    map[string]struct{}
	tasks    map[[2]string]struct{}
	localDir string
}

func newTaskTracker() *taskTracker {
	return &taskTracker{
		hosts: make(map[string]struct{}),
		tasks: make(map[[2]string]struct{}),
	}
}

func (t *taskTracker) setLocalDir(dir string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localDir = dir
}

func (t *taskTracker) record(host, jobID, reduceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hosts[host] = struct{}{}
	t.tasks[[2]string{jobID, reduceID}] = struct{}{}
}

func (t *taskTracker) snapshot() (hosts []string, tasks [][2]string, localDir string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for h := range t.hosts {
		hosts = append(hosts, h)
	}
	for k := range t.tasks {
		tasks = append(tasks, k)
	}
	return hosts, tasks, t.localDir
}

func handleFetch(ctx context.Context, eng *client.Engine, fp control.FetchParams, tracker *taskTracker, logger *logging.Logger) {
	if !fp.HasSegment() {
		logger.Error("FETCH missing segment fields; host runtime must supply file_offset/length/total_uncompressed/mof_path", "job_id", fp.JobID, "map_id", fp.MapID)
		return
	}

	reduceID := fmt.Sprintf("%d", fp.ReduceID)
	spec := client.FetchSpec{
		JobID:             fp.JobID,
		MapID:             fp.MapID,
		ReduceID:          reduceID,
		FileOffset:        fp.FileOffset,
		Length:            fp.Length,
		MOFPath:           fp.MOFPath,
		TotalUncompressed: fp.TotalUncompressed,
	}
	if err := eng.IssueFetch(ctx, fp.Host, spec); err != nil {
		logger.Error("fetch issue failed", "host", fp.Host, "job_id", fp.JobID, "map_id", fp.MapID, "err", err.Error())
		return
	}
	tracker.record(fp.Host, fp.JobID, reduceID)
}

// drainLoop periodically drains completions for every host a fetch has
// been issued to, writes each newly delivered result under the job's
// local directory, and prints a confirmation line to stdout. A real
// deployment would register each connection's completion fd with an
// event loop the way the server does, but the client engine doesn't
// expose its per-host queue pairs for that, so a short poll stands in.
func drainLoop(ctx context.Context, eng *client.Engine, mgr *merge.Manager, tracker *taskTracker, logger *logging.Logger) {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		hosts, tasks, localDir := tracker.snapshot()
		for _, h := range hosts {
			if err := eng.DrainCompletions(ctx, h); err != nil {
				logger.Error("drain completions failed", "host", h, "err", err.Error())
			}
		}
		for _, task := range tasks {
			jobID, reduceID := task[0], task[1]
			for _, res := range mgr.Drain(jobID, reduceID) {
				deliver(res, localDir, logger)
			}
		}
	}
}

func deliver(res ifaces.FetchResult, localDir string, logger *logging.Logger) {
	if localDir != "" {
		path := filepath.Join(localDir, fmt.Sprintf("%s-%s-%s.fetched", res.JobID, res.MapID, res.ReduceID))
		if err := os.WriteFile(path, res.Data, 0644); err != nil {
			logger.Error("writing fetched segment failed", "path", path, "err", err.Error())
			return
		}
	}
	fmt.Printf("FETCHED|%s|%s|%s|%d\n", res.JobID, res.MapID, res.ReduceID, len(res.Data))
}
