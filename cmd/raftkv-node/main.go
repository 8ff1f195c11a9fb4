// Command raftkv-node runs a single node of a raftkv cluster: the consensus
// engine, the reference memkv state machine, HTTP peer transport, the
// client-facing service, and a Prometheus metrics endpoint.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/go-kit/log/level"

	"github.com/divtxt/raftkv/config"
	"github.com/divtxt/raftkv/metrics"
	"github.com/divtxt/raftkv/raft"
	"github.com/divtxt/raftkv/raftlog"
	"github.com/divtxt/raftkv/service"
	"github.com/divtxt/raftkv/snapshotstore"
	"github.com/divtxt/raftkv/statemachine/memkv"
	"github.com/divtxt/raftkv/transport"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "raftkv-node",
	Short: "Run a raftkv consensus node",
}

var configPath string

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the node's YAML config file (required)")
	_ = serveCmd.MarkFlagRequired("config")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the node and serve peer RPCs, the client-facing service, and metrics",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	f, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := f.NewLogger()
	reg := prometheus.NewRegistry()
	nodeMetrics := metrics.New(reg)

	logStore, err := raftlog.Open(f.DataDir, raftlog.DefaultConfig(), logger, reg)
	if err != nil {
		return fmt.Errorf("opening log store: %w", err)
	}
	defer logStore.Close()

	snaps, err := snapshotstore.Open(f.SnapshotDir, logger)
	if err != nil {
		return fmt.Errorf("opening snapshot store: %w", err)
	}

	cfg, err := f.BuildConfiguration()
	if err != nil {
		return fmt.Errorf("building configuration: %w", err)
	}

	sm := memkv.New()
	if meta, err := snaps.Reload(); err == nil && meta.LastIncludedIndex > 0 {
		// ReadSnapshot wants the snapshot directory itself, not its data/
		// subtree.
		if err := sm.ReadSnapshot(filepath.Dir(snaps.DataDir())); err != nil {
			return fmt.Errorf("restoring state machine from snapshot: %w", err)
		}
	}

	client := transport.NewClient(f.BuildSettings().KeepAlivePeriod * 10)
	node, err := raft.New(f.ThisServerId(), cfg, logStore, snaps, sm, client, f.BuildSettings(), logger, nodeMetrics)
	if err != nil {
		return fmt.Errorf("constructing node: %w", err)
	}
	node.Start()
	defer node.Stop()

	router := mux.NewRouter()
	peerServer := transport.NewServer(node, logger)
	router.PathPrefix("/raft").Handler(peerServer.Router())
	svc := service.New(node)
	svcServer := service.NewServer(svc)
	router.PathPrefix("/service").Handler(svcServer.Router())
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpServer := &http.Server{Addr: f.ListenAddr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	level.Info(logger).Log("msg", "node serving", "id", f.NodeId, "addr", f.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		level.Info(logger).Log("msg", "shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	}
	return httpServer.Close()
}
