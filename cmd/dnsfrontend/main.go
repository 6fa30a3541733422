// Command dnsfrontend runs the DNS front end standalone: it dials the
// main and resolver Unix sockets named in its config file instead of
// inheriting them at fork time from a privileged parent (spec.md §4.10,
// §6), and serves Prometheus metrics over HTTP when configured to.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/semihalev/zlog/v2"
	"github.com/spf13/cobra"

	"github.com/semihalev/dnsfrontend/blocklist"
	"github.com/semihalev/dnsfrontend/config"
	"github.com/semihalev/dnsfrontend/frontend"
	"github.com/semihalev/dnsfrontend/ipc"
	"github.com/semihalev/dnsfrontend/metrics"
)

const version = "1.0.0"

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:   "dnsfrontend",
		Short: "unwind-style DNS front end",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "dnsfrontend.toml", "location of the config file, generated if missing")

	root.AddCommand(serveCmd(), versionCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dnsfrontend v%s\n", version)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the front end until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("dnsfrontend: config: %w", err)
	}

	zlog.Info("dnsfrontend: starting", zlog.String("version", version), zlog.String("loglevel", cfg.LogLevel))

	resolverConn, err := dial(cfg.ResolverSocket)
	if err != nil {
		return fmt.Errorf("dnsfrontend: dial resolver socket: %w", err)
	}
	mainConn, err := dial(cfg.MainSocket)
	if err != nil {
		return fmt.Errorf("dnsfrontend: dial main socket: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	e, err := frontend.New(frontend.Config{
		TCPIdleTimeout:     time.Duration(cfg.TCPIdleTimeoutSecs) * time.Second,
		MaxInFlightFDs:     cfg.MaxInFlightFDs,
		BlocklistLog:       cfg.BlocklistLog,
		AllowedCIDRs:       cfg.AccessList,
		RateLimitPerMinute: cfg.ClientRateLimit,
	}, ipc.New(resolverConn), ipc.New(mainConn), m)
	if err != nil {
		return fmt.Errorf("dnsfrontend: build engine: %w", err)
	}

	var blw *blocklist.Watcher
	if cfg.BlocklistFile != "" {
		blw, err = blocklist.WatchFile(cfg.BlocklistFile, e.Blocklist())
		if err != nil {
			return fmt.Errorf("dnsfrontend: watch blocklist file: %w", err)
		}
		defer blw.Stop()
	}

	var metricsSrv *http.Server
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsListen, Handler: mux}

		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				zlog.Warn("dnsfrontend: metrics server failed", zlog.String("error", err.Error()))
			}
		}()
		zlog.Info("dnsfrontend: metrics listening", zlog.String("addr", cfg.MetricsListen))
	}

	signal.Ignore(syscall.SIGHUP, syscall.SIGPIPE)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(runCtx) }()

	<-runCtx.Done()
	zlog.Info("dnsfrontend: stopping")
	e.Shutdown()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	return <-runErr
}

func dial(path string) (*net.UnixConn, error) {
	addr := &net.UnixAddr{Name: path, Net: "unix"}
	return net.DialUnix("unix", nil, addr)
}
