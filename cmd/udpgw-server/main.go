// Package main provides the CLI entry point for the udpgw server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/badvpn/udpgw-server/internal/config"
	"github.com/badvpn/udpgw-server/internal/logging"
	"github.com/badvpn/udpgw-server/internal/metrics"
	"github.com/badvpn/udpgw-server/internal/server"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "udpgw-server",
		Short:   "udpgw-server - UDP-over-TCP gateway for tun2socks/BadVPN clients",
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the udpgw-server version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(Version)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string
	var listenAddr string
	var maxClients int
	var maxConnectionsForClient int
	var logLevel string
	var logFormat string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the udpgw server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			// CLI flags overlay the file/defaults, flag by flag, only when set.
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("max-clients") {
				cfg.MaxClients = maxClients
			}
			if cmd.Flags().Changed("max-connections-for-client") {
				cfg.MaxConnectionsForClient = maxConnectionsForClient
			}
			if cmd.Flags().Changed("loglevel") {
				cfg.LogLevel = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.LogFormat = logFormat
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
			m := metrics.Default()

			if cfg.MetricsAddr != "" {
				go serveMetrics(cfg.MetricsAddr, logger)
			}

			srv := server.New(cfg, logger, m)

			ctx, cancel := context.WithCancel(context.Background())
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				logger.Info("received signal, shutting down", "signal", sig.String())
				cancel()
			}()

			logger.Info("starting udpgw server",
				logging.KeyListenAddr, cfg.ListenAddr,
				"max_clients", cfg.MaxClients,
				"max_connections_for_client", cfg.MaxConnectionsForClient,
			)

			if err := srv.ListenAndServe(ctx); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			logger.Info("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Override listen_addr")
	cmd.Flags().IntVar(&maxClients, "max-clients", 0, "Override max_clients")
	cmd.Flags().IntVar(&maxConnectionsForClient, "max-connections-for-client", 0, "Override max_connections_for_client")
	cmd.Flags().StringVar(&logLevel, "loglevel", "", "Override loglevel")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "Override log_format")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Override metrics_addr (empty disables the /metrics endpoint)")

	return cmd
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("serving metrics", logging.KeyListenAddr, addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server exited", logging.KeyError, err)
	}
}
