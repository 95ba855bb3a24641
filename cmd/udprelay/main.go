// Package main provides the CLI entry point for the udprelay daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/postalsys/udprelay/internal/config"
	"github.com/postalsys/udprelay/internal/daemon"
	"github.com/postalsys/udprelay/internal/logging"
	"github.com/postalsys/udprelay/internal/metrics"
	"github.com/postalsys/udprelay/internal/recovery"
	"github.com/postalsys/udprelay/internal/relay"
)

var (
	// Version is set at build time.
	Version = "dev"
)

// bindFailure marks an error that arose from failing to bind the relay
// socket, so main can translate it into exit code 49 (spec §6).
type bindFailure struct{ err error }

func (b *bindFailure) Error() string { return b.err.Error() }
func (b *bindFailure) Unwrap() error { return b.err }

func main() {
	os.Exit(runMain())
}

func runMain() int {
	cfg := config.Default()
	var bindIPFlag string

	// The four timeout flags take a bare integer number of seconds (spec
	// §6's "<s>"), matching the original relay's u64-seconds clap args —
	// not a Go duration string like "10s".
	socketWaitSeconds := int(cfg.SocketWaitTimeout / time.Second)
	noConnectionsSeconds := int(cfg.NoConnectionsTimeout / time.Second)
	pairingSeconds := int(cfg.PairingTimeout / time.Second)
	inactivitySeconds := int(cfg.ConnectionInactivityTimeout / time.Second)

	rootCmd := &cobra.Command{
		Use:           "udprelay <port>",
		Short:         "NAT-traversal UDP relay",
		Long:          "udprelay pairs two UDP peers by a shared session secret and relays datagrams between them until the session or the daemon goes idle.",
		Version:       Version,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid port %q: %w", args[0], err)
			}
			cfg.Port = port

			bindIP, err := config.ParseBindIP(bindIPFlag)
			if err != nil {
				return err
			}
			cfg.BindIP = bindIP

			cfg.SocketWaitTimeout = time.Duration(socketWaitSeconds) * time.Second
			cfg.NoConnectionsTimeout = time.Duration(noConnectionsSeconds) * time.Second
			cfg.PairingTimeout = time.Duration(pairingSeconds) * time.Second
			cfg.ConnectionInactivityTimeout = time.Duration(inactivitySeconds) * time.Second

			if err := cfg.Validate(); err != nil {
				return err
			}

			return runRelay(cmd.Context(), cfg)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&bindIPFlag, "bind-ip", "0.0.0.0", "bind address")
	flags.BoolVar(&cfg.Verbose, "verbose", false, "enable diagnostic logging")
	flags.BoolVarP(&cfg.Daemonize, "daemonize", "d", false, "detach from the controlling terminal")
	flags.IntVar(&socketWaitSeconds, "timeout-socket-wait", socketWaitSeconds, "bounded receive timeout, in seconds")
	flags.IntVar(&noConnectionsSeconds, "timeout-no-connections", noConnectionsSeconds, "idle-daemon exit timeout, in seconds")
	flags.IntVar(&pairingSeconds, "timeout-pairing", pairingSeconds, "half-open pairing maximum age, in seconds")
	flags.IntVar(&inactivitySeconds, "timeout-connection-inactivities", inactivitySeconds, "established pair inactivity limit, in seconds")
	flags.StringVar(&cfg.PIDFile, "pid-file", daemon.DefaultPIDFile(), "PID file path used with --daemonize")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address (disabled when empty)")

	var preSharedKey string
	flags.StringVar(&preSharedKey, "preshared-key", config.DefaultPSK, "authentication PSK")

	origRunE := rootCmd.RunE
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg.PreSharedKey = []byte(preSharedKey)
		return origRunE(cmd, args)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	rootCmd.SetContext(ctx)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var bf *bindFailure
		if errors.As(err, &bf) {
			return 49
		}
		return 1
	}
	return 0
}

// runRelay binds the socket, optionally daemonizes, and drives the
// dispatcher until it exits cleanly or hits a fatal error.
func runRelay(ctx context.Context, cfg config.Config) error {
	if cfg.Daemonize && !daemon.IsChild() && cfg.PIDFile != "" {
		if pid, running := daemon.AlreadyRunning(cfg.PIDFile); running {
			return fmt.Errorf("udprelay already running with pid %d (pid file %s)", pid, cfg.PIDFile)
		}
	}

	conn, err := relay.Bind(cfg.BindIP, cfg.Port)
	if err != nil {
		return &bindFailure{err: err}
	}

	if cfg.Daemonize && !daemon.IsChild() {
		conn.Close()
		pid, derr := daemon.Daemonize(cfg.PIDFile)
		if derr != nil {
			return derr
		}
		fmt.Printf("daemonized, pid %d, pid file %s\n", pid, cfg.PIDFile)
		return nil
	}

	if cfg.Daemonize && daemon.IsChild() {
		daemon.ClearUmask()
	}

	logLevel := cfg.LogLevel
	if cfg.Verbose {
		logLevel = "debug"
	}
	logger := logging.NewLogger(logLevel, cfg.LogFormat)
	if cfg.Verbose {
		logger.Info("udprelay starting",
			logging.KeyComponent, "main",
			"port", cfg.Port,
			logging.KeyAddress, cfg.BindIP.String(),
			"max_datagram_size", humanize.Bytes(relay.MaxDatagramSize),
			"pairing_timeout", cfg.PairingTimeout,
			"inactivity_timeout", cfg.ConnectionInactivityTimeout,
			"no_connections_timeout", cfg.NoConnectionsTimeout)
	}

	m := metrics.Default()
	stopMetricsServer := maybeServeMetrics(cfg.MetricsAddr, logger)
	if stopMetricsServer != nil {
		defer stopMetricsServer()
	}

	if cfg.Daemonize && cfg.PIDFile != "" {
		if err := daemon.WritePIDFile(cfg.PIDFile, os.Getpid()); err != nil {
			logger.Warn("failed to write pid file", logging.KeyError, err)
		} else {
			logger.Info("wrote pid file", logging.KeyPID, os.Getpid(), "path", cfg.PIDFile)
		}
		defer daemon.RemovePIDFile(cfg.PIDFile)
	}

	d := relay.New(conn, cfg, logger, m)
	defer conn.Close()

	err = d.Run(ctx)
	if err == nil {
		logger.Info("udprelay exiting cleanly")
	}
	return err
}

// maybeServeMetrics starts a Prometheus exposition server when addr is
// non-empty, returning a function to stop it. It never blocks startup on
// a metrics-server failure; a bind error there is logged, not fatal.
func maybeServeMetrics(addr string, logger *slog.Logger) func() {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		defer recovery.RecoverWithLog(logger, "metricsServer")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", logging.KeyError, err)
		}
	}()
	return func() { _ = srv.Close() }
}
