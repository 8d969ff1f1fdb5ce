package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/philsphicas/sshx/internal/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

// envPrefix prefixes every environment variable that can stand in for a
// flag: --min-port is read from SSHX_MIN_PORT.
const envPrefix = "SSHX"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "sshx",
		Short:        "Reverse TCP tunnel",
		Long:         "Expose a local TCP or HTTP service through a relay with a public address.",
		SilenceUsage: true,
	}

	// Global flags.
	rootCmd.PersistentFlags().String("config", "", "YAML config file; keys match flag names")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "address for Prometheus metrics server (e.g. :9090); disabled if empty")
	rootCmd.PersistentFlags().Int("metrics-max-ports", 500, "max unique port labels in metrics (0 = unlimited)")

	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// loadConfig layers the command's flags over SSHX_* environment variables
// and an optional config file. Flags set on the command line win, then the
// environment, then the file, then flag defaults.
func loadConfig(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	if file := v.GetString("config"); file != "" {
		v.SetConfigType("yaml")
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return v, nil
}

// resolveMetrics creates a Metrics instance and starts the HTTP server if
// metrics-addr is set. Returns nil if metrics are disabled. The provided
// context controls the server's lifetime.
func resolveMetrics(ctx context.Context, v *viper.Viper, logger *slog.Logger) (*metrics.Metrics, error) {
	addr := v.GetString("metrics-addr")
	if addr == "" {
		return nil, nil
	}
	maxPorts := v.GetInt("metrics-max-ports")
	if maxPorts < 0 {
		return nil, fmt.Errorf("--metrics-max-ports must be >= 0, got %d", maxPorts)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	m := metrics.New()
	m.MaxPorts = maxPorts
	go func() {
		if err := m.Serve(ctx, ln, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}

// portValue reads key as a TCP port.
func portValue(v *viper.Viper, key string) (uint16, error) {
	n := v.GetInt(key)
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("--%s must be in 1-65535, got %d", key, n)
	}
	return uint16(n), nil
}

// exitStatus maps a clean shutdown to a nil error.
func exitStatus(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
