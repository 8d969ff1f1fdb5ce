package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/philsphicas/sshx/internal/relay"
	"github.com/philsphicas/sshx/internal/tunnel"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func relayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the public relay",
		Long: `Run the relay that clients register with. Each registered client is
assigned a public port from the configured range; connections to that port
are forwarded through the client to its local service.

Every flag can also be set through an SSHX_ environment variable, e.g.
SSHX_MIN_PORT=30000 or SSHX_SECRET=hunter2.`,
		Args: cobra.NoArgs,
		RunE: runRelay,
	}

	cmd.Flags().String("bind", "0.0.0.0", "address the control and tunnel ports bind to")
	cmd.Flags().Int("control-port", tunnel.DefaultControlPort, "control port clients connect to")
	cmd.Flags().Int("min-port", relay.DefaultMinPort, "lowest tunnel port (inclusive)")
	cmd.Flags().Int("max-port", relay.DefaultMaxPort, "highest tunnel port (inclusive)")
	cmd.Flags().String("secret", "", "shared secret clients must prove; empty accepts any client")
	cmd.Flags().Duration("pairing-timeout", relay.DefaultPairingTimeout, "how long a visitor waits for its data connection")
	cmd.Flags().Duration("handshake-timeout", relay.DefaultHandshakeTimeout, "deadline for a new connection to complete its handshake")
	cmd.Flags().Duration("keepalive-interval", tunnel.DefaultKeepaliveInterval, "interval between control pings")
	cmd.Flags().Duration("keepalive-timeout", tunnel.DefaultKeepaliveTimeout, "drop a session silent for this long")
	cmd.Flags().Duration("tcp-keepalive", 30*time.Second, "TCP keepalive interval")
	cmd.Flags().String("ws-bind", "", "address for WebSocket ingress (e.g. :8080); disabled if empty")
	cmd.Flags().Float64("accept-rate", 0, "max new connections per second on the control port (0 = unlimited)")
	cmd.Flags().Int("accept-burst", 10, "burst allowance for --accept-rate")
	cmd.Flags().Int("max-sessions", 0, "max concurrent sessions (0 = unlimited)")
	cmd.Flags().StringSlice("allow", nil, "source addresses allowed to connect (IP or CIDR; default all)")

	return cmd
}

// relayConfig builds and validates the relay configuration.
func relayConfig(v *viper.Viper) (relay.Config, error) {
	controlPort, err := portValue(v, "control-port")
	if err != nil {
		return relay.Config{}, err
	}
	minPort, err := portValue(v, "min-port")
	if err != nil {
		return relay.Config{}, err
	}
	maxPort, err := portValue(v, "max-port")
	if err != nil {
		return relay.Config{}, err
	}
	if minPort > maxPort {
		return relay.Config{}, fmt.Errorf("--min-port (%d) must not exceed --max-port (%d)", minPort, maxPort)
	}
	if v.GetInt("max-sessions") < 0 {
		return relay.Config{}, fmt.Errorf("--max-sessions must be >= 0, got %d", v.GetInt("max-sessions"))
	}
	if v.GetFloat64("accept-rate") < 0 {
		return relay.Config{}, fmt.Errorf("--accept-rate must be >= 0, got %v", v.GetFloat64("accept-rate"))
	}

	return relay.Config{
		Bind:              v.GetString("bind"),
		ControlPort:       controlPort,
		MinPort:           minPort,
		MaxPort:           maxPort,
		Secret:            v.GetString("secret"),
		PairingTimeout:    v.GetDuration("pairing-timeout"),
		HandshakeTimeout:  v.GetDuration("handshake-timeout"),
		KeepaliveInterval: v.GetDuration("keepalive-interval"),
		KeepaliveTimeout:  v.GetDuration("keepalive-timeout"),
		TCPKeepAlive:      v.GetDuration("tcp-keepalive"),
		WSBind:            v.GetString("ws-bind"),
		AcceptRate:        v.GetFloat64("accept-rate"),
		AcceptBurst:       v.GetInt("accept-burst"),
		MaxSessions:       v.GetInt("max-sessions"),
		Allow:             splitList(v.GetStringSlice("allow")),
	}, nil
}

func runRelay(cmd *cobra.Command, args []string) error {
	v, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg, err := relayConfig(v)
	if err != nil {
		return err
	}
	logger := newLogger(v.GetString("log-level"))
	cfg.Logger = logger
	if cfg.Secret == "" {
		logger.Warn("no secret configured, any client can register")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics, err = resolveMetrics(ctx, v, logger); err != nil {
		return err
	}

	srv, err := relay.New(cfg)
	if err != nil {
		return err
	}
	cfg.Metrics.Handle("GET /sessions", srv.SessionsHandler())
	return exitStatus(srv.ListenAndServe(ctx))
}

// splitList flattens comma-separated entries, so SSHX_ALLOW accepts the
// same "a,b" form as the flag.
func splitList(entries []string) []string {
	var out []string
	for _, e := range entries {
		for _, part := range strings.Split(e, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
