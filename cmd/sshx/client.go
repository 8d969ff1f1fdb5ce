package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/common-nighthawk/go-figure"
	"github.com/philsphicas/sshx/internal/client"
	"github.com/philsphicas/sshx/internal/protocol"
	"github.com/philsphicas/sshx/internal/relay"
	"github.com/philsphicas/sshx/internal/tunnel"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func clientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Expose a local service through a relay",
		Long: `Register a local service with the relay and forward every connection
to the assigned public port to it. The relay may assign a different port
after a reconnect; the new address is printed when that happens.

Example:
  sshx client --server relay.example.com -s myapp -p 22 --tcp`,
		Args: cobra.NoArgs,
		RunE: runClient,
	}

	cmd.Flags().StringP("subdomain-label", "s", "", "label shown for the tunnel (letters, digits, hyphens)")
	cmd.Flags().IntP("local-port", "p", 0, "local port to expose")
	cmd.Flags().String("local-host", client.DefaultLocalHost, "local host to expose")
	cmd.Flags().Bool("tcp", false, "raw TCP tunnel instead of HTTP")
	cmd.Flags().String("server", "", "relay address: host[:port], tcp://, ws:// or wss:// URL")
	cmd.Flags().String("secret", "", "shared secret configured on the relay")
	cmd.Flags().Bool("reconnect", true, "reconnect with backoff when the relay connection drops")
	cmd.Flags().Int("max-retries", 0, "consecutive failed attempts before giving up (0 = unlimited)")
	cmd.Flags().Duration("backoff-max", client.DefaultBackoffMax, "longest wait between reconnect attempts")
	cmd.Flags().Duration("dial-timeout", tunnel.DefaultDialTimeout, "timeout for dialing the relay and the local service")
	cmd.Flags().Duration("tcp-keepalive", 30*time.Second, "TCP keepalive interval")
	cmd.Flags().Bool("quiet", false, "no banner or spinner; logs only")

	return cmd
}

// clientConfig builds and validates the client configuration.
func clientConfig(v *viper.Viper) (client.Config, error) {
	server := v.GetString("server")
	if server == "" {
		return client.Config{}, errors.New("relay address is required: use --server or set SSHX_SERVER")
	}
	ep, err := tunnel.ParseEndpoint(server)
	if err != nil {
		return client.Config{}, err
	}
	label := v.GetString("subdomain-label")
	if label == "" {
		return client.Config{}, errors.New("-s/--subdomain-label is required")
	}
	if err := relay.ValidateLabel(label); err != nil {
		return client.Config{}, err
	}
	localPort, err := portValue(v, "local-port")
	if err != nil {
		return client.Config{}, err
	}
	maxRetries := v.GetInt("max-retries")
	if maxRetries < 0 {
		return client.Config{}, fmt.Errorf("--max-retries must be >= 0, got %d", maxRetries)
	}
	proto := protocol.ProtocolHTTP
	if v.GetBool("tcp") {
		proto = protocol.ProtocolTCP
	}

	return client.Config{
		Server:       ep,
		Secret:       v.GetString("secret"),
		Label:        label,
		Protocol:     proto,
		LocalHost:    v.GetString("local-host"),
		LocalPort:    localPort,
		Reconnect:    v.GetBool("reconnect"),
		MaxRetries:   maxRetries,
		BackoffMax:   v.GetDuration("backoff-max"),
		DialTimeout:  v.GetDuration("dial-timeout"),
		TCPKeepAlive: v.GetDuration("tcp-keepalive"),
	}, nil
}

func runClient(cmd *cobra.Command, args []string) error {
	v, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg, err := clientConfig(v)
	if err != nil {
		return err
	}
	logger := newLogger(v.GetString("log-level"))
	cfg.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics, err = resolveMetrics(ctx, v, logger); err != nil {
		return err
	}

	if !v.GetBool("quiet") {
		fmt.Fprintln(os.Stderr, figure.NewFigure("sshx", "", true).String())
		sp := newStatusPrinter(os.Stderr, cfg)
		defer sp.stop()
		cfg.OnStatus = sp.update
	}

	return exitStatus(client.Run(ctx, cfg))
}

// statusPrinter turns client status changes into operator output: a
// spinner while (re)connecting and a connection summary once active.
type statusPrinter struct {
	w    io.Writer
	spin *spinner.Spinner
	cfg  client.Config
}

func newStatusPrinter(w io.Writer, cfg client.Config) *statusPrinter {
	return &statusPrinter{
		w:    w,
		spin: spinner.New(spinner.CharSets[39], 100*time.Millisecond, spinner.WithWriter(w)),
		cfg:  cfg,
	}
}

func (p *statusPrinter) update(s client.Status) {
	switch s.State {
	case client.StateConnecting, client.StateAuthenticating:
		p.spinning(fmt.Sprintf(" %s to %s", s.State, p.cfg.Server))
	case client.StateDisconnected:
		if s.Delay > 0 {
			p.spinning(fmt.Sprintf(" reconnecting in %s (attempt %d): %v", s.Delay, s.Attempt, s.Err))
			return
		}
		p.stop()
		if s.Err != nil {
			fmt.Fprintf(p.w, "disconnected: %v\n", s.Err)
		}
	case client.StateActive:
		p.stop()
		if s.PortChanged() {
			fmt.Fprintf(p.w, "public port changed: %d -> %d\n", s.PrevPort, s.Port)
		}
		p.printSummary(s.Port)
	}
}

func (p *statusPrinter) spinning(suffix string) {
	p.spin.Lock()
	p.spin.Suffix = suffix
	p.spin.Unlock()
	p.spin.Start()
}

func (p *statusPrinter) stop() {
	p.spin.Stop()
}

func (p *statusPrinter) printSummary(port uint16) {
	host := client.PublicHost(p.cfg.Server)
	fmt.Fprintf(p.w, "tunnel active\n")
	fmt.Fprintf(p.w, "  public:   %s\n", client.PublicAddress(p.cfg.Server, p.cfg.Protocol, port))
	fmt.Fprintf(p.w, "  label:    %s.%s\n", p.cfg.Label, host)
	fmt.Fprintf(p.w, "  local:    %s\n", p.cfg.LocalAddr())
	fmt.Fprintf(p.w, "  protocol: %s\n", p.cfg.Protocol)
}
