package client

import (
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/philsphicas/sshx/internal/protocol"
	"github.com/philsphicas/sshx/internal/tunnel"
)

// State is a step of the client control loop.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateRegistered
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Status describes the client at a state change.
type Status struct {
	State State
	// Port is the public port of the current session, or of the last one
	// while disconnected. Zero before the first registration.
	Port uint16
	// PrevPort is the port of the previous session when a reconnect was
	// assigned a new one.
	PrevPort uint16
	// Attempt counts connection attempts, starting at 1.
	Attempt int
	// Delay is the wait before the next attempt while reconnecting.
	Delay time.Duration
	Err   error
}

// PortChanged reports whether a reconnect moved the tunnel to a new port.
func (s Status) PortChanged() bool {
	return s.PrevPort != 0 && s.PrevPort != s.Port
}

// PublicHost returns the host visitors use to reach the relay.
func PublicHost(ep tunnel.Endpoint) string {
	if ep.Scheme == "tcp" {
		host, _, err := net.SplitHostPort(ep.Host)
		if err != nil {
			return ep.Host
		}
		return host
	}
	u, err := url.Parse(ep.URL)
	if err != nil {
		return ep.URL
	}
	return u.Hostname()
}

// PublicAddress returns the address visitors connect to, as a URL for
// HTTP tunnels and host:port otherwise.
func PublicAddress(ep tunnel.Endpoint, proto protocol.Protocol, port uint16) string {
	hostport := net.JoinHostPort(PublicHost(ep), strconv.Itoa(int(port)))
	if proto == protocol.ProtocolHTTP {
		return "http://" + hostport
	}
	return hostport
}
