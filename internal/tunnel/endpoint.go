package tunnel

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// DefaultControlPort is the relay's well-known control port.
const DefaultControlPort = 7835

// Endpoint is a parsed relay address.
type Endpoint struct {
	// Scheme is "tcp", "ws" or "wss".
	Scheme string
	// Host is host:port for tcp endpoints.
	Host string
	// URL is the full WebSocket URL for ws and wss endpoints.
	URL string
}

func (e Endpoint) String() string {
	if e.Scheme == "tcp" {
		return e.Host
	}
	return e.URL
}

// ParseEndpoint normalizes a relay address.
//
// Accepted input formats:
//   - Bare host: "relay.example.com" → "relay.example.com:7835"
//   - Host and port: "relay.example.com:9000"
//   - Explicit tcp: "tcp://relay.example.com:9000"
//   - WebSocket URL: "ws://host:8080/tunnel", "wss://host/tunnel"
func ParseEndpoint(input string) (Endpoint, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Endpoint{}, fmt.Errorf("empty server address")
	}

	if strings.Contains(input, "://") {
		u, err := url.Parse(input)
		if err != nil {
			return Endpoint{}, fmt.Errorf("parse server address: %w", err)
		}
		if u.Hostname() == "" {
			return Endpoint{}, fmt.Errorf("server address %q has no host", input)
		}
		switch u.Scheme {
		case "ws", "wss":
			return Endpoint{Scheme: u.Scheme, URL: u.String()}, nil
		case "tcp":
			return hostEndpoint(u.Host)
		default:
			return Endpoint{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
		}
	}
	return hostEndpoint(input)
}

func hostEndpoint(hostport string) (Endpoint, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		// No port: treat the whole input as a host, bracketed IPv6 included.
		host = strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
		port = strconv.Itoa(DefaultControlPort)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("server address %q has no host", hostport)
	}
	if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
		return Endpoint{}, fmt.Errorf("invalid port %q", port)
	}
	return Endpoint{Scheme: "tcp", Host: net.JoinHostPort(host, port)}, nil
}
