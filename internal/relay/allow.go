package relay

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// allowList restricts which source addresses may open control and data
// connections. A nil allowList allows everything.
type allowList []netip.Prefix

// parseAllowList parses entries of the form:
//
//   - "*"            allow everything
//   - "10.0.0.0/8"   a CIDR
//   - "192.0.2.7"    a single address
//
// An empty list or a "*" entry yields a nil allowList.
func parseAllowList(entries []string) (allowList, error) {
	var list allowList
	for _, e := range entries {
		e = strings.TrimSpace(e)
		switch {
		case e == "":
			continue
		case e == "*":
			return nil, nil
		case strings.Contains(e, "/"):
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("allow entry %q: %w", e, err)
			}
			list = append(list, p.Masked())
		default:
			a, err := netip.ParseAddr(e)
			if err != nil {
				return nil, fmt.Errorf("allow entry %q: %w", e, err)
			}
			list = append(list, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return list, nil
}

// allows reports whether remote, a host:port string, may connect.
// Unparseable addresses are refused when the list is non-empty.
func (l allowList) allows(remote string) bool {
	if len(l) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range l {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
