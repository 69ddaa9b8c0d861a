package identity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Multiaddr is a structured composition of addressing, transport, port, and
// optionally a peer identity: "/ip4/<host>/tcp/<port>[/p2p/<id>]".
type Multiaddr struct {
	Host string
	Port uint16
	IPv6 bool
	Peer ID // empty if the address carries no peer component
}

// String renders the canonical textual form.
func (m Multiaddr) String() string {
	proto := "ip4"
	if m.IPv6 {
		proto = "ip6"
	}
	s := fmt.Sprintf("/%s/%s/tcp/%d", proto, m.Host, m.Port)
	if m.Peer != "" {
		s += "/p2p/" + string(m.Peer)
	}
	return s
}

// HostPort returns the dialable "host:port" pair.
func (m Multiaddr) HostPort() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// ParseMultiaddr parses the textual form produced by String. It accepts a
// percent-decoded path parameter; callers are required to
// percent-encode any multiaddr used as an HTTP path segment (it contains
// literal "/" characters).
func ParseMultiaddr(s string) (Multiaddr, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	var m Multiaddr
	i := 0
	for i < len(parts) {
		switch parts[i] {
		case "ip4", "ip6":
			if i+1 >= len(parts) {
				return Multiaddr{}, errors.New("multiaddr: missing host after ip component")
			}
			m.IPv6 = parts[i] == "ip6"
			m.Host = parts[i+1]
			i += 2
		case "tcp":
			if i+1 >= len(parts) {
				return Multiaddr{}, errors.New("multiaddr: missing port after tcp component")
			}
			port, err := strconv.ParseUint(parts[i+1], 10, 16)
			if err != nil {
				return Multiaddr{}, fmt.Errorf("multiaddr: bad port %q: %w", parts[i+1], err)
			}
			m.Port = uint16(port)
			i += 2
		case "p2p":
			if i+1 >= len(parts) {
				return Multiaddr{}, errors.New("multiaddr: missing id after p2p component")
			}
			id, err := ParseID(parts[i+1])
			if err != nil {
				return Multiaddr{}, err
			}
			m.Peer = id
			i += 2
		default:
			return Multiaddr{}, fmt.Errorf("multiaddr: unknown component %q", parts[i])
		}
	}
	if m.Host == "" || m.Port == 0 {
		return Multiaddr{}, fmt.Errorf("multiaddr: %q missing host or port", s)
	}
	return m, nil
}
