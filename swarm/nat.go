package swarm

import (
	"fmt"
	"net"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"

	"github.com/huin/goupnp/dcps/internetgateway2"
)

// natMapper requests an external port mapping so the node is dialable
// from outside a NAT once it announces a listen multiaddr. When a gateway
// address is known NAT-PMP is tried first (it's a single round trip to the
// gateway); UPnP/IGD is the fallback for routers that don't speak NAT-PMP,
// and the only method used when no gateway address is given. Both are
// best-effort: failure here never blocks node startup; discovery
// conveniences degrade gracefully.
type natMapper interface {
	// Map requests an external TCP mapping for internalPort, returning the
	// external port chosen by the gateway.
	Map(internalPort int, lifetime time.Duration, description string) (externalPort int, err error)
}

type natPMPMapper struct {
	client *natpmp.Client
}

// discoverNATPMP probes the default gateway for NAT-PMP support.
func discoverNATPMP(gateway net.IP) natMapper {
	return &natPMPMapper{client: natpmp.NewClient(gateway)}
}

func (m *natPMPMapper) Map(internalPort int, lifetime time.Duration, _ string) (int, error) {
	resp, err := m.client.AddPortMapping("tcp", internalPort, internalPort, int(lifetime.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("nat-pmp: %w", err)
	}
	return int(resp.MappedExternalPort), nil
}

type upnpMapper struct {
	client *internetgateway2.WANIPConnection1
}

// discoverUPnP searches the LAN for an Internet Gateway Device speaking
// WANIPConnection1, the common case for consumer routers.
func discoverUPnP() (natMapper, error) {
	clients, _, err := internetgateway2.NewWANIPConnection1Clients()
	if err != nil {
		return nil, fmt.Errorf("upnp: discovery failed: %w", err)
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("upnp: no WANIPConnection1 gateway found")
	}
	return &upnpMapper{client: clients[0]}, nil
}

func (m *upnpMapper) Map(internalPort int, lifetime time.Duration, description string) (int, error) {
	err := m.client.AddPortMapping("", uint16(internalPort), "TCP", uint16(internalPort), localIP(), true, description, uint32(lifetime.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("upnp: %w", err)
	}
	return internalPort, nil
}

func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "0.0.0.0"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// maybeMapExternal requests a NAT mapping for a listener bound to a
// private address; loopback and public binds need none. It passes no
// gateway address, so only UPnP is attempted.
func maybeMapExternal(host string, port uint16) {
	ip := net.ParseIP(host)
	if ip == nil || ip.IsLoopback() || ip.IsUnspecified() || !ip.IsPrivate() {
		return
	}
	go mapExternalPort(nil, int(port))
}

// mapExternalPort tries NAT-PMP then UPnP, logging (not failing) on total
// failure.
func mapExternalPort(gateway net.IP, port int) {
	lifetime := 2 * time.Hour
	if gateway != nil {
		if ext, err := discoverNATPMP(gateway).Map(port, lifetime, "dragoonfly"); err == nil {
			log.Infof("nat-pmp: mapped external port %d", ext)
			return
		}
	}
	mapper, err := discoverUPnP()
	if err != nil {
		log.Warnf("nat traversal unavailable: %v", err)
		return
	}
	if _, err := mapper.Map(port, lifetime, "dragoonfly"); err != nil {
		log.Warnf("upnp port mapping failed: %v", err)
		return
	}
	log.Infof("upnp: mapped external port %d", port)
}
