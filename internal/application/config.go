package application

import (
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/miekg/dns"

	"socks-reactor/internal/domain"
	"socks-reactor/internal/protocol"
)

const (
	DefaultPort       = 1080
	DefaultResolvConf = "/etc/resolv.conf"
	DefaultDNSTimeout = 30 * time.Second
)

var fallbackResolver = netip.MustParseAddrPort("127.0.0.1:53")

type Config struct {
	// Port is the TCP listen port; the resolver's UDP socket binds the same
	// number. Zero picks an ephemeral port.
	Port int

	// DNSServer overrides the system resolver, as host or host:port.
	DNSServer  string
	ResolvConf string

	// DNSTimeout is how long a session may wait for a DNS answer before the
	// sweep closes it.
	DNSTimeout time.Duration

	BufferSize int
}

func (c Config) withDefaults() Config {
	if c.ResolvConf == "" {
		c.ResolvConf = DefaultResolvConf
	}
	if c.DNSTimeout <= 0 {
		c.DNSTimeout = DefaultDNSTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = domain.DefaultBufferSize
	}
	// The handshake buffer must hold the longest request.
	if c.BufferSize < protocol.MaxRequestLen {
		c.BufferSize = protocol.MaxRequestLen
	}
	return c
}

// resolverAddr picks the resolver the proxy talks to: the explicit
// DNSServer, else the first IPv4 nameserver in ResolvConf, else localhost.
func (c Config) resolverAddr() (netip.AddrPort, error) {
	if c.DNSServer != "" {
		return parseServer(c.DNSServer, "53")
	}

	cc, err := dns.ClientConfigFromFile(c.ResolvConf)
	if err != nil {
		return fallbackResolver, nil
	}
	for _, s := range cc.Servers {
		ap, err := parseServer(s, cc.Port)
		if err == nil && ap.Addr().Is4() {
			return ap, nil
		}
	}
	return fallbackResolver, nil
}

func parseServer(s, defaultPort string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("dns server %q: %w", s, err)
	}
	port, err := strconv.ParseUint(defaultPort, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("dns port %q: %w", defaultPort, err)
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}
