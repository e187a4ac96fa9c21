package tools

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"syscall"

	"go4.org/netipx"
)

// Ranges that never leave the host or the local network.
var defaultBlockedPrefixes = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10", // carrier-grade NAT
	"127.0.0.0/8",
	"169.254.0.0/16", // link-local, cloud metadata
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::/128",
	"::1/128",
	"64:ff9b::/96", // NAT64 can reach private v4
	"100::/64",
	"2001:db8::/32",
	"fc00::/7",
	"fe80::/10",
	"fec0::/10",
	"ff00::/8",
}

var defaultBlockedHosts = []string{
	"localhost",
	"metadata",
	"metadata.google.internal",
	"instance-data",
	".localhost",
	".local",
	".internal",
	".localdomain",
}

// IPResolver resolves host names. *net.Resolver satisfies it.
type IPResolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// HostGuard rejects destinations that resolve to internal addresses.
type HostGuard struct {
	blocked  *netipx.IPSet
	hosts    []string // exact names, or ".suffix"
	resolver IPResolver
}

type GuardOption func(*guardBuilder)

type guardBuilder struct {
	cidrs    []string
	hosts    []string
	resolver IPResolver
	defaults bool
}

// WithBlockedCIDRs adds ranges on top of the defaults.
func WithBlockedCIDRs(cidrs ...string) GuardOption {
	return func(b *guardBuilder) { b.cidrs = append(b.cidrs, cidrs...) }
}

// WithBlockedHosts adds host names; entries starting with "." block a suffix.
func WithBlockedHosts(hosts ...string) GuardOption {
	return func(b *guardBuilder) { b.hosts = append(b.hosts, hosts...) }
}

func WithResolver(r IPResolver) GuardOption {
	return func(b *guardBuilder) { b.resolver = r }
}

// WithoutDefaultRanges drops the built-in private ranges. Tests use it to
// reach an httptest server on loopback.
func WithoutDefaultRanges() GuardOption {
	return func(b *guardBuilder) { b.defaults = false }
}

func NewHostGuard(opts ...GuardOption) (*HostGuard, error) {
	gb := &guardBuilder{defaults: true, resolver: net.DefaultResolver}
	for _, opt := range opts {
		opt(gb)
	}

	var sb netipx.IPSetBuilder
	cidrs := gb.cidrs
	hosts := gb.hosts
	if gb.defaults {
		cidrs = append(append([]string(nil), defaultBlockedPrefixes...), cidrs...)
		hosts = append(append([]string(nil), defaultBlockedHosts...), hosts...)
	}
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(strings.TrimSpace(c))
		if err != nil {
			return nil, fmt.Errorf("blocked cidr %q: %w", c, err)
		}
		sb.AddPrefix(p.Masked())
	}
	set, err := sb.IPSet()
	if err != nil {
		return nil, fmt.Errorf("build blocked ip set: %w", err)
	}

	g := &HostGuard{blocked: set, resolver: gb.resolver}
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			g.hosts = append(g.hosts, h)
		}
	}
	return g, nil
}

// BlockedAddr reports whether addr is inside a blocked range. IPv4-mapped
// IPv6 addresses are checked as IPv4.
func (g *HostGuard) BlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap().WithZone("")
	return !addr.IsValid() || g.blocked.Contains(addr)
}

func (g *HostGuard) blockedName(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for _, h := range g.hosts {
		if strings.HasPrefix(h, ".") {
			if strings.HasSuffix(host, h) || host == h[1:] {
				return true
			}
			continue
		}
		if host == h {
			return true
		}
	}
	return false
}

// Check resolves host and fails with *FetchBlockedHostError when the name is
// blocked or any of its addresses is internal.
func (g *HostGuard) Check(ctx context.Context, host string) ([]netip.Addr, error) {
	host = strings.Trim(host, "[]")
	if host == "" {
		return nil, &FetchBlockedHostError{Host: host, Reason: "empty host"}
	}
	if g.blockedName(host) {
		return nil, &FetchBlockedHostError{Host: host, Reason: "internal host name"}
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if g.BlockedAddr(addr) {
			return nil, &FetchBlockedHostError{Host: host, Reason: "private or internal address"}
		}
		return []netip.Addr{addr}, nil
	}

	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, &FetchTransportError{Target: host, Err: err}
	}
	if len(addrs) == 0 {
		return nil, &FetchTransportError{Target: host, Err: fmt.Errorf("no addresses")}
	}
	for _, a := range addrs {
		if g.BlockedAddr(a) {
			return nil, &FetchBlockedHostError{Host: host, Reason: "resolves to a private or internal address"}
		}
	}
	return addrs, nil
}

// Control is a net.Dialer Control hook. It checks the address actually being
// dialed, which defeats DNS rebinding between Check and connect.
func (g *HostGuard) Control(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return &FetchBlockedHostError{Host: address, Reason: "unparseable dial address"}
	}
	addr, err := netip.ParseAddr(host)
	if err != nil || g.BlockedAddr(addr) {
		return &FetchBlockedHostError{Host: host, Reason: "private or internal address"}
	}
	return nil
}
