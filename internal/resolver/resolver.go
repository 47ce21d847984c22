package resolver

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/NodePath81/nqprobe/internal/config"
	"github.com/jackpal/gateway"
)

// GatewayAlias is the target name that resolves to the default gateway.
const GatewayAlias = "gateway"

var discoverGateway = gateway.DiscoverGateway

type Resolver struct {
	resolver *net.Resolver
	servers  []string
	strategy string
	next     uint32
}

func NewResolver(cfg config.DNSConfig) *Resolver {
	if len(cfg.Servers) == 0 {
		return &Resolver{resolver: net.DefaultResolver, strategy: cfg.Strategy}
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, server := range cfg.Servers {
		server = strings.TrimSpace(server)
		if server == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
		servers = append(servers, server)
	}
	r := &Resolver{servers: servers, strategy: cfg.Strategy}
	r.resolver = &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			d := net.Dialer{Timeout: 2 * time.Second}
			if len(r.servers) == 0 {
				return d.DialContext(ctx, network, address)
			}
			idx := atomic.AddUint32(&r.next, 1)
			server := r.servers[int(idx)%len(r.servers)]
			return d.DialContext(ctx, "udp", server)
		},
	}
	return r
}

// ResolveHost returns the addresses for host ordered by the configured
// strategy. Literal IPs are returned as-is and "gateway" maps to the
// default route's next hop.
func (r *Resolver) ResolveHost(ctx context.Context, host string) ([]net.IP, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, fmt.Errorf("empty host")
	}
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	if strings.EqualFold(host, GatewayAlias) {
		ip, err := discoverGateway()
		if err != nil {
			return nil, fmt.Errorf("discover gateway: %w", err)
		}
		return []net.IP{ip}, nil
	}
	if r == nil || r.resolver == nil {
		return nil, fmt.Errorf("resolver not initialized")
	}
	addrs, err := r.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		if addr.IP != nil {
			ips = append(ips, addr.IP)
		}
	}
	ips = orderByStrategy(ips, r.strategy)
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IPs resolved for %s", host)
	}
	return ips, nil
}

// ResolveOne returns the preferred address for host.
func (r *Resolver) ResolveOne(ctx context.Context, host string) (net.IP, error) {
	ips, err := r.ResolveHost(ctx, host)
	if err != nil {
		return nil, err
	}
	return ips[0], nil
}

func orderByStrategy(ips []net.IP, strategy string) []net.IP {
	switch strategy {
	case config.DNSStrategyIPv4Only:
		out := ips[:0]
		for _, ip := range ips {
			if ip.To4() != nil {
				out = append(out, ip)
			}
		}
		return out
	case config.DNSStrategyPreferV6:
		sort.SliceStable(ips, func(i, j int) bool {
			return ips[i].To4() == nil && ips[j].To4() != nil
		})
	default:
		sort.SliceStable(ips, func(i, j int) bool {
			return ips[i].To4() != nil && ips[j].To4() == nil
		})
	}
	return ips
}
