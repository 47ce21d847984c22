// Package route reports the egress path the kernel picks for a target.
package route

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/NodePath81/nqprobe/internal/session"
)

// ErrUnsupported is returned on platforms without route lookups.
var ErrUnsupported = errors.New("route lookup is only supported on linux")

// Info is the egress route for one destination.
type Info struct {
	Interface string
	Source    net.IP
	Gateway   net.IP
}

type Resolver interface {
	ResolveOne(ctx context.Context, host string) (net.IP, error)
}

// Enricher resolves the target address and records the egress route.
type Enricher struct {
	Resolver Resolver
	lookup   func(net.IP) (Info, error)
}

func NewEnricher(r Resolver) *Enricher {
	return &Enricher{Resolver: r, lookup: Lookup}
}

func (e *Enricher) Enrich(ctx context.Context, target string, path *session.Path) error {
	ip := net.ParseIP(path.Address)
	if ip == nil {
		if e.Resolver == nil {
			return errors.New("no resolver configured")
		}
		resolved, err := e.Resolver.ResolveOne(ctx, target)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", target, err)
		}
		ip = resolved
		path.Address = ip.String()
	}
	lookup := e.lookup
	if lookup == nil {
		lookup = Lookup
	}
	info, err := lookup(ip)
	if err != nil {
		return err
	}
	path.Interface = info.Interface
	if info.Source != nil {
		path.Source = info.Source.String()
	}
	if info.Gateway != nil {
		path.Gateway = info.Gateway.String()
	}
	return nil
}
