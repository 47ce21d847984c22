// Package transport sends individual probes and reports whether each was
// answered. Lost probes are data; errors are reserved for a transport that
// cannot attempt probes at all.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/NodePath81/nqprobe/internal/config"
	"github.com/NodePath81/nqprobe/internal/protocol"
	"github.com/NodePath81/nqprobe/internal/quality"
	"github.com/NodePath81/nqprobe/internal/resolver"
	"github.com/NodePath81/nqprobe/internal/util"
)

// ErrUnavailable is wrapped by every error a Transport returns.
var ErrUnavailable = errors.New("transport unavailable")

type Request struct {
	Target      string
	Seq         int
	PayloadSize int
	Timeout     time.Duration
}

type Transport interface {
	Send(ctx context.Context, req Request) (quality.Outcome, error)
}

// Resolver maps a target name to a single address.
type Resolver interface {
	ResolveOne(ctx context.Context, host string) (net.IP, error)
}

type Options struct {
	Port       int
	Privileged bool
	TOS        int
	Resolver   Resolver
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Port == 0 {
		o.Port = protocol.DefaultPort
	}
	if o.Resolver == nil {
		o.Resolver = resolver.NewResolver(config.DNSConfig{})
	}
	if o.Logger == nil {
		o.Logger = util.Discard()
	}
	return o
}

// New builds a transport by kind name.
func New(kind string, opts Options) (Transport, error) {
	opts = opts.withDefaults()
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case protocol.KindICMP:
		return NewICMP(opts), nil
	case protocol.KindUDP:
		return NewUDP(opts), nil
	case protocol.KindTCP:
		return NewTCP(opts), nil
	case protocol.KindPing:
		return NewPinger(opts), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want one of %s)", kind, strings.Join(protocol.Kinds, ", "))
	}
}

// Func adapts a plain function to the Transport interface.
type Func func(ctx context.Context, req Request) (quality.Outcome, error)

func (f Func) Send(ctx context.Context, req Request) (quality.Outcome, error) {
	return f(ctx, req)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// dialOutcome classifies a dial failure. Only a socket that cannot be created
// locally makes the transport unusable; unreachable networks, refusals and
// timeouts are lost probes.
func dialOutcome(op string, err error) (quality.Outcome, error) {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) && sysErr.Syscall == "socket" {
		return quality.Outcome{}, unavailable(op, err)
	}
	return quality.Lost(), nil
}

// targetCache resolves a target once and reuses the address until the
// target name changes.
type targetCache struct {
	resolver Resolver

	mu   sync.Mutex
	host string
	ip   net.IP
}

func (c *targetCache) lookup(ctx context.Context, host string) (net.IP, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ip != nil && c.host == host {
		return c.ip, nil
	}
	ip, err := c.resolver.ResolveOne(ctx, host)
	if err != nil {
		return nil, unavailable("resolve "+host, err)
	}
	c.host = host
	c.ip = ip
	return ip, nil
}

func probeTimeout(req Request) time.Duration {
	if req.Timeout <= 0 {
		return time.Second
	}
	return req.Timeout
}

func fillPayload(buf []byte, from int) {
	for i := from; i < len(buf); i++ {
		buf[i] = byte(i)
	}
}
