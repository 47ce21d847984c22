package transport

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/NodePath81/nqprobe/internal/quality"
	probing "github.com/prometheus-community/pro-bing"
)

const minPingerSize = 24

// Pinger runs a single-shot pro-bing pinger per probe.
type Pinger struct {
	privileged bool
	targets    targetCache
}

func NewPinger(opts Options) *Pinger {
	opts = opts.withDefaults()
	return &Pinger{
		privileged: opts.Privileged,
		targets:    targetCache{resolver: opts.Resolver},
	}
}

func (t *Pinger) Send(ctx context.Context, req Request) (quality.Outcome, error) {
	ip, err := t.targets.lookup(ctx, req.Target)
	if err != nil {
		return quality.Outcome{}, err
	}
	pinger, err := probing.NewPinger(ip.String())
	if err != nil {
		return quality.Outcome{}, unavailable("pinger", err)
	}
	size := req.PayloadSize
	if size < minPingerSize {
		size = minPingerSize
	}
	pinger.Count = 1
	pinger.Size = size
	pinger.Timeout = probeTimeout(req)
	pinger.SetPrivileged(t.privileged)

	var rtt time.Duration
	received := false
	pinger.OnRecv = func(pkt *probing.Packet) {
		rtt = pkt.Rtt
		received = true
	}
	if err := pinger.Run(); err != nil {
		if isPermissionError(err) {
			return quality.Outcome{}, unavailable("pinger socket", err)
		}
		return quality.Lost(), nil
	}
	if !received {
		return quality.Lost(), nil
	}
	return quality.Succeeded(rtt), nil
}

func isPermissionError(err error) bool {
	if errors.Is(err, os.ErrPermission) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation not permitted") || strings.Contains(msg, "permission denied")
}
