package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/NodePath81/nqprobe/internal/protocol"
	"github.com/NodePath81/nqprobe/internal/quality"
	"github.com/NodePath81/nqprobe/internal/util"
	"github.com/google/uuid"
)

// UDP sends tokenized datagrams to an echo responder. The token identifies
// this transport's probes so replies to other clients are ignored.
type UDP struct {
	port    int
	tos     int
	token   [16]byte
	targets targetCache

	mu   sync.Mutex
	conn net.Conn
	addr string
}

func NewUDP(opts Options) *UDP {
	opts = opts.withDefaults()
	return &UDP{
		port:    opts.Port,
		tos:     opts.TOS,
		token:   [16]byte(uuid.New()),
		targets: targetCache{resolver: opts.Resolver},
	}
}

func (t *UDP) Send(ctx context.Context, req Request) (quality.Outcome, error) {
	ip, err := t.targets.lookup(ctx, req.Target)
	if err != nil {
		return quality.Outcome{}, err
	}
	addr := util.NetJoin(ip.String(), t.port)
	conn, err := t.dial(ctx, addr)
	if err != nil {
		return dialOutcome("udp dial "+addr, err)
	}

	seq := uint64(req.Seq)
	packet := protocol.EncodeUDPPing(t.token, seq, req.PayloadSize)
	fillPayload(packet, protocol.UDPHeaderSize)

	start := time.Now()
	if err := conn.SetDeadline(start.Add(probeTimeout(req))); err != nil {
		return quality.Lost(), nil
	}
	if _, err := conn.Write(packet); err != nil {
		return quality.Lost(), nil
	}
	buf := make([]byte, len(packet)+64)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return quality.Lost(), nil
		}
		token, gotSeq, err := protocol.DecodeUDPPong(buf[:n])
		if err != nil || token != t.token || gotSeq != seq {
			continue
		}
		return quality.Succeeded(time.Since(start)), nil
	}
}

func (t *UDP) dial(ctx context.Context, addr string) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil && t.addr == addr {
		return t.conn, nil
	}
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	d := net.Dialer{Control: markTOS(t.tos)}
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, err
	}
	t.conn = conn
	t.addr = addr
	return conn, nil
}

func (t *UDP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
