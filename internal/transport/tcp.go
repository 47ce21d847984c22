package transport

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/NodePath81/nqprobe/internal/protocol"
	"github.com/NodePath81/nqprobe/internal/quality"
	"github.com/NodePath81/nqprobe/internal/util"
)

// TCP opens a fresh connection per probe and times one framed PING/PONG
// exchange. The handshake is not part of the measured RTT.
type TCP struct {
	port    int
	tos     int
	targets targetCache
}

func NewTCP(opts Options) *TCP {
	opts = opts.withDefaults()
	return &TCP{
		port:    opts.Port,
		tos:     opts.TOS,
		targets: targetCache{resolver: opts.Resolver},
	}
}

func (t *TCP) Send(ctx context.Context, req Request) (quality.Outcome, error) {
	ip, err := t.targets.lookup(ctx, req.Target)
	if err != nil {
		return quality.Outcome{}, err
	}
	timeout := probeTimeout(req)
	deadline := time.Now().Add(timeout)

	size := req.PayloadSize
	if size > protocol.TCPMaxFrameSize-protocol.TCPHeaderSize {
		size = protocol.TCPMaxFrameSize - protocol.TCPHeaderSize
	}
	frame, err := protocol.EncodeTCPFrame(protocol.TCPPingHeader, size)
	if err != nil {
		return quality.Lost(), nil
	}
	fillPayload(frame, protocol.TCPHeaderSize)

	d := net.Dialer{Deadline: deadline, Control: markTOS(t.tos)}
	addr := util.NetJoin(ip.String(), t.port)
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return dialOutcome("tcp dial "+addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(deadline)

	start := time.Now()
	if _, err := conn.Write(frame); err != nil {
		return quality.Lost(), nil
	}
	hdr := make([]byte, protocol.TCPHeaderSize)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return quality.Lost(), nil
	}
	tag, n, err := protocol.ParseTCPHeader(hdr)
	if err != nil || tag != protocol.TCPPongHeader || n != size {
		return quality.Lost(), nil
	}
	if _, err := io.CopyN(io.Discard, conn, int64(n)); err != nil {
		return quality.Lost(), nil
	}
	return quality.Succeeded(time.Since(start)), nil
}
