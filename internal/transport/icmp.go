package transport

import (
	"context"
	"encoding/binary"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/NodePath81/nqprobe/internal/quality"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	protoICMP   = 1
	protoICMPv6 = 58

	maxICMPPayload = 65507 - 8
	seqStampSize   = 8
)

// ICMP sends echo requests. Unprivileged mode uses datagram ICMP sockets,
// where the kernel owns the echo ID, so replies are matched on sequence only.
type ICMP struct {
	privileged bool
	id         int
	targets    targetCache

	mu    sync.Mutex
	conns map[bool]*icmp.PacketConn
}

func NewICMP(opts Options) *ICMP {
	opts = opts.withDefaults()
	return &ICMP{
		privileged: opts.Privileged,
		id:         rand.Intn(0xffff),
		targets:    targetCache{resolver: opts.Resolver},
		conns:      make(map[bool]*icmp.PacketConn),
	}
}

func (t *ICMP) Send(ctx context.Context, req Request) (quality.Outcome, error) {
	ip, err := t.targets.lookup(ctx, req.Target)
	if err != nil {
		return quality.Outcome{}, err
	}
	isV4 := ip.To4() != nil
	conn, err := t.conn(isV4)
	if err != nil {
		return quality.Outcome{}, err
	}
	rtt, ok := t.sendPing(conn, ip, isV4, req.Seq, req.PayloadSize, probeTimeout(req))
	if !ok {
		return quality.Lost(), nil
	}
	return quality.Succeeded(rtt), nil
}

func (t *ICMP) conn(isV4 bool) (*icmp.PacketConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[isV4]; ok {
		return conn, nil
	}
	var network string
	switch {
	case isV4 && t.privileged:
		network = "ip4:icmp"
	case isV4:
		network = "udp4"
	case t.privileged:
		network = "ip6:ipv6-icmp"
	default:
		network = "udp6"
	}
	conn, err := icmp.ListenPacket(network, "")
	if err != nil {
		return nil, unavailable("icmp listen "+network, err)
	}
	t.conns[isV4] = conn
	return conn, nil
}

func (t *ICMP) sendPing(conn *icmp.PacketConn, ip net.IP, isV4 bool, seq int, size int, timeout time.Duration) (time.Duration, bool) {
	proto := protoICMP
	echoType := icmp.Type(ipv4.ICMPTypeEcho)
	replyType := icmp.Type(ipv4.ICMPTypeEchoReply)
	if !isV4 {
		proto = protoICMPv6
		echoType = icmp.Type(ipv6.ICMPTypeEchoRequest)
		replyType = icmp.Type(ipv6.ICMPTypeEchoReply)
	}
	if size > maxICMPPayload {
		size = maxICMPPayload
	}
	if size < 0 {
		size = 0
	}
	data := make([]byte, size)
	fillPayload(data, 0)
	stampSeq(data, seq)
	msg := icmp.Message{
		Type: echoType,
		Code: 0,
		Body: &icmp.Echo{
			ID:   t.id,
			Seq:  seq & 0xffff,
			Data: data,
		},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		return 0, false
	}
	var dst net.Addr = &net.IPAddr{IP: ip}
	if !t.privileged {
		dst = &net.UDPAddr{IP: ip}
	}
	start := time.Now()
	if _, err := conn.WriteTo(payload, dst); err != nil {
		return 0, false
	}

	if err := conn.SetReadDeadline(start.Add(timeout)); err != nil {
		return 0, false
	}
	buf := make([]byte, size+1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return 0, false
		}
		if !peerMatches(peer, ip) {
			continue
		}
		parsed, err := icmp.ParseMessage(proto, buf[:n])
		if err != nil {
			continue
		}
		if parsed.Type != replyType {
			continue
		}
		echo, ok := parsed.Body.(*icmp.Echo)
		if !ok {
			continue
		}
		if !echoMatches(echo, seq) {
			continue
		}
		if t.privileged && echo.ID != t.id {
			continue
		}
		return time.Since(start), true
	}
}

// stampSeq writes the full probe sequence at the start of the payload. The
// echo header carries only 16 bits, which wrap after 65536 probes.
func stampSeq(data []byte, seq int) {
	if len(data) >= seqStampSize {
		binary.BigEndian.PutUint64(data, uint64(seq))
	}
}

// echoMatches reports whether reply answers probe seq. Payloads shorter than
// the stamp fall back to the 16-bit header sequence.
func echoMatches(reply *icmp.Echo, seq int) bool {
	if reply.Seq != seq&0xffff {
		return false
	}
	if len(reply.Data) >= seqStampSize {
		return binary.BigEndian.Uint64(reply.Data) == uint64(seq)
	}
	return true
}

func peerMatches(peer net.Addr, ip net.IP) bool {
	switch addr := peer.(type) {
	case *net.IPAddr:
		return addr.IP == nil || addr.IP.Equal(ip)
	case *net.UDPAddr:
		return addr.IP == nil || addr.IP.Equal(ip)
	default:
		return true
	}
}

func (t *ICMP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var first error
	for key, conn := range t.conns {
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
		delete(t.conns, key)
	}
	return first
}
