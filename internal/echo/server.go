// Package echo implements the responder that answers udp and tcp probes.
package echo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/NodePath81/nqprobe/internal/protocol"
	"github.com/NodePath81/nqprobe/internal/util"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	BindAddr string
	Port     int
}

// Server answers UDP PING datagrams and framed TCP PING requests on the same
// port number.
type Server struct {
	cfg    Config
	logger util.Logger

	tcp net.Listener
	udp *net.UDPConn

	udpReplies atomic.Uint64
	tcpReplies atomic.Uint64

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

func New(cfg Config, logger util.Logger) *Server {
	if logger == nil {
		logger = util.Discard()
	}
	return &Server{cfg: cfg, logger: logger, conns: make(map[net.Conn]struct{})}
}

// Listen binds both sockets. With Port 0 the TCP listener picks a port and
// UDP binds the same number.
func (s *Server) Listen() error {
	tcp, err := net.Listen("tcp", util.NetJoin(s.cfg.BindAddr, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen tcp: %w", err)
	}
	port := tcp.Addr().(*net.TCPAddr).Port
	udpAddr, err := net.ResolveUDPAddr("udp", util.NetJoin(s.cfg.BindAddr, port))
	if err != nil {
		_ = tcp.Close()
		return fmt.Errorf("resolve udp: %w", err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		_ = tcp.Close()
		return fmt.Errorf("listen udp: %w", err)
	}
	_ = udp.SetReadBuffer(protocol.UDPMaxChunkSize * 4)
	s.tcp = tcp
	s.udp = udp
	return nil
}

// Port returns the bound port, 0 before Listen.
func (s *Server) Port() int {
	if s.tcp == nil {
		return 0
	}
	return s.tcp.Addr().(*net.TCPAddr).Port
}

// Replies returns how many udp and tcp pings were answered or attempted.
func (s *Server) Replies() (udp, tcp uint64) {
	return s.udpReplies.Load(), s.tcpReplies.Load()
}

// Run binds and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve answers probes on sockets bound by Listen until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if s.tcp == nil || s.udp == nil {
		return errors.New("echo server not listening")
	}
	s.logger.Info("echo responder listening", "addr", s.tcp.Addr().String(), "proto", "tcp+udp")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = s.tcp.Close()
		_ = s.udp.Close()
		s.closeConns()
		return nil
	})
	g.Go(func() error {
		return s.serveUDP(gctx)
	})
	g.Go(func() error {
		return s.serveTCP(gctx)
	})
	err := g.Wait()
	udp, tcp := s.Replies()
	s.logger.Info("echo responder stopped", "udp_replies", udp, "tcp_replies", tcp)
	return err
}

func (s *Server) serveUDP(ctx context.Context) error {
	buf := make([]byte, protocol.UDPMaxChunkSize)
	for {
		n, addr, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			continue
		}
		if n < protocol.UDPHeaderSize || buf[0] != protocol.UDPTypePing {
			continue
		}
		resp := make([]byte, n)
		copy(resp, buf[:n])
		resp[0] = protocol.UDPTypePong
		s.udpReplies.Add(1)
		if _, err := s.udp.WriteToUDP(resp, addr); err != nil {
			s.logger.Debug("udp reply failed", "peer", addr.String(), "error", err)
		}
	}
}

func (s *Server) serveTCP(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := s.tcp.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			continue
		}
		s.track(conn, true)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.track(conn, false)
			s.handleTCP(conn)
		}()
	}
}

func (s *Server) handleTCP(conn net.Conn) {
	defer conn.Close()
	hdr := make([]byte, protocol.TCPHeaderSize)
	for {
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}
		tag, n, err := protocol.ParseTCPHeader(hdr)
		if err != nil || tag != protocol.TCPPingHeader {
			s.logger.Debug("tcp bad frame", "peer", conn.RemoteAddr().String(), "error", err)
			return
		}
		frame := make([]byte, protocol.TCPHeaderSize+n)
		copy(frame, hdr)
		copy(frame[:4], protocol.TCPPongHeader)
		if _, err := io.ReadFull(conn, frame[protocol.TCPHeaderSize:]); err != nil {
			return
		}
		s.tcpReplies.Add(1)
		if _, err := conn.Write(frame); err != nil {
			return
		}
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if add {
		if s.closed {
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		return
	}
	delete(s.conns, conn)
}

func (s *Server) closeConns() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.closed = true
	for conn := range s.conns {
		_ = conn.Close()
	}
}

