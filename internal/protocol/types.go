// Package protocol defines the wire format spoken between the udp/tcp probe
// transports and the echo responder.
package protocol

import (
	"encoding/binary"
	"errors"
)

// Transport kinds understood by the engine.
const (
	KindICMP = "icmp"
	KindUDP  = "udp"
	KindTCP  = "tcp"
	KindPing = "ping"
)

// Kinds lists every transport kind.
var Kinds = []string{KindICMP, KindUDP, KindTCP, KindPing}

const (
	DefaultPort = 9876

	TCPPingHeader   = "PING"
	TCPPongHeader   = "PONG"
	TCPHeaderSize   = 4 + 4
	TCPMaxFrameSize = 64 * 1024
)

const (
	UDPTypePing = 2
	UDPTypePong = 3

	// type(1) + token(16) + seq(8)
	UDPHeaderSize   = 1 + 16 + 8
	UDPMaxChunkSize = 64 * 1024
)

var (
	ErrShortFrame    = errors.New("frame shorter than header")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// EncodeUDPPing builds a ping datagram of total size max(size, UDPHeaderSize).
func EncodeUDPPing(token [16]byte, seq uint64, size int) []byte {
	if size < UDPHeaderSize {
		size = UDPHeaderSize
	}
	if size > UDPMaxChunkSize {
		size = UDPMaxChunkSize
	}
	buf := make([]byte, size)
	buf[0] = UDPTypePing
	copy(buf[1:17], token[:])
	binary.BigEndian.PutUint64(buf[17:25], seq)
	return buf
}

// DecodeUDPPong returns the token and sequence carried by a pong datagram.
func DecodeUDPPong(buf []byte) ([16]byte, uint64, error) {
	var token [16]byte
	if len(buf) < UDPHeaderSize {
		return token, 0, ErrShortFrame
	}
	if buf[0] != UDPTypePong {
		return token, 0, errors.New("not a pong datagram")
	}
	copy(token[:], buf[1:17])
	return token, binary.BigEndian.Uint64(buf[17:25]), nil
}

// EncodeTCPFrame builds a header + length-prefixed payload frame.
func EncodeTCPFrame(header string, payloadSize int) ([]byte, error) {
	if len(header) != 4 {
		return nil, errors.New("tcp header must be 4 bytes")
	}
	if payloadSize < 0 {
		payloadSize = 0
	}
	if TCPHeaderSize+payloadSize > TCPMaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, TCPHeaderSize+payloadSize)
	copy(buf[:4], header)
	binary.BigEndian.PutUint32(buf[4:8], uint32(payloadSize))
	return buf, nil
}

// ParseTCPHeader splits an 8-byte frame header into its tag and payload length.
func ParseTCPHeader(hdr []byte) (string, int, error) {
	if len(hdr) < TCPHeaderSize {
		return "", 0, ErrShortFrame
	}
	n := binary.BigEndian.Uint32(hdr[4:8])
	if int(n)+TCPHeaderSize > TCPMaxFrameSize {
		return "", 0, ErrFrameTooLarge
	}
	return string(hdr[:4]), int(n), nil
}
