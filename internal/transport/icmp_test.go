package transport

import (
	"testing"

	"golang.org/x/net/icmp"
)

func echoFor(seq, size int) *icmp.Echo {
	data := make([]byte, size)
	fillPayload(data, 0)
	stampSeq(data, seq)
	return &icmp.Echo{Seq: seq & 0xffff, Data: data}
}

func TestEchoMatchesAcrossWrap(t *testing.T) {
	if !echoMatches(echoFor(65539, 56), 65539) {
		t.Fatalf("reply for the current sequence should match")
	}
	// Reply to seq 3 arriving while seq 65539 waits: same 16-bit header value.
	if echoMatches(echoFor(3, 56), 65539) {
		t.Fatalf("late reply from an earlier wrap must not match")
	}
	if echoMatches(echoFor(4, 56), 3) {
		t.Fatalf("different header sequence must not match")
	}
}

func TestEchoMatchesShortPayload(t *testing.T) {
	if !echoMatches(echoFor(7, 4), 7) {
		t.Fatalf("short payload should match on header sequence")
	}
	if echoMatches(echoFor(8, 4), 7) {
		t.Fatalf("short payload with other sequence must not match")
	}
}
