package geo

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/NodePath81/nqprobe/internal/session"
)

func TestOpenEmptyPath(t *testing.T) {
	r, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if r != nil {
		t.Fatalf("expected nil reader for empty path")
	}
	info, err := r.Lookup(net.ParseIP("192.0.2.1"))
	if err != nil || info.ASN != 0 {
		t.Fatalf("nil reader lookup = %+v, %v", info, err)
	}
	var p session.Path
	if err := r.Enrich(context.Background(), "x", &p); err != nil {
		t.Fatalf("nil reader enrich: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("nil reader close: %v", err)
	}
}

func TestOpenMissingFile(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing.mmdb")); err == nil {
		t.Fatalf("expected error for missing database")
	}
}

func TestOpenCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.mmdb")
	if err := os.WriteFile(path, []byte("not a maxmind db"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatalf("expected error for corrupt database")
	}
}

func TestEnrichNeedsAddress(t *testing.T) {
	r := &Reader{}
	if err := r.Enrich(context.Background(), "x", &session.Path{}); err == nil {
		t.Fatalf("expected error when address is unresolved")
	}
}
