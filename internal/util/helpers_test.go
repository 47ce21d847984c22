package util

import "testing"

func TestDerefKeepsExplicitZero(t *testing.T) {
	if got := Deref[bool](nil, true); !got {
		t.Fatalf("unset bool should use fallback")
	}
	off := false
	if got := Deref(&off, true); got {
		t.Fatalf("explicit false overridden by fallback")
	}
	if got := Deref[int](nil, 46); got != 46 {
		t.Fatalf("unset int = %d, want 46", got)
	}
	zero := 0
	if got := Deref(&zero, 46); got != 0 {
		t.Fatalf("explicit 0 = %d, want 0", got)
	}
}

func TestNetJoin(t *testing.T) {
	cases := map[string]string{
		"192.0.2.1":   "192.0.2.1:9876",
		"::1":         "[::1]:9876",
		"2001:db8::1": "[2001:db8::1]:9876",
		"":            ":9876",
	}
	for host, want := range cases {
		if got := NetJoin(host, 9876); got != want {
			t.Fatalf("NetJoin(%q) = %q, want %q", host, got, want)
		}
	}
}
