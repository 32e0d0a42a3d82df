package dnsresolve

import (
	"net"
	"testing"
	"time"

	"github.com/hashicorp/go-set/v3"
)

func TestParseTXTChunks_StripsQuotesAndSplitsOnSpace(t *testing.T) {
	dest := set.New[string](4)
	parseTXTChunks([]string{`"us-east-1a us-east-1b"`}, dest)

	want := []string{"us-east-1a", "us-east-1b"}
	got := SortedTXTEntries(dest)
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestParseTXTChunks_EmptyYieldsEmptySet(t *testing.T) {
	dest := set.New[string](4)
	parseTXTChunks(nil, dest)
	if dest.Size() != 0 {
		t.Fatalf("expected empty set, got size %d", dest.Size())
	}
}

func TestParseTXTChunks_NoSurroundingQuotes(t *testing.T) {
	dest := set.New[string](4)
	parseTXTChunks([]string{"eu-west-1a"}, dest)
	if !dest.Contains("eu-west-1a") {
		t.Fatal("expected unquoted chunk to still be parsed")
	}
}

func TestResolve_IPLiteralPassesThrough(t *testing.T) {
	r := New(nil, 0)
	ip := "203.0.113.7"
	if net.ParseIP(ip) == nil {
		t.Fatal("test setup: expected a valid IP literal")
	}
	if got := r.Resolve(ip); got != ip {
		t.Fatalf("Resolve(%q) = %q, want unchanged IP literal", ip, got)
	}
}

func TestResolve_UnreachableNameserverFallsBackToHost(t *testing.T) {
	// 192.0.2.0/24 is TEST-NET-1 (RFC 5737); nothing should answer there,
	// so Resolve must degrade to returning the original host, not error.
	r := New([]string{"192.0.2.1:53"}, 200*time.Millisecond)
	host := "unreachable.invalid"
	if got := r.Resolve(host); got != host {
		t.Fatalf("Resolve(%q) = %q, want unchanged host on lookup failure", host, got)
	}
}
