// Package dnsresolve wraps github.com/miekg/dns with the three operations
// the topology mapper and instance manager need: CNAME-chase resolution,
// A-record lookup, and TXT entry discovery. Every failure degrades to a
// benign fallback with a warning log rather than a propagated error, since
// DNS misconfiguration must never be fatal to the caller.
package dnsresolve

import (
	"net"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-set/v3"
	"github.com/miekg/dns"

	"discoveryd/internal/platform/logger"
)

// Resolver queries a configured set of nameservers with a bounded timeout
type Resolver struct {
	Nameservers []string
	Timeout     time.Duration
}

// New returns a Resolver querying the given nameservers, falling back to a
// public resolver (1.1.1.1:53) when none are given. A non-positive timeout
// becomes 2s.
func New(nameservers []string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if len(nameservers) == 0 {
		nameservers = []string{"1.1.1.1:53"}
	}
	return &Resolver{Nameservers: nameservers, Timeout: timeout}
}

// Resolve walks the CNAME chain for host and returns the terminal A-record
// target. If host is already an IP literal, or resolution fails for any
// reason, it returns host unchanged.
func (r *Resolver) Resolve(host string) string {
	log := logger.Named("dnsresolve")

	if net.ParseIP(host) != nil {
		return host
	}

	name := dns.Fqdn(host)
	seen := set.New[string](4)
	for i := 0; i < 10; i++ { // bound CNAME chase against loops
		if seen.Contains(name) {
			log.Warn().Str("host", host).Msg("cname loop detected, falling back to original host")
			return host
		}
		seen.Insert(name)

		resp, err := r.query(name, dns.TypeCNAME)
		if err != nil || resp == nil || len(resp.Answer) == 0 {
			break
		}
		cname, ok := resp.Answer[0].(*dns.CNAME)
		if !ok {
			break
		}
		name = cname.Target
	}

	resp, err := r.query(name, dns.TypeA)
	if err != nil || resp == nil {
		log.Warn().Err(err).Str("host", host).Msg("a-record lookup failed, falling back to original host")
		return host
	}
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.Header().Name
		}
	}
	return host
}

// ARecords returns the IPs of host's A-records, but only when host has no
// CNAME of its own; a CNAME present means the caller should Resolve first.
func (r *Resolver) ARecords(host string) []net.IP {
	log := logger.Named("dnsresolve")
	name := dns.Fqdn(host)

	cnameResp, err := r.query(name, dns.TypeCNAME)
	if err == nil && cnameResp != nil && len(cnameResp.Answer) > 0 {
		return nil
	}

	resp, err := r.query(name, dns.TypeA)
	if err != nil || resp == nil {
		log.Warn().Err(err).Str("host", host).Msg("a-record lookup failed")
		return nil
	}

	var ips []net.IP
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A)
		}
	}
	return ips
}

// TXTEntries fetches name's TXT record, strips one layer of surrounding
// quotes if present, splits on ASCII space, and returns the entries as a
// set. The set itself is unordered; SortedTXTEntries returns its entries in
// sorted order. An empty or missing record yields the empty set.
func (r *Resolver) TXTEntries(name string) *set.Set[string] {
	log := logger.Named("dnsresolve")
	entries := set.New[string](4)

	resp, err := r.query(dns.Fqdn(name), dns.TypeTXT)
	if err != nil || resp == nil {
		if err != nil {
			log.Warn().Err(err).Str("name", name).Msg("txt lookup failed")
		}
		return entries
	}

	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		parseTXTChunks(txt.Txt, entries)
	}
	return entries
}

// parseTXTChunks applies the strip-quotes-then-split-on-space rule to each
// raw TXT chunk, inserting the resulting entries into the destination set
func parseTXTChunks(chunks []string, dest *set.Set[string]) {
	for _, chunk := range chunks {
		if len(chunk) >= 2 && chunk[0] == '"' && chunk[len(chunk)-1] == '"' {
			chunk = chunk[1 : len(chunk)-1]
		}
		for _, entry := range strings.Fields(chunk) {
			dest.Insert(entry)
		}
	}
}

// SortedTXTEntries is a convenience for callers that want a deterministic
// []string rather than the set itself
func SortedTXTEntries(entries *set.Set[string]) []string {
	out := entries.Slice()
	sort.Strings(out)
	return out
}

func (r *Resolver) query(name string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(name, qtype)
	msg.RecursionDesired = true

	client := &dns.Client{Timeout: r.Timeout}

	var lastErr error
	for _, ns := range r.Nameservers {
		resp, _, err := client.Exchange(msg, ns)
		if err != nil {
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}
