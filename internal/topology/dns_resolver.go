package topology

import "discoveryd/internal/dnsresolve"

// DNSResolver discovers a region's zones via a TXT lookup on
// `txt.<region>.<domain>`
type DNSResolver struct {
	Resolver   *dnsresolve.Resolver
	DomainName string
}

// Zones implements Resolver by querying txt.<region>.<domain>
func (d DNSResolver) Zones(region string) ([]string, error) {
	name := "txt." + region + "." + d.DomainName
	entries := d.Resolver.TXTEntries(name)
	return dnsresolve.SortedTXTEntries(entries), nil
}
