// Package topology maintains the availability-zone to region table the
// client uses to pick a registry endpoint, rebuilt atomically from either a
// static config resolver or DNS TXT discovery
package topology

import (
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	perr "discoveryd/internal/platform/errors"
	"discoveryd/internal/platform/logger"
)

// sentinelDefaultZone is the marker a Resolver returns when it has no real
// zone data and wants the built-in fallback map installed instead
const sentinelDefaultZone = "defaultZone"

// Resolver discovers the zones that belong to a region. The static variant
// reads static configuration; the DNS variant performs a TXT lookup.
type Resolver interface {
	Zones(region string) ([]string, error)
}

// StaticResolver returns the configured zone list for a region, mirroring
// the static availability-zone configuration table
type StaticResolver struct {
	ZonesByRegion map[string][]string
}

// Zones implements Resolver
func (s StaticResolver) Zones(region string) ([]string, error) {
	return s.ZonesByRegion[region], nil
}

// defaultRegionToZones seeds a handful of canonical cloud regions so a
// misconfigured deployment still boots with sensible defaults
var defaultRegionToZones = map[string][]string{
	"us-east-1": {"us-east-1a", "us-east-1b", "us-east-1c", "us-east-1d"},
	"us-west-2": {"us-west-2a", "us-west-2b", "us-west-2c"},
	"eu-west-1": {"eu-west-1a", "eu-west-1b", "eu-west-1c"},
}

var fold = cases.Fold(cases.Compact, language.Und)

func normalize(s string) string { return fold.String(strings.TrimSpace(s)) }

// Mapper owns the live zone -> region map and the region list it was built
// from, so refresh() can repeat the last rebuild
type Mapper struct {
	resolver Resolver

	mu          sync.Mutex // serializes rebuild/refresh so readers never see a torn map
	lastRegions []string

	live *map[string]string // swapped as a whole; reads never take mu
	liveMu sync.RWMutex
}

// New returns a Mapper with an empty live map
func New(resolver Resolver) *Mapper {
	empty := map[string]string{}
	return &Mapper{resolver: resolver, live: &empty}
}

// SetRegionsToFetch rebuilds the live map from scratch for the given
// regions. The swap is atomic: regionFor callers see either the entire
// pre-rebuild map or the entire post-rebuild map, never a partial merge.
func (m *Mapper) SetRegionsToFetch(regions []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := map[string]string{}
	var errs error

	for _, region := range regions {
		zones, err := m.resolver.Zones(region)
		if err != nil {
			errs = appendErr(errs, err)
			continue
		}

		if isDefaultSentinel(zones) {
			fallback, ok := defaultRegionToZones[region]
			if !ok {
				errs = appendErr(errs, perr.Newf(perr.ErrorCodeInvalidArgument,
					"no resolver zones and no built-in default for region %q", region))
				continue
			}
			zones = fallback
		}

		for _, z := range zones {
			next[normalize(z)] = region
		}
	}

	if errs != nil {
		logger.Named("topology").Warn().Err(errs).Msg("rebuild encountered region errors")
	}

	m.lastRegions = append([]string(nil), regions...)
	m.liveMu.Lock()
	m.live = &next
	m.liveMu.Unlock()
	return errs
}

// Refresh repeats the last SetRegionsToFetch call
func (m *Mapper) Refresh() error {
	m.mu.Lock()
	regions := append([]string(nil), m.lastRegions...)
	m.mu.Unlock()
	if len(regions) == 0 {
		return nil
	}
	return m.SetRegionsToFetch(regions)
}

// RegionFor looks up the region for a zone. It tries a direct match first,
// then strips the zone's last character and checks whether the result is a
// known region value in the live map. Returns "", false when neither finds
// a match ("local region" to the caller).
func (m *Mapper) RegionFor(zone string) (string, bool) {
	z := normalize(zone)

	m.liveMu.RLock()
	live := m.live
	m.liveMu.RUnlock()

	if region, ok := (*live)[z]; ok {
		return region, true
	}

	if len(z) == 0 {
		return "", false
	}
	stripped := z[:len(z)-1]
	for _, region := range *live {
		if region == stripped {
			return stripped, true
		}
	}
	return "", false
}

func isDefaultSentinel(zones []string) bool {
	if len(zones) == 0 {
		return true
	}
	return len(zones) == 1 && zones[0] == sentinelDefaultZone
}

func appendErr(errs error, err error) error {
	return multierror.Append(errs, err)
}
