// Package gate classifies inbound registry reads by URL shape and throttles
// them through a pair of shared token buckets, honoring a privileged-client
// allowlist so peer servers and the standard client are never self-throttled
package gate

import (
	"net/http"
	"regexp"
	"time"

	"github.com/hashicorp/go-set/v3"

	"discoveryd/internal/obsmetrics"
	"discoveryd/internal/ratelimit"
)

// Class is the classification of an inbound registry read
type Class int

const (
	// Other covers writes, heartbeats and anything not matching the apps
	// path shape; always admitted regardless of gate configuration
	Other Class = iota
	// FullFetch is a request for the entire registry snapshot
	FullFetch
	// DeltaFetch is a request for the incremental changes since a snapshot
	DeltaFetch
	// ApplicationFetch is a request scoped to a single application
	ApplicationFetch
)

func (c Class) String() string {
	switch c {
	case FullFetch:
		return "full"
	case DeltaFetch:
		return "delta"
	case ApplicationFetch:
		return "application"
	default:
		return "other"
	}
}

// appsPath matches the `.../apps(/[^/]*)?` shape the classifier cares
// about: an empty or "/" tail is FullFetch, "delta" is DeltaFetch, anything
// else single-segment is an ApplicationFetch
var appsPath = regexp.MustCompile(`/apps(?:/([^/]*))?/?$`)

// Classify returns the Class of an inbound read given its method and path
func Classify(method, path string) Class {
	if method != http.MethodGet {
		return Other
	}
	m := appsPath.FindStringSubmatch(path)
	if m == nil {
		return Other
	}
	switch m[1] {
	case "":
		return FullFetch
	case "delta":
		return DeltaFetch
	default:
		return ApplicationFetch
	}
}

// IdentityHeader is the conventional header carrying the requesting client's
// name, used for the privileged-client check
const IdentityHeader = "DiscoveryIdentity-Name"

// defaultPrivileged is the built-in privileged set: the standard client and
// peer-server identities are never throttled unless ThrottleStandardClients
// is explicitly turned on
var defaultPrivileged = set.From([]string{"DefaultClient", "DiscoveryServer"})

// Config is the gate's runtime configuration, reloadable without
// reconstructing the underlying buckets
type Config struct {
	Enabled                 bool
	ThrottleStandardClients bool
	PrivilegedClients       []string
	BurstSize               int64
	CombinedAverageRate     int64
	FullFetchAverageRate    int64
}

// Gate owns the combined and full-only buckets shared across every request
type Gate struct {
	combined *ratelimit.Bucket
	fullOnly *ratelimit.Bucket
}

// New returns a Gate with fresh, empty buckets
func New() *Gate {
	return &Gate{
		combined: ratelimit.New(),
		fullOnly: ratelimit.New(),
	}
}

// Admit decides whether to let an inbound read through. now is a monotonic
// millisecond timestamp (typically time.Now().UnixMilli()).
func (g *Gate) Admit(cfg Config, class Class, identity string, now int64) bool {
	if class == Other {
		return true
	}

	if !cfg.ThrottleStandardClients && isPrivileged(cfg.PrivilegedClients, identity) {
		return true
	}

	if !cfg.Enabled {
		// count-only mode: still probe the buckets so operators can size
		// thresholds, but never reject
		if !g.probe(cfg, class, now) {
			obsmetrics.GateOverloadCandidatesTotal.WithLabelValues(class.String()).Inc()
		}
		return true
	}

	if !g.probe(cfg, class, now) {
		obsmetrics.GateRejectedTotal.WithLabelValues(class.String()).Inc()
		return false
	}
	return true
}

// probe consults the combined bucket unconditionally, then the full-only
// bucket when class is FullFetch. Both must admit for the request to pass.
func (g *Gate) probe(cfg Config, class Class, now int64) bool {
	ok := g.combined.Acquire(cfg.BurstSize, cfg.CombinedAverageRate, ratelimit.PerSecond, now)
	if class == FullFetch {
		fullOK := g.fullOnly.Acquire(cfg.BurstSize, cfg.FullFetchAverageRate, ratelimit.PerSecond, now)
		ok = ok && fullOK
	}
	return ok
}

func isPrivileged(configured []string, identity string) bool {
	if identity == "" {
		return false
	}
	if defaultPrivileged.Contains(identity) {
		return true
	}
	if len(configured) == 0 {
		return false
	}
	return set.From(configured).Contains(identity)
}

// Now is a small seam so handlers and tests can supply a millisecond clock
// without importing time directly into call sites
func Now() int64 { return time.Now().UnixMilli() }
