// Package eviction bounds how many stale registrations the registry may
// expire in a single sweep, so a network partition does not look like a
// mass instance die-off ("self-preservation")
package eviction

import "discoveryd/internal/obsmetrics"

// Strategy holds the configured allowed drop ratio
type Strategy struct {
	// AllowedDropRatio is r in [0,1]: the tolerated fraction of expected
	// registrations the registry may be missing before eviction pauses
	AllowedDropRatio float64
}

// New returns a Strategy configured with the given allowed drop ratio,
// clamped to [0,1]
func New(allowedDropRatio float64) Strategy {
	if allowedDropRatio < 0 {
		allowedDropRatio = 0
	}
	if allowedDropRatio > 1 {
		allowedDropRatio = 1
	}
	return Strategy{AllowedDropRatio: allowedDropRatio}
}

// AllowedToEvict returns how many instances may be expired in the current
// sweep given expected (a moving average of recent registration counts) and
// actual (the current live count). Truncation toward zero is intentional;
// the registry deals in whole instances.
func (s Strategy) AllowedToEvict(expected, actual int) int {
	maxAllowed := int(s.AllowedDropRatio * float64(expected))
	currentDeficit := expected - actual
	delta := maxAllowed - currentDeficit
	if delta < 0 {
		delta = 0
	}
	obsmetrics.EvictionAllowed.Set(float64(delta))
	return delta
}
