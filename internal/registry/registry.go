// Package registry is the in-memory, sharded instance table at the heart of
// the registry process: Register/Renew/Cancel/Snapshot plus a periodic
// Sweep that bounds eviction through internal/eviction
package registry

import (
	"sort"
	"sync"
	"time"

	"discoveryd/internal/eviction"
)

// Lease mirrors an instance's renewal contract as seen by the registry
type Lease struct {
	RenewalIntervalSeconds int
	DurationSeconds        int
	LastRenewedAt          time.Time
}

// deadline returns when this lease expires if not renewed again
func (l Lease) deadline() time.Time {
	return l.LastRenewedAt.Add(time.Duration(l.DurationSeconds) * time.Second)
}

// Instance is a registered instance as the registry knows it.
//
// Invariant: if SecurePortEnabled is false, SecureVipAddress is
// unobservable — Register sanitizes it to "" at write time so every
// snapshot path (SnapshotFull/SnapshotApp, and therefore the wire
// response) upholds it without needing its own check.
type Instance struct {
	ID       string
	AppName  string
	AppGroup string
	HostName string
	IPAddr   string

	Port        int
	PortEnabled bool

	SecurePort        int
	SecurePortEnabled bool

	VipAddress       string
	SecureVipAddress string

	Status   string
	Metadata map[string]string
	Lease    Lease
}

// sanitize enforces the secure-vhost-unobservable invariant in place
func (inst *Instance) sanitize() {
	if !inst.SecurePortEnabled {
		inst.SecureVipAddress = ""
	}
}

type shard struct {
	mu        sync.RWMutex
	instances map[string]Instance // keyed by instance id
}

// Core is the sharded registry table, one shard per application name
type Core struct {
	strategy eviction.Strategy

	shardsMu sync.RWMutex
	shards   map[string]*shard

	ewmaMu      sync.Mutex
	ewma        float64
	ewmaPrimed  bool
	ewmaAlpha   float64
}

// New returns an empty Core using strategy to bound eviction sweeps.
// ewmaAlpha is the EWMA smoothing factor applied to the expected-instance-
// count estimate that feeds the eviction strategy.
func New(strategy eviction.Strategy, ewmaAlpha float64) *Core {
	if ewmaAlpha <= 0 || ewmaAlpha > 1 {
		ewmaAlpha = 0.5
	}
	return &Core{
		strategy:  strategy,
		shards:    map[string]*shard{},
		ewmaAlpha: ewmaAlpha,
	}
}

func (c *Core) shardFor(appName string) *shard {
	c.shardsMu.RLock()
	s, ok := c.shards[appName]
	c.shardsMu.RUnlock()
	if ok {
		return s
	}

	c.shardsMu.Lock()
	defer c.shardsMu.Unlock()
	if s, ok := c.shards[appName]; ok {
		return s
	}
	s = &shard{instances: map[string]Instance{}}
	c.shards[appName] = s
	return s
}

// Register adds or replaces an instance under its app's shard
func (c *Core) Register(inst Instance, now time.Time) {
	inst.sanitize()
	inst.Lease.LastRenewedAt = now
	s := c.shardFor(inst.AppName)
	s.mu.Lock()
	s.instances[inst.ID] = inst
	s.mu.Unlock()
}

// Renew stamps the lease's LastRenewedAt for the given instance; returns
// false if the instance isn't currently registered (the caller should
// treat that as "not found, re-register")
func (c *Core) Renew(appName, id string, now time.Time) bool {
	s := c.shardFor(appName)
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return false
	}
	inst.Lease.LastRenewedAt = now
	s.instances[id] = inst
	return true
}

// Cancel removes an instance from its app's shard
func (c *Core) Cancel(appName, id string) bool {
	s := c.shardFor(appName)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[id]; !ok {
		return false
	}
	delete(s.instances, id)
	return true
}

// SnapshotFull returns every instance across every application
func (c *Core) SnapshotFull() map[string][]Instance {
	c.shardsMu.RLock()
	names := make([]string, 0, len(c.shards))
	for name := range c.shards {
		names = append(names, name)
	}
	c.shardsMu.RUnlock()

	out := make(map[string][]Instance, len(names))
	for _, name := range names {
		out[name] = c.SnapshotApp(name)
	}
	return out
}

// SnapshotApp returns every instance registered under one application
func (c *Core) SnapshotApp(appName string) []Instance {
	s := c.shardFor(appName)
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// instanceCount is the current live count across every shard
func (c *Core) instanceCount() int {
	c.shardsMu.RLock()
	defer c.shardsMu.RUnlock()
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.instances)
		s.mu.RUnlock()
	}
	return n
}

// Sweep computes expected via an EWMA of sampled instance counts, compares
// it against the current live count, asks the eviction strategy how many
// expirations are tolerable this tick, and expires at most that many
// instances whose lease deadline has already passed, oldest-deadline-first.
// Returns the number of instances actually expired.
func (c *Core) Sweep(now time.Time) int {
	actual := c.instanceCount()
	expected := c.sampleExpected(actual)

	allowed := c.strategy.AllowedToEvict(expected, actual)
	if allowed <= 0 {
		return 0
	}

	expired := c.expiredInstances(now)
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].inst.Lease.deadline().Before(expired[j].inst.Lease.deadline())
	})
	if len(expired) > allowed {
		expired = expired[:allowed]
	}

	for _, e := range expired {
		c.Cancel(e.inst.AppName, e.inst.ID)
	}
	return len(expired)
}

type expiredEntry struct {
	inst Instance
}

func (c *Core) expiredInstances(now time.Time) []expiredEntry {
	c.shardsMu.RLock()
	shards := make([]*shard, 0, len(c.shards))
	for _, s := range c.shards {
		shards = append(shards, s)
	}
	c.shardsMu.RUnlock()

	var out []expiredEntry
	for _, s := range shards {
		s.mu.RLock()
		for _, inst := range s.instances {
			if now.After(inst.Lease.deadline()) {
				out = append(out, expiredEntry{inst: inst})
			}
		}
		s.mu.RUnlock()
	}
	return out
}

func (c *Core) sampleExpected(sample int) int {
	c.ewmaMu.Lock()
	defer c.ewmaMu.Unlock()

	if !c.ewmaPrimed {
		c.ewma = float64(sample)
		c.ewmaPrimed = true
	} else {
		c.ewma = c.ewmaAlpha*float64(sample) + (1-c.ewmaAlpha)*c.ewma
	}
	return int(c.ewma)
}
