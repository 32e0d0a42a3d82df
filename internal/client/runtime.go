// Package client wires an instance.Manager and a topology.Mapper together
// with three supervised background tasks: a lease heartbeat, a registry
// snapshot fetch, and the instance-info replicator that is the only path
// allowed to clear a descriptor's dirty flags
package client

import (
	"context"
	"net/http"
	"time"

	"discoveryd/internal/instance"
	"discoveryd/internal/platform/logger"
	"discoveryd/internal/supervisor"
	"discoveryd/internal/topology"
)

// RegistryClient is the narrow seam Runtime needs against the registry's
// HTTP surface; production code backs this with an http.Client, tests with
// a stub
type RegistryClient interface {
	Renew(ctx context.Context, host, app, id string) error
	FetchSnapshot(ctx context.Context, host, app string) ([]byte, error)
	PushInstanceInfo(ctx context.Context, host string, desc instance.Descriptor) error
}

// RegionHosts maps a region to the registry host that serves it
type RegionHosts map[string]string

// Config controls task cadence and topology
type Config struct {
	App              string
	DefaultZone      string
	HeartbeatTimeout time.Duration
	FetchTimeout     time.Duration
	ReplicateTimeout time.Duration
	BackoffBound     int
	RegionHosts      RegionHosts

	// LeaseRenewalIntervalSeconds/LeaseExpirationDurationSeconds mirror
	// leaseRenewalIntervalInSeconds/leaseExpirationDurationInSeconds:
	// checked once per heartbeat tick against the descriptor's installed
	// lease, so an operator changing either value is actually detected.
	LeaseRenewalIntervalSeconds    int
	LeaseExpirationDurationSeconds int
}

// Runtime owns the client-side supervised tasks for one instance
type Runtime struct {
	manager  *instance.Manager
	topology *topology.Mapper
	registry RegistryClient
	cfg      Config

	pool *supervisor.Pool

	heartbeat *supervisor.Task
	fetch     *supervisor.Task
	replicate *supervisor.Task

	snapshot []byte // most recently fetched registry peer cache
}

// New wires a Runtime from its collaborators. pool is shared across all
// three tasks, matching the "one worker pool per supervisor" contract at
// the task level while letting a single process share one pool.
func New(manager *instance.Manager, mapper *topology.Mapper, registryClient RegistryClient, cfg Config) *Runtime {
	if cfg.BackoffBound < 1 {
		cfg.BackoffBound = 8
	}
	rt := &Runtime{
		manager:  manager,
		topology: mapper,
		registry: registryClient,
		cfg:      cfg,
		pool:     supervisor.NewPool(4),
	}

	rt.heartbeat = supervisor.New("heartbeat", rt.runHeartbeat, rt.pool, cfg.HeartbeatTimeout, cfg.BackoffBound)
	rt.fetch = supervisor.New("registry-fetch", rt.runFetch, rt.pool, cfg.FetchTimeout, cfg.BackoffBound)
	rt.replicate = supervisor.New("instance-replicate", rt.runReplicate, rt.pool, cfg.ReplicateTimeout, cfg.BackoffBound)

	return rt
}

// Start launches all three supervised tasks
func (rt *Runtime) Start() {
	rt.heartbeat.Start()
	rt.fetch.Start()
	rt.replicate.Start()
}

// Stop cancels all three supervised tasks. In-flight runs complete on
// their own; Stop only prevents further scheduling.
func (rt *Runtime) Stop() {
	rt.heartbeat.Cancel()
	rt.fetch.Cancel()
	rt.replicate.Cancel()
}

// TargetHost resolves zone to a region via the topology mapper, then looks
// up that region's registry host. Falls back to DefaultZone's region if the
// zone doesn't resolve, and returns "", false if neither does.
func (rt *Runtime) TargetHost(zone string) (string, bool) {
	region, ok := rt.topology.RegionFor(zone)
	if !ok {
		region, ok = rt.topology.RegionFor(rt.cfg.DefaultZone)
		if !ok {
			return "", false
		}
	}
	host, ok := rt.cfg.RegionHosts[region]
	return host, ok
}

func (rt *Runtime) runHeartbeat(ctx context.Context) error {
	if rt.cfg.LeaseRenewalIntervalSeconds > 0 || rt.cfg.LeaseExpirationDurationSeconds > 0 {
		rt.manager.RefreshLeaseInfoIfRequired(instance.LeaseInfo{
			RenewalIntervalSeconds: rt.cfg.LeaseRenewalIntervalSeconds,
			DurationSeconds:        rt.cfg.LeaseExpirationDurationSeconds,
		})
	}

	desc := rt.manager.Info()
	host, ok := rt.TargetHost(rt.cfg.DefaultZone)
	if !ok {
		return errNoTargetHost
	}
	if err := rt.registry.Renew(ctx, host, rt.cfg.App, desc.ID); err != nil {
		return err
	}
	rt.manager.RenewLease(time.Now())
	return nil
}

func (rt *Runtime) runFetch(ctx context.Context) error {
	host, ok := rt.TargetHost(rt.cfg.DefaultZone)
	if !ok {
		return errNoTargetHost
	}
	snap, err := rt.registry.FetchSnapshot(ctx, host, rt.cfg.App)
	if err != nil {
		return err
	}
	rt.snapshot = snap
	return nil
}

// runReplicate pushes the descriptor's dirty state to the registry. It is
// the only task allowed to clear Dirty/StatusDirty, and only after a
// successful push.
func (rt *Runtime) runReplicate(ctx context.Context) error {
	desc := rt.manager.Info()
	if !desc.Dirty && !desc.StatusDirty {
		return nil
	}

	host, ok := rt.TargetHost(rt.cfg.DefaultZone)
	if !ok {
		return errNoTargetHost
	}
	if err := rt.registry.PushInstanceInfo(ctx, host, desc); err != nil {
		logger.Named("client").Warn().Err(err).Msg("instance info push failed, dirty flags left set")
		return err
	}
	rt.manager.ClearDirty()
	return nil
}

// Snapshot returns the most recently fetched registry peer cache, or nil if
// no fetch has succeeded yet
func (rt *Runtime) Snapshot() []byte { return rt.snapshot }

var errNoTargetHost = &targetHostError{}

type targetHostError struct{}

func (e *targetHostError) Error() string { return "no registry host resolves for the configured zone" }

// HTTPRegistryClient is the production RegistryClient, talking to the
// registry's concrete apps HTTP surface
type HTTPRegistryClient struct {
	Client *http.Client
}

var _ RegistryClient = (*HTTPRegistryClient)(nil)
