package client

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"discoveryd/internal/instance"
	"discoveryd/internal/topology"
)

type stubRegistry struct {
	renewCalls    atomic.Int32
	fetchCalls    atomic.Int32
	pushCalls     atomic.Int32
	failRenew     bool
	lastPushDirty bool
}

func (s *stubRegistry) Renew(ctx context.Context, host, app, id string) error {
	s.renewCalls.Add(1)
	if s.failRenew {
		return errTest
	}
	return nil
}

func (s *stubRegistry) FetchSnapshot(ctx context.Context, host, app string) ([]byte, error) {
	s.fetchCalls.Add(1)
	return []byte(`{}`), nil
}

func (s *stubRegistry) PushInstanceInfo(ctx context.Context, host string, desc instance.Descriptor) error {
	s.pushCalls.Add(1)
	s.lastPushDirty = desc.Dirty || desc.StatusDirty
	return nil
}

var errTest = &targetHostError{}

type staticResolver struct{ zones map[string][]string }

func (r staticResolver) Zones(region string) ([]string, error) { return r.zones[region], nil }

func newTestTopology(t *testing.T) *topology.Mapper {
	t.Helper()
	m := topology.New(staticResolver{zones: map[string][]string{
		"us-east-1": {"us-east-1a"},
	}})
	if err := m.SetRegionsToFetch([]string{"us-east-1"}); err != nil {
		t.Fatalf("unexpected rebuild error: %v", err)
	}
	return m
}

func TestRuntime_TargetHostResolvesViaTopology(t *testing.T) {
	mgr := instance.New("id-1", "demo", "host", "1.2.3.4", 8080, nil)
	mapper := newTestTopology(t)
	reg := &stubRegistry{}

	rt := New(mgr, mapper, reg, Config{
		App:         "demo",
		DefaultZone: "us-east-1a",
		RegionHosts: RegionHosts{"us-east-1": "registry.us-east-1.example.com"},
	})

	host, ok := rt.TargetHost("us-east-1a")
	if !ok || host != "registry.us-east-1.example.com" {
		t.Fatalf("TargetHost = (%q, %v), want the configured registry host", host, ok)
	}
}

func TestRuntime_ReplicateOnlyPushesWhenDirty(t *testing.T) {
	mgr := instance.New("id-2", "demo", "host", "1.2.3.4", 8080, nil)
	mapper := newTestTopology(t)
	reg := &stubRegistry{}

	rt := New(mgr, mapper, reg, Config{
		App:         "demo",
		DefaultZone: "us-east-1a",
		RegionHosts: RegionHosts{"us-east-1": "registry.example.com"},
	})

	if err := rt.runReplicate(context.Background()); err != nil {
		t.Fatalf("unexpected error on a clean descriptor: %v", err)
	}
	if reg.pushCalls.Load() != 0 {
		t.Fatal("expected no push for a clean descriptor")
	}

	mgr.RegisterAppMetadata(map[string]string{"k": "v"})
	if err := rt.runReplicate(context.Background()); err != nil {
		t.Fatalf("unexpected error pushing a dirty descriptor: %v", err)
	}
	if reg.pushCalls.Load() != 1 {
		t.Fatalf("expected exactly one push, got %d", reg.pushCalls.Load())
	}
	if mgr.Info().Dirty {
		t.Fatal("expected Dirty to be cleared after a successful push")
	}
}

func TestRuntime_ReplicateLeavesDirtyOnPushFailure(t *testing.T) {
	mgr := instance.New("id-3", "demo", "host", "1.2.3.4", 8080, nil)
	mapper := newTestTopology(t)
	reg := &failingPushRegistry{}

	rt := New(mgr, mapper, reg, Config{
		App:         "demo",
		DefaultZone: "us-east-1a",
		RegionHosts: RegionHosts{"us-east-1": "registry.example.com"},
	})

	mgr.RegisterAppMetadata(map[string]string{"k": "v"})
	if err := rt.runReplicate(context.Background()); err == nil {
		t.Fatal("expected an error from the failing registry push")
	}
	if !mgr.Info().Dirty {
		t.Fatal("expected Dirty to remain set after a failed push")
	}
}

type failingPushRegistry struct{}

func (f *failingPushRegistry) Renew(ctx context.Context, host, app, id string) error { return nil }
func (f *failingPushRegistry) FetchSnapshot(ctx context.Context, host, app string) ([]byte, error) {
	return nil, nil
}
func (f *failingPushRegistry) PushInstanceInfo(ctx context.Context, host string, desc instance.Descriptor) error {
	return errTest
}

func TestRuntime_HeartbeatRefreshesLeaseInfoOnDrift(t *testing.T) {
	mgr := instance.New("id-5", "demo", "host", "1.2.3.4", 8080, nil)
	mapper := newTestTopology(t)
	reg := &stubRegistry{}

	rt := New(mgr, mapper, reg, Config{
		App:                            "demo",
		DefaultZone:                    "us-east-1a",
		RegionHosts:                    RegionHosts{"us-east-1": "registry.example.com"},
		LeaseRenewalIntervalSeconds:    30,
		LeaseExpirationDurationSeconds: 90,
	})

	if err := rt.runHeartbeat(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	info := mgr.Info()
	if info.Lease.RenewalIntervalSeconds != 30 || info.Lease.DurationSeconds != 90 {
		t.Fatalf("expected heartbeat to install the configured lease, got %+v", info.Lease)
	}
}

func TestRuntime_StartAndStop(t *testing.T) {
	mgr := instance.New("id-4", "demo", "host", "1.2.3.4", 8080, nil)
	mapper := newTestTopology(t)
	reg := &stubRegistry{}

	rt := New(mgr, mapper, reg, Config{
		App:              "demo",
		DefaultZone:      "us-east-1a",
		HeartbeatTimeout: 10 * time.Millisecond,
		FetchTimeout:     10 * time.Millisecond,
		ReplicateTimeout: 10 * time.Millisecond,
		RegionHosts:      RegionHosts{"us-east-1": "registry.example.com"},
	})

	rt.Start()
	time.Sleep(50 * time.Millisecond)
	rt.Stop()

	if reg.renewCalls.Load() == 0 {
		t.Fatal("expected at least one heartbeat renew call")
	}
	if reg.fetchCalls.Load() == 0 {
		t.Fatal("expected at least one registry fetch call")
	}
}
