// Package instance owns the authoritative descriptor for this process: the
// single-writer record of who we are, where we can be reached, and what
// status we're in, fanned out to listeners on every change
package instance

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"discoveryd/internal/platform/logger"
)

// Status is the lifecycle state of an instance
type Status string

const (
	StatusStarting    Status = "STARTING"
	StatusUp          Status = "UP"
	StatusDown        Status = "DOWN"
	StatusOutOfService Status = "OUT_OF_SERVICE"
	StatusUnknown     Status = "UNKNOWN"
)

// StatusMapper turns a raw requested status into the status that should
// actually be applied, or "" to mean "no change". Pure function, no
// side effects: the manager owns all mutation and event dispatch.
type StatusMapper func(raw Status) Status

// DefaultStatusMapper applies the requested status unchanged
func DefaultStatusMapper(raw Status) Status { return raw }

// LeaseInfo mirrors the registry's renewal/expiration contract for this
// instance's registration
type LeaseInfo struct {
	RenewalIntervalSeconds   int
	DurationSeconds          int
	LastRenewalTimestamp     int64
}

// DataCenterInfo is the subset of cloud metadata the manager tracks. A change
// in SpotInstanceTerminationTime replaces the stored value and marks the
// descriptor dirty; host/ip are rebuilt only when the re-resolved host name
// differs (see RefreshDataCenterInfoIfRequired)
type DataCenterInfo struct {
	Name                        string
	SpotInstanceTerminationTime string
}

// AddressField names a Descriptor field that can be advertised as this
// instance's reachable address (defaultAddressResolutionOrder)
type AddressField string

const (
	AddressFieldHostName AddressField = "hostName"
	AddressFieldIPAddr   AddressField = "ipAddr"
)

// DefaultAddressResolutionOrder is applied when no order is configured:
// prefer the host name, fall back to the IP
var DefaultAddressResolutionOrder = []AddressField{AddressFieldHostName, AddressFieldIPAddr}

// Descriptor is the immutable-id, mutable-everything-else snapshot clients
// and the registry exchange. Fields other than ID are read under the
// Manager's lock; callers get copies, never the live struct.
//
// Invariant: if SecurePortEnabled is false, SecureVipAddress is
// unobservable — Info()/clone() zero it on every returned copy regardless
// of what is stored internally.
type Descriptor struct {
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

	// Address is the advertised reachable address, derived from HostName/
	// IPAddr according to the configured AddressResolutionOrder
	Address string

	Status Status
	Metadata map[string]string

	Lease      LeaseInfo
	DataCenter DataCenterInfo

	Dirty       bool
	StatusDirty bool
}

func (d Descriptor) clone() Descriptor {
	c := d
	c.Metadata = make(map[string]string, len(d.Metadata))
	for k, v := range d.Metadata {
		c.Metadata[k] = v
	}
	if !c.SecurePortEnabled {
		c.SecureVipAddress = ""
	}
	return c
}

// Option configures optional Descriptor fields at construction time
type Option func(*Descriptor)

// WithAppGroup sets the descriptor's application-group
func WithAppGroup(group string) Option {
	return func(d *Descriptor) { d.AppGroup = group }
}

// WithSecurePort sets the secure port and its enabled bit. If enabled is
// false, SecureVipAddress remains unobservable per the descriptor's
// invariant regardless of what WithSecureVipAddress sets.
func WithSecurePort(port int, enabled bool) Option {
	return func(d *Descriptor) {
		d.SecurePort = port
		d.SecurePortEnabled = enabled
	}
}

// WithVipAddress sets the non-secure virtual host name
func WithVipAddress(vip string) Option {
	return func(d *Descriptor) { d.VipAddress = vip }
}

// WithSecureVipAddress sets the secure virtual host name. Only observable
// through Info() when SecurePortEnabled is true.
func WithSecureVipAddress(vip string) Option {
	return func(d *Descriptor) { d.SecureVipAddress = vip }
}

// StatusChangeEvent is dispatched to every listener when setStatus installs
// a genuinely new status
type StatusChangeEvent struct {
	Prev Status
	Next Status
}

// Listener observes status transitions. A listener that panics or returns
// an error is logged and skipped; it never blocks delivery to the rest.
type Listener func(evt StatusChangeEvent) error

// HostResolverFunc re-resolves this instance's advertised host name,
// honoring a "refresh" hint the way a refreshable config source would
type HostResolverFunc func(refresh bool) (hostName, ipAddr string, err error)

// Manager owns one Descriptor under mutual exclusion
type Manager struct {
	mu         sync.Mutex
	descriptor Descriptor

	listeners   map[int]Listener
	nextListener int

	resolveHost HostResolverFunc

	// addressOrder is defaultAddressResolutionOrder: which descriptor
	// field to advertise as the reachable Address, tried in order
	addressOrder []AddressField
}

// New constructs a Manager for a fresh instance. If id is empty, a uuid is
// generated (per spec's "default id" concession). Non-secure PortEnabled
// defaults to true since a non-secure port was supplied; SecurePortEnabled
// defaults to false until WithSecurePort says otherwise.
func New(id, appName, hostName, ipAddr string, port int, resolveHost HostResolverFunc, opts ...Option) *Manager {
	if id == "" {
		id = uuid.NewString()
	}
	descriptor := Descriptor{
		ID:          id,
		AppName:     appName,
		HostName:    hostName,
		IPAddr:      ipAddr,
		Port:        port,
		PortEnabled: true,
		Status:      StatusStarting,
		Metadata:    map[string]string{},
	}
	for _, opt := range opts {
		opt(&descriptor)
	}

	m := &Manager{
		descriptor:   descriptor,
		listeners:    map[int]Listener{},
		resolveHost:  resolveHost,
		addressOrder: DefaultAddressResolutionOrder,
	}
	m.descriptor.Address = m.resolveAddress()
	return m
}

// SetAddressResolutionOrder installs the field order used to derive
// Descriptor.Address (defaultAddressResolutionOrder), re-deriving it
// immediately against the current HostName/IPAddr
func (m *Manager) SetAddressResolutionOrder(order []AddressField) {
	if len(order) == 0 {
		order = DefaultAddressResolutionOrder
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addressOrder = order
	m.descriptor.Address = m.resolveAddress()
}

// resolveAddress picks the first non-empty field named in addressOrder,
// falling back to HostName. Callers must hold m.mu.
func (m *Manager) resolveAddress() string {
	for _, f := range m.addressOrder {
		switch f {
		case AddressFieldHostName:
			if m.descriptor.HostName != "" {
				return m.descriptor.HostName
			}
		case AddressFieldIPAddr:
			if m.descriptor.IPAddr != "" {
				return m.descriptor.IPAddr
			}
		}
	}
	return m.descriptor.HostName
}

// Info returns a defensive copy of the current descriptor
func (m *Manager) Info() Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.descriptor.clone()
}

// RegisterAppMetadata merges kv into the descriptor's runtime metadata
func (m *Manager) RegisterAppMetadata(kv map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range kv {
		m.descriptor.Metadata[k] = v
	}
	m.descriptor.Dirty = true
}

// SetStatus runs raw through mapper (or DefaultStatusMapper if mapper is
// nil), and if the result is non-empty and differs from the current status,
// installs it, marks the descriptor dirty, and fans out a StatusChangeEvent
// to every listener in registration order. A listener's panic or error is
// logged and does not stop the remaining listeners from being notified.
func (m *Manager) SetStatus(raw Status, mapper StatusMapper) {
	if mapper == nil {
		mapper = DefaultStatusMapper
	}
	next := mapper(raw)
	if next == "" {
		return
	}

	m.mu.Lock()
	prev := m.descriptor.Status
	if next == prev {
		m.mu.Unlock()
		return
	}
	m.descriptor.Status = next
	m.descriptor.Dirty = true
	m.descriptor.StatusDirty = true

	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	listeners := make(map[int]Listener, len(ids))
	for _, id := range ids {
		listeners[id] = m.listeners[id]
	}
	m.mu.Unlock()

	m.dispatch(listeners, ids, StatusChangeEvent{Prev: prev, Next: next})
}

func (m *Manager) dispatch(listeners map[int]Listener, ids []int, evt StatusChangeEvent) {
	log := logger.Named("instance-manager")
	// ids come from map iteration; sort them so listeners run in ascending
	// registration-id order, which this manager treats as the canonical
	// dispatch order
	sortInts(ids)
	for _, id := range ids {
		l := listeners[id]
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Warn().Interface("panic", r).Int("listener", id).Msg("status listener panicked, skipping")
				}
			}()
			if err := l(evt); err != nil {
				log.Warn().Err(err).Int("listener", id).Msg("status listener returned an error, skipping")
			}
		}()
	}
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}

// RegisterStatusChangeListener adds l and returns an id usable with
// UnregisterStatusChangeListener
func (m *Manager) RegisterStatusChangeListener(l Listener) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = l
	return id
}

// UnregisterStatusChangeListener removes the listener with the given id
func (m *Manager) UnregisterStatusChangeListener(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, id)
}

// RefreshDataCenterInfoIfRequired re-resolves the host name with refresh=true.
// If it differs from the stored host, the host/ip fields are rebuilt and the
// descriptor is marked dirty. It also marks dirty when the data center's spot
// instance termination hint changes, even if the host name is unchanged.
func (m *Manager) RefreshDataCenterInfoIfRequired(dc DataCenterInfo) error {
	if m.resolveHost == nil {
		return nil
	}
	host, ip, err := m.resolveHost(true)
	if err != nil {
		logger.Named("instance-manager").Warn().Err(err).Msg("host refresh failed, keeping stored host")
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if host != m.descriptor.HostName {
		m.descriptor.HostName = host
		m.descriptor.IPAddr = ip
		m.descriptor.Address = m.resolveAddress()
		m.descriptor.Dirty = true
	}
	if dc.SpotInstanceTerminationTime != m.descriptor.DataCenter.SpotInstanceTerminationTime {
		m.descriptor.DataCenter = dc
		m.descriptor.Dirty = true
	}
	return nil
}

// RefreshLeaseInfoIfRequired compares the descriptor's lease against cfg and,
// if either value differs, installs cfg and marks the descriptor dirty.
func (m *Manager) RefreshLeaseInfoIfRequired(cfg LeaseInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.RenewalIntervalSeconds == m.descriptor.Lease.RenewalIntervalSeconds &&
		cfg.DurationSeconds == m.descriptor.Lease.DurationSeconds {
		return
	}
	cfg.LastRenewalTimestamp = m.descriptor.Lease.LastRenewalTimestamp
	m.descriptor.Lease = cfg
	m.descriptor.Dirty = true
}

// ClearDirty resets both dirty flags. Only the client's push pipeline
// (see internal/client) is meant to call this.
func (m *Manager) ClearDirty() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.descriptor.Dirty = false
	m.descriptor.StatusDirty = false
}

// RenewLease stamps LastRenewalTimestamp, used by the client's heartbeat task
func (m *Manager) RenewLease(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.descriptor.Lease.LastRenewalTimestamp = now.UnixMilli()
}

// defaultManager is the process-wide instance pointer kept only so legacy
// callers that cannot be given a Manager by injection can still reach one.
// New code should take a *Manager as a dependency instead.
var defaultManager atomic.Pointer[Manager]

// SetDefault installs m as the process-wide default manager
func SetDefault(m *Manager) { defaultManager.Store(m) }

// Default returns the process-wide default manager, or nil if none was set
func Default() *Manager { return defaultManager.Load() }
