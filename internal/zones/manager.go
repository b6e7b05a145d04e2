// Package zones owns the set of live zone actors: creation from registered
// extensions, lookup, routing of decoded calls, and the maintenance loop
// that flushes lifecycle telemetry.
package zones

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zonekit/server/internal/core/event"
	"github.com/zonekit/server/internal/core/zone"
	"github.com/zonekit/server/internal/session"
	"go.uber.org/zap"
)

var (
	ErrUnknownExtension = errors.New("unknown extension")
	ErrZoneExists       = errors.New("zone already exists")
	ErrUnknownZone      = errors.New("unknown zone")
)

// ExtensionFactory produces a fresh hook set for a new zone instance.
// Factories run once per zone so extensions holding per-zone resources
// (a Lua state, a world) get their own copies.
type ExtensionFactory func() (zone.Hooks, error)

// Manager tracks live zones and the extension factories they are built from.
type Manager struct {
	mu         sync.RWMutex
	zones      map[string]*zone.Zone
	extensions map[string]ExtensionFactory

	sessions *session.Registry
	events   *event.Bus
	log      *zap.Logger

	stopMaint chan struct{}
	maintDone chan struct{}
}

func NewManager(sessions *session.Registry, events *event.Bus, log *zap.Logger) *Manager {
	return &Manager{
		zones:      make(map[string]*zone.Zone),
		extensions: make(map[string]ExtensionFactory),
		sessions:   sessions,
		events:     events,
		log:        log,
	}
}

// RegisterExtension makes a named extension available to CreateZone.
func (m *Manager) RegisterExtension(name string, factory ExtensionFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extensions[name] = factory
}

// CreateZone starts a zone from a registered extension. zone.ErrIgnored and
// *zone.StopError pass through so callers can tell a declined start from a
// failed one.
func (m *Manager) CreateZone(id, extensionName string, args any, cfg zone.Config) (*zone.Zone, error) {
	m.mu.RLock()
	factory, ok := m.extensions[extensionName]
	_, exists := m.zones[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExtension, extensionName)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrZoneExists, id)
	}

	hooks, err := factory()
	if err != nil {
		return nil, fmt.Errorf("extension %s: %w", extensionName, err)
	}

	z, err := zone.Start(zone.Options{
		ID:       id,
		Hooks:    hooks,
		Args:     args,
		Config:   cfg,
		Sessions: m.sessions,
		Events:   m.events,
		Logger:   m.log,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, dup := m.zones[id]; dup {
		m.mu.Unlock()
		z.Stop()
		return nil, fmt.Errorf("%w: %s", ErrZoneExists, id)
	}
	m.zones[id] = z
	m.mu.Unlock()
	return z, nil
}

// Get returns a live zone by ID.
func (m *Manager) Get(id string) (*zone.Zone, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	z, ok := m.zones[id]
	return z, ok
}

// StopZone stops and forgets a zone.
func (m *Manager) StopZone(id string) error {
	m.mu.Lock()
	z, ok := m.zones[id]
	delete(m.zones, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownZone, id)
	}
	z.Stop()
	return nil
}

// Each calls fn for every live zone.
func (m *Manager) Each(fn func(z *zone.Zone)) {
	m.mu.RLock()
	zs := make([]*zone.Zone, 0, len(m.zones))
	for _, z := range m.zones {
		zs = append(zs, z)
	}
	m.mu.RUnlock()
	for _, z := range zs {
		fn(z)
	}
}

// Count reports the number of live zones.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.zones)
}

// StartMaintenance launches the loop that flushes the telemetry bus at the
// given cadence.
func (m *Manager) StartMaintenance(interval time.Duration) {
	m.stopMaint = make(chan struct{})
	m.maintDone = make(chan struct{})
	go func() {
		defer close(m.maintDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.events.Dispatch()
			case <-m.stopMaint:
				m.events.Dispatch() // final flush
				return
			}
		}
	}()
}

// Shutdown stops the maintenance loop and every live zone.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	zs := m.zones
	m.zones = make(map[string]*zone.Zone)
	m.mu.Unlock()

	for id, z := range zs {
		z.Stop()
		m.log.Info("zone shut down", zap.String("zone", id))
	}
	if m.stopMaint != nil {
		close(m.stopMaint)
		<-m.maintDone
	}
}
