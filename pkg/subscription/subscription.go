// Package subscription implements the bipartite app↔driver
// subscription index described by the original gateway's subscription
// manager: two hash views over the same set of subscriptions, one
// keyed by app and one by driver, so both "what does this app want"
// and "who listens to this driver's group" resolve in O(1) average
// case instead of a table scan.
package subscription

import (
	"sync"

	"github.com/cuemby/fieldbus/pkg/errcode"
)

// Subscription records one app's interest in one (driver, group).
type Subscription struct {
	App    string
	Driver string
	Group  string
	Params map[string]any
	Addr   string // app's bus address, cached for delivery
}

func key(app, driver, group string) string {
	return app + "\x00" + driver + "\x00" + group
}

// Manager holds the bipartite subscription index.
type Manager struct {
	mu       sync.RWMutex
	byKey    map[string]*Subscription
	byApp    map[string]map[string]bool // app -> set of keys
	byDriver map[string]map[string]bool // driver -> set of keys
}

// NewManager creates an empty subscription index.
func NewManager() *Manager {
	return &Manager{
		byKey:    make(map[string]*Subscription),
		byApp:    make(map[string]map[string]bool),
		byDriver: make(map[string]map[string]bool),
	}
}

// Sub inserts a subscription. Re-subscribing the same (app, driver,
// group) replaces the stored params/addr rather than erroring, since
// the original treats SUBSCRIBE_GROUP as idempotent from the caller's
// perspective.
func (m *Manager) Sub(driver, app, group string, params map[string]any, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(app, driver, group)
	m.byKey[k] = &Subscription{App: app, Driver: driver, Group: group, Params: params, Addr: addr}

	if m.byApp[app] == nil {
		m.byApp[app] = make(map[string]bool)
	}
	m.byApp[app][k] = true

	if m.byDriver[driver] == nil {
		m.byDriver[driver] = make(map[string]bool)
	}
	m.byDriver[driver][k] = true
}

// Unsub removes one subscription. Missing subscriptions are a no-op.
func (m *Manager) Unsub(driver, app, group string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(key(app, driver, group))
}

func (m *Manager) removeLocked(k string) {
	sub, ok := m.byKey[k]
	if !ok {
		return
	}
	delete(m.byKey, k)
	delete(m.byApp[sub.App], k)
	if len(m.byApp[sub.App]) == 0 {
		delete(m.byApp, sub.App)
	}
	delete(m.byDriver[sub.Driver], k)
	if len(m.byDriver[sub.Driver]) == 0 {
		delete(m.byDriver, sub.Driver)
	}
}

// UnsubAll removes every subscription belonging to app, returning the
// drivers that lost a subscriber (so callers can notify them).
func (m *Manager) UnsubAll(app string) []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.byApp[app]
	removed := make([]Subscription, 0, len(keys))
	for k := range keys {
		if sub, ok := m.byKey[k]; ok {
			removed = append(removed, *sub)
		}
	}
	for k := range keys {
		m.removeLocked(k)
	}
	return removed
}

// UnsubAllByDriver removes every subscription referencing driver,
// returning the apps that lost their subscription (so callers can
// notify them, e.g. NODE_DELETED).
func (m *Manager) UnsubAllByDriver(driver string) []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.byDriver[driver]
	removed := make([]Subscription, 0, len(keys))
	for k := range keys {
		if sub, ok := m.byKey[k]; ok {
			removed = append(removed, *sub)
		}
	}
	for k := range keys {
		m.removeLocked(k)
	}
	return removed
}

// UpdateParams updates a subscription's params in place, failing with
// GroupNotSubscribe if it doesn't exist.
func (m *Manager) UpdateParams(driver, app, group string, params map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.byKey[key(app, driver, group)]
	if !ok {
		return errcode.New(errcode.GroupNotSubscribe, group)
	}
	sub.Params = params
	return nil
}

// UpdateDriverName re-keys every subscription referencing oldName to
// newName, preserving each subscription's app/group pairing.
func (m *Manager) UpdateDriverName(oldName, newName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renameLocked(func(s *Subscription) bool { return s.Driver == oldName }, func(s *Subscription) { s.Driver = newName })
}

// UpdateAppName re-keys every subscription referencing oldName to
// newName.
func (m *Manager) UpdateAppName(oldName, newName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renameLocked(func(s *Subscription) bool { return s.App == oldName }, func(s *Subscription) { s.App = newName })
}

// UpdateGroupName re-keys every subscription under (driver, oldGroup)
// to (driver, newGroup).
func (m *Manager) UpdateGroupName(driver, oldGroup, newGroup string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renameLocked(
		func(s *Subscription) bool { return s.Driver == driver && s.Group == oldGroup },
		func(s *Subscription) { s.Group = newGroup },
	)
}

func (m *Manager) renameLocked(match func(*Subscription) bool, apply func(*Subscription)) {
	var matched []*Subscription
	for _, sub := range m.byKey {
		if match(sub) {
			matched = append(matched, sub)
		}
	}
	for _, sub := range matched {
		oldKey := key(sub.App, sub.Driver, sub.Group)
		m.removeLocked(oldKey)
		apply(sub)
		newKey := key(sub.App, sub.Driver, sub.Group)
		m.byKey[newKey] = sub
		if m.byApp[sub.App] == nil {
			m.byApp[sub.App] = make(map[string]bool)
		}
		m.byApp[sub.App][newKey] = true
		if m.byDriver[sub.Driver] == nil {
			m.byDriver[sub.Driver] = make(map[string]bool)
		}
		m.byDriver[sub.Driver][newKey] = true
	}
}

// FindByDriver returns every app subscribed to any group of driver.
func (m *Manager) FindByDriver(driver string) []Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := m.byDriver[driver]
	out := make([]Subscription, 0, len(keys))
	for k := range keys {
		if sub, ok := m.byKey[k]; ok {
			out = append(out, *sub)
		}
	}
	return out
}

// Get returns subscriptions matching app, optionally narrowed by
// driver and group (empty string means "any").
func (m *Manager) Get(app, driver, group string) []Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := m.byApp[app]
	out := make([]Subscription, 0, len(keys))
	for k := range keys {
		sub, ok := m.byKey[k]
		if !ok {
			continue
		}
		if driver != "" && sub.Driver != driver {
			continue
		}
		if group != "" && sub.Group != group {
			continue
		}
		out = append(out, *sub)
	}
	return out
}

// Exists reports whether (driver, app, group) is currently recorded.
func (m *Manager) Exists(driver, app, group string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byKey[key(app, driver, group)]
	return ok
}
