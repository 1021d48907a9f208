package storage

import (
	"fmt"

	"github.com/cuemby/fieldbus/pkg/manager"
	"github.com/cuemby/fieldbus/pkg/plugin"
)

// Replay rebuilds m's node table, groups, tags, and subscriptions from
// store, in the order each step's prerequisites demand: nodes (so
// plugin instances and their adapters exist), then each driver's
// groups and tags, then subscriptions (which need both endpoints to
// already exist).
func Replay(store Store, m *manager.Manager) error {
	nodes, err := store.ListNodes()
	if err != nil {
		return fmt.Errorf("storage: replay nodes: %w", err)
	}

	var driverSpecs []manager.DriverSpec
	for _, n := range nodes {
		if n.Type != plugin.TypeDriver {
			continue
		}
		groups, err := store.ListGroups(n.Name)
		if err != nil {
			return fmt.Errorf("storage: replay groups for %q: %w", n.Name, err)
		}
		spec := manager.DriverSpec{Node: n.Name, Plugin: n.Plugin, Setting: n.Setting}
		for _, g := range groups {
			spec.Groups = append(spec.Groups, manager.GroupSpec{Name: g.Name, Interval: g.Interval, Tags: g.Tags})
		}
		driverSpecs = append(driverSpecs, spec)
	}
	if len(driverSpecs) > 0 {
		if err := m.AddDrivers(driverSpecs); err != nil {
			return fmt.Errorf("storage: replay drivers: %w", err)
		}
	}

	for _, n := range nodes {
		if n.Type != plugin.TypeApp {
			continue
		}
		if err := m.AddNode(n.Name, n.Plugin, n.Setting, false); err != nil {
			return fmt.Errorf("storage: replay node %q: %w", n.Name, err)
		}
	}

	subs, err := store.ListSubscriptions()
	if err != nil {
		return fmt.Errorf("storage: replay subscriptions: %w", err)
	}
	for _, sub := range subs {
		if err := m.Subscribe(sub.App, sub.Driver, sub.Group, sub.Params); err != nil {
			return fmt.Errorf("storage: replay subscription %s/%s/%s: %w", sub.App, sub.Driver, sub.Group, err)
		}
	}
	return nil
}

// Persist hooks store saves onto m's mutation methods is intentionally
// left to the admin-surface caller (out of this module's scope): the
// store only replays at boot, it does not observe live mutations.
