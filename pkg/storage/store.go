// Package storage persists the manager's configuration — nodes, their
// settings, their groups and tags, and the subscription index — so a
// restart can rebuild the running gateway without an admin replaying
// every call by hand. Grounded on cuemby-warren's pkg/storage/store.go
// for the per-entity CRUD interface shape, re-keyed to this domain's
// entities and backed by go.etcd.io/bbolt exactly as the teacher is.
package storage

import (
	"encoding/json"
	"time"

	"github.com/cuemby/fieldbus/pkg/plugin"
	"github.com/cuemby/fieldbus/pkg/tag"
)

// StoredNode is the persisted record for one node: enough to replay
// Manager.AddNode on boot.
type StoredNode struct {
	Name    string          `json:"name"`
	Plugin  string          `json:"plugin"`
	Type    plugin.Type     `json:"type"`
	Single  bool            `json:"single"`
	Setting json.RawMessage `json:"setting,omitempty"`
}

// StoredGroup is the persisted record for one driver's group, enough
// to replay DriverAdapter.AddGTag on boot.
type StoredGroup struct {
	Driver   string        `json:"driver"`
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Tags     []*tag.Tag    `json:"tags"`
}

// StoredSubscription is the persisted record for one subscription,
// enough to replay Manager.Subscribe on boot.
type StoredSubscription struct {
	Driver string         `json:"driver"`
	App    string         `json:"app"`
	Group  string         `json:"group"`
	Params map[string]any `json:"params,omitempty"`
}

// Store defines the persistence interface for gateway configuration.
// Implementations must make every method safe for concurrent use.
type Store interface {
	// Nodes
	SaveNode(n StoredNode) error
	GetNode(name string) (StoredNode, error)
	ListNodes() ([]StoredNode, error)
	DeleteNode(name string) error

	// Groups (and their tags)
	SaveGroup(g StoredGroup) error
	ListGroups(driver string) ([]StoredGroup, error)
	DeleteGroup(driver, name string) error
	DeleteGroupsByDriver(driver string) error

	// Subscriptions
	SaveSubscription(s StoredSubscription) error
	ListSubscriptions() ([]StoredSubscription, error)
	DeleteSubscription(driver, app, group string) error
	DeleteSubscriptionsByDriver(driver string) error
	DeleteSubscriptionsByApp(app string) error

	Close() error
}
