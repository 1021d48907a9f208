// Package node implements the in-memory adapter registry: the table
// the manager consults to resolve a node name to its bus address and
// plugin metadata. Grounded on the original gateway's node manager
// (neu_manager's node table) and, for its locking/lookup shape, on
// cuemby-warren's node registry patterns.
package node

import (
	"sync"

	"github.com/cuemby/fieldbus/pkg/errcode"
	"github.com/cuemby/fieldbus/pkg/plugin"
)

// State is the adapter lifecycle state shared by drivers and apps.
type State int

const (
	StateIdle State = iota
	StateInit
	StateReady
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Node is one registered adapter: its identity, plugin binding, and
// current lifecycle state.
type Node struct {
	Name    string
	Plugin  string // registered plugin module name
	Type    plugin.Type
	Address string // bus address; equal to Name in this design
	Single  bool   // plugin is marked singleton
	State   State
}

// Table is the node manager's registry: an in-memory map keyed by
// adapter name, guarded by a reader-writer lock since reads (route
// resolution on every scheduling tick) vastly outnumber writes (admin
// operations).
type Table struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewTable creates an empty node table.
func NewTable() *Table {
	return &Table{nodes: make(map[string]*Node)}
}

// Add registers a new node, failing with NodeExist if the name is
// already taken.
func (t *Table) Add(n *Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.nodes[n.Name]; exists {
		return errcode.New(errcode.NodeExist, n.Name)
	}
	t.nodes[n.Name] = n
	return nil
}

// Del removes a node by name. Deleting an absent node is a no-op.
func (t *Table) Del(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, name)
}

// Find returns a copy of the named node.
func (t *Table) Find(name string) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[name]
	if !ok {
		return nil, false
	}
	c := *n
	return &c, true
}

// FilterOptions narrows Filter's result set; a nil/zero field means
// "don't filter on this dimension".
type FilterOptions struct {
	Type   *plugin.Type
	Plugin string
	Name   string
}

// Filter returns copies of every node matching the given options.
func (t *Table) Filter(opts FilterOptions) []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		if opts.Type != nil && n.Type != *opts.Type {
			continue
		}
		if opts.Plugin != "" && n.Plugin != opts.Plugin {
			continue
		}
		if opts.Name != "" && n.Name != opts.Name {
			continue
		}
		c := *n
		out = append(out, &c)
	}
	return out
}

// GetAddr returns the bus address for a node name.
func (t *Table) GetAddr(name string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[name]
	if !ok {
		return "", false
	}
	return n.Address, true
}

// IsDriver reports whether name refers to a DRIVER-type node.
func (t *Table) IsDriver(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[name]
	return ok && n.Type == plugin.TypeDriver
}

// IsSingle reports whether name's plugin is a singleton.
func (t *Table) IsSingle(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[name]
	return ok && n.Single
}

// UpdateName renames a node transactionally: either both the removal
// of the old key and the insertion under the new key succeed, or
// neither does.
func (t *Table) UpdateName(oldName, newName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[oldName]
	if !ok {
		return errcode.New(errcode.NodeNotExist, oldName)
	}
	if _, exists := t.nodes[newName]; exists {
		return errcode.New(errcode.NodeExist, newName)
	}

	delete(t.nodes, oldName)
	n.Name = newName
	n.Address = newName
	t.nodes[newName] = n
	return nil
}

// SetState updates a node's lifecycle state in place.
func (t *Table) SetState(name string, state State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[name]
	if !ok {
		return errcode.New(errcode.NodeNotExist, name)
	}
	n.State = state
	return nil
}
