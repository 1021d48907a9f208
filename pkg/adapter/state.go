// Package adapter implements the driver and app adapters: the
// per-node runtimes that own a plugin instance and drive it against
// the bus, the group/tag model, and the metrics registry. Grounded on
// cuemby-warren's scheduler (pkg/scheduler/scheduler.go) for its
// ticker-driven loop shape and on the original gateway's adapter state
// machine and scheduling algorithm (src/core, referenced via
// manager_internal.c and group.c).
package adapter

import (
	"fmt"
	"sync"

	"github.com/cuemby/fieldbus/pkg/errcode"
	"github.com/cuemby/fieldbus/pkg/node"
)

// transition enumerates the legal state machine edges shared by
// drivers and apps:
//
//	IDLE --init--> INIT --setting?--> READY --start--> RUNNING
//	IDLE --start--> RUNNING (freshly constructed adapter, no Init/Ready step)
//	RUNNING --stop--> STOPPED --start--> RUNNING
//	any --uninit--> IDLE (terminal before destroy)
var transitions = map[node.State]map[node.State]bool{
	node.StateIdle:    {node.StateInit: true, node.StateRunning: true},
	node.StateInit:    {node.StateReady: true, node.StateIdle: true},
	node.StateReady:   {node.StateRunning: true, node.StateIdle: true},
	node.StateRunning: {node.StateStopped: true, node.StateIdle: true},
	node.StateStopped: {node.StateRunning: true, node.StateIdle: true},
}

// stateMachine guards an adapter's lifecycle state. Admin commands
// that don't match a legal transition fail with NodeStateInvalid and
// never implicitly advance state.
type stateMachine struct {
	mu    sync.Mutex
	state node.State
}

func newStateMachine() *stateMachine {
	return &stateMachine{state: node.StateIdle}
}

func (sm *stateMachine) Current() node.State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

func (sm *stateMachine) Transition(to node.State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !transitions[sm.state][to] {
		return errcode.Newf(errcode.NodeStateInvalid, "cannot go from %s to %s", sm.state, to)
	}
	sm.state = to
	return nil
}

func (sm *stateMachine) String() string {
	return fmt.Sprint(sm.Current())
}
