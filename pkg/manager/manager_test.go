package manager

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fieldbus/pkg/bus"
	"github.com/cuemby/fieldbus/pkg/group"
	"github.com/cuemby/fieldbus/pkg/node"
	"github.com/cuemby/fieldbus/pkg/plugin"
	"github.com/cuemby/fieldbus/pkg/tag"
)

type stubDriver struct{ settingErr error }

func (s *stubDriver) Open(context.Context) error       { return nil }
func (s *stubDriver) Close() error                      { return nil }
func (s *stubDriver) Init(json.RawMessage) error        { return nil }
func (s *stubDriver) Uninit() error                     { return nil }
func (s *stubDriver) Start() error                      { return nil }
func (s *stubDriver) Stop() error                       { return nil }
func (s *stubDriver) Setting(json.RawMessage) error      { return s.settingErr }
func (s *stubDriver) GroupTimer(*group.Group, plugin.UpdateFunc) error { return nil }

type stubApp struct{ settingErr error }

func (s *stubApp) Open(context.Context) error   { return nil }
func (s *stubApp) Close() error                  { return nil }
func (s *stubApp) Init(json.RawMessage) error    { return nil }
func (s *stubApp) Uninit() error                 { return nil }
func (s *stubApp) Start() error                  { return nil }
func (s *stubApp) Stop() error                    { return nil }
func (s *stubApp) Setting(json.RawMessage) error { return s.settingErr }
func (s *stubApp) Publish(context.Context, string, []byte) error { return nil }

func newTestRegistry(t *testing.T) *plugin.Registry {
	t.Helper()
	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register(plugin.Descriptor{ModuleName: "stub-driver", Type: plugin.TypeDriver}, func() any { return &stubDriver{} }))
	require.NoError(t, reg.Register(plugin.Descriptor{ModuleName: "stub-app", Type: plugin.TypeApp}, func() any { return &stubApp{} }))
	require.NoError(t, reg.Register(plugin.Descriptor{ModuleName: "stub-single", Type: plugin.TypeDriver, Single: true}, func() any { return &stubDriver{} }))
	require.NoError(t, reg.Register(plugin.Descriptor{ModuleName: "stub-driver-fails-setting", Type: plugin.TypeDriver}, func() any { return &stubDriver{settingErr: assert.AnError} }))
	return reg
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	reg := newTestRegistry(t)
	return New(reg, bus.New(), nil)
}

func TestAddNodeCreatesDriverNode(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddNode("d1", "stub-driver", nil, false))

	n, ok := m.Nodes().Find("d1")
	require.True(t, ok)
	assert.Equal(t, plugin.TypeDriver, n.Type)
}

func TestAddNodeRejectsDuplicateName(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddNode("d1", "stub-driver", nil, false))
	err := m.AddNode("d1", "stub-driver", nil, false)
	assert.Error(t, err)
}

func TestAddNodeRejectsUnknownPlugin(t *testing.T) {
	m := newTestManager(t)
	err := m.AddNode("d1", "does-not-exist", nil, false)
	assert.Error(t, err)
}

func TestAddNodeRejectsSecondSingletonInstance(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddNode("s1", "stub-single", nil, false))
	err := m.AddNode("s2", "stub-single", nil, false)
	assert.Error(t, err)
}

func TestAddNodeRollsBackOnSettingFailure(t *testing.T) {
	m := newTestManager(t)
	err := m.AddNode("d1", "stub-driver-fails-setting", []byte(`{"x":1}`), false)
	assert.Error(t, err)

	_, ok := m.Nodes().Find("d1")
	assert.False(t, ok, "node must not survive a setting-apply failure")
	assert.NotContains(t, m.b.Addresses(), "d1", "bus address must be released on rollback")
}

func TestDelNodeRejectsSingleton(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddNode("s1", "stub-single", nil, false))
	err := m.DelNode("s1")
	assert.Error(t, err)
}

func TestDelNodeCascadesAppUnsubscribe(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddNode("d1", "stub-driver", nil, true))
	require.NoError(t, m.AddNode("a1", "stub-app", nil, true))
	require.NoError(t, m.Subscribe("a1", "d1", "g1", nil))

	driverMailbox, err := m.b.Register("observer")
	require.NoError(t, err)
	// Re-route so we can see the UNSUBSCRIBE_GROUP the driver would get:
	// unregister the real driver mailbox and re-register under the same
	// name is unnecessary here since DelNode on the APP side notifies
	// the driver directly; assert via the subscription index instead.
	_ = driverMailbox
	m.b.Unregister("observer")

	require.NoError(t, m.DelNode("a1"))
	assert.Empty(t, m.Subscriptions().FindByDriver("d1"))
}

func TestDelNodeCascadesDriverNotifiesApps(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddNode("d1", "stub-driver", nil, true))
	require.NoError(t, m.AddNode("a1", "stub-app", nil, true))
	require.NoError(t, m.Subscribe("a1", "d1", "g1", nil))

	require.NoError(t, m.DelNode("d1"))
	assert.Empty(t, m.Subscriptions().Get("a1", "", ""))
}

func TestSubscribeRejectsUnknownNodes(t *testing.T) {
	m := newTestManager(t)
	err := m.Subscribe("missing-app", "missing-driver", "g1", nil)
	assert.Error(t, err)
}

func TestSubscribeRejectsEmptyMQTTTopic(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddNode("d1", "stub-driver", nil, true))

	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register(plugin.Descriptor{ModuleName: "MQTT", Type: plugin.TypeApp}, func() any { return &stubApp{} }))
	mqttManager := New(reg, m.b, nil)
	mqttManager.nodes = m.nodes
	mqttManager.drivers = m.drivers
	require.NoError(t, mqttManager.AddNode("a1", "MQTT", nil, true))

	err := mqttManager.Subscribe("a1", "d1", "g1", map[string]any{"topic": ""})
	assert.Error(t, err)
}

func TestSubscribeRecordsRouteAndSubscription(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddNode("d1", "stub-driver", nil, true))
	require.NoError(t, m.AddNode("a1", "stub-app", nil, true))

	require.NoError(t, m.Subscribe("a1", "d1", "g1", map[string]any{"topic": "t/1"}))
	assert.True(t, m.Subscriptions().Exists("d1", "a1", "g1"))
}

func TestUnsubscribeRemovesSubscriptionAndRoute(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddNode("d1", "stub-driver", nil, true))
	require.NoError(t, m.AddNode("a1", "stub-app", nil, true))
	require.NoError(t, m.Subscribe("a1", "d1", "g1", nil))

	require.NoError(t, m.Unsubscribe("a1", "d1", "g1"))
	assert.False(t, m.Subscriptions().Exists("d1", "a1", "g1"))
}

func TestAddDriversAtomicRollbackOnFailure(t *testing.T) {
	m := newTestManager(t)

	specs := []DriverSpec{
		{Node: "d1", Plugin: "stub-driver", Groups: []GroupSpec{
			{Name: "g1", Interval: time.Second, Tags: []*tag.Tag{
				{Name: "v1", Type: tag.TypeInt16, Address: "100", Attribute: tag.AttrRead},
			}},
		}},
		{Node: "d2", Plugin: "does-not-exist"},
	}

	err := m.AddDrivers(specs)
	assert.Error(t, err)
	_, ok := m.Nodes().Find("d1")
	assert.False(t, ok, "successfully added driver must be rolled back when a later one fails")
}

func TestAddDriversSucceedsAndWiresTags(t *testing.T) {
	m := newTestManager(t)

	specs := []DriverSpec{
		{Node: "d1", Plugin: "stub-driver", Groups: []GroupSpec{
			{Name: "g1", Interval: time.Second, Tags: []*tag.Tag{
				{Name: "v1", Type: tag.TypeInt16, Address: "100", Attribute: tag.AttrRead},
			}},
		}},
	}

	require.NoError(t, m.AddDrivers(specs))
	_, ok := m.Nodes().Find("d1")
	assert.True(t, ok)
}

// TestStartAllStartsNodesLeftIdleByReplay covers the boot path where
// AddNode/AddDrivers are called with start=false (as replay does) and
// the daemon later brings every node live in one pass.
func TestStartAllStartsNodesLeftIdleByReplay(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddNode("d1", "stub-driver", nil, false))
	require.NoError(t, m.AddNode("a1", "stub-app", nil, false))

	d1, ok := m.Nodes().Find("d1")
	require.True(t, ok)
	assert.Equal(t, node.StateInit, d1.State)

	require.NoError(t, m.StartAll())

	d1, ok = m.Nodes().Find("d1")
	require.True(t, ok)
	assert.Equal(t, node.StateRunning, d1.State)

	a1, ok := m.Nodes().Find("a1")
	require.True(t, ok)
	assert.Equal(t, node.StateRunning, a1.State)

	// Idempotent: nodes already running are skipped, not re-started.
	require.NoError(t, m.StartAll())
}

func TestForwardRewritesSenderAndReceiver(t *testing.T) {
	m := newTestManager(t)
	mailbox, err := m.b.Register("dest")
	require.NoError(t, err)

	require.NoError(t, m.Forward(&bus.Message{Header: bus.Header{Type: bus.GetNodes, Sender: "x"}}, "dest"))

	msg := <-mailbox
	assert.Equal(t, "manager", msg.Header.Sender)
	assert.Equal(t, "dest", msg.Header.Receiver)
}
