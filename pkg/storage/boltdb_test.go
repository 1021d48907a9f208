package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fieldbus/pkg/plugin"
	"github.com/cuemby/fieldbus/pkg/tag"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBoltStoreNodeRoundTrip(t *testing.T) {
	s := newTestStore(t)

	n := StoredNode{Name: "d1", Plugin: "modbus-tcp", Type: plugin.TypeDriver, Setting: []byte(`{"host":"10.0.0.1"}`)}
	require.NoError(t, s.SaveNode(n))

	got, err := s.GetNode("d1")
	require.NoError(t, err)
	assert.Equal(t, n.Plugin, got.Plugin)
	assert.Equal(t, n.Type, got.Type)

	require.NoError(t, s.DeleteNode("d1"))
	_, err = s.GetNode("d1")
	assert.Error(t, err)
}

func TestBoltStoreListNodes(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveNode(StoredNode{Name: "d1", Plugin: "modbus-tcp", Type: plugin.TypeDriver}))
	require.NoError(t, s.SaveNode(StoredNode{Name: "a1", Plugin: "MQTT", Type: plugin.TypeApp}))

	nodes, err := s.ListNodes()
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestBoltStoreGroupsByDriver(t *testing.T) {
	s := newTestStore(t)

	g1 := StoredGroup{Driver: "d1", Name: "g1", Interval: time.Second, Tags: []*tag.Tag{
		{Name: "v1", Type: tag.TypeInt16, Address: "100"},
	}}
	g2 := StoredGroup{Driver: "d1", Name: "g2", Interval: 2 * time.Second}
	g3 := StoredGroup{Driver: "d2", Name: "g1", Interval: time.Second}
	require.NoError(t, s.SaveGroup(g1))
	require.NoError(t, s.SaveGroup(g2))
	require.NoError(t, s.SaveGroup(g3))

	d1Groups, err := s.ListGroups("d1")
	require.NoError(t, err)
	assert.Len(t, d1Groups, 2)

	all, err := s.ListGroups("")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, s.DeleteGroupsByDriver("d1"))
	remaining, err := s.ListGroups("")
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
	assert.Equal(t, "d2", remaining[0].Driver)
}

func TestBoltStoreSubscriptionFiltering(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveSubscription(StoredSubscription{Driver: "d1", App: "a1", Group: "g1"}))
	require.NoError(t, s.SaveSubscription(StoredSubscription{Driver: "d1", App: "a2", Group: "g1"}))
	require.NoError(t, s.SaveSubscription(StoredSubscription{Driver: "d2", App: "a1", Group: "g1"}))

	all, err := s.ListSubscriptions()
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, s.DeleteSubscriptionsByApp("a1"))
	remaining, err := s.ListSubscriptions()
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
	assert.Equal(t, "a2", remaining[0].App)
}
