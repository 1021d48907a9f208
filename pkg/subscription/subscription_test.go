package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubAndFindByDriver(t *testing.T) {
	m := NewManager()
	m.Sub("d1", "a1", "g1", nil, "a1")

	subs := m.FindByDriver("d1")
	require.Len(t, subs, 1)
	assert.Equal(t, "a1", subs[0].App)
}

func TestUnsubRemovesFromBothViews(t *testing.T) {
	m := NewManager()
	m.Sub("d1", "a1", "g1", nil, "a1")
	m.Unsub("d1", "a1", "g1")

	assert.Empty(t, m.FindByDriver("d1"))
	assert.Empty(t, m.Get("a1", "", ""))
}

func TestUnsubAllRemovesEveryAppSubscription(t *testing.T) {
	m := NewManager()
	m.Sub("d1", "a1", "g1", nil, "a1")
	m.Sub("d2", "a1", "g2", nil, "a1")
	m.Sub("d1", "a2", "g1", nil, "a2")

	removed := m.UnsubAll("a1")
	assert.Len(t, removed, 2)
	assert.Empty(t, m.Get("a1", "", ""))
	assert.Len(t, m.FindByDriver("d1"), 1, "a2's subscription to d1 must survive")
}

func TestUnsubAllByDriverRemovesEveryReference(t *testing.T) {
	m := NewManager()
	m.Sub("d1", "a1", "g1", nil, "a1")
	m.Sub("d1", "a2", "g1", nil, "a2")

	removed := m.UnsubAllByDriver("d1")
	assert.Len(t, removed, 2)
	assert.Empty(t, m.FindByDriver("d1"))
}

func TestUpdateParamsMissingFails(t *testing.T) {
	m := NewManager()
	err := m.UpdateParams("d1", "a1", "g1", map[string]any{"topic": "x"})
	assert.Error(t, err)
}

func TestUpdateDriverNameRekeys(t *testing.T) {
	m := NewManager()
	m.Sub("d1", "a1", "g1", nil, "a1")
	m.UpdateDriverName("d1", "d1-renamed")

	assert.Empty(t, m.FindByDriver("d1"))
	subs := m.FindByDriver("d1-renamed")
	require.Len(t, subs, 1)
	assert.Equal(t, "d1-renamed", subs[0].Driver)
}

func TestUpdateGroupNameRekeysOnlyMatchingDriver(t *testing.T) {
	m := NewManager()
	m.Sub("d1", "a1", "g1", nil, "a1")
	m.Sub("d2", "a1", "g1", nil, "a1")

	m.UpdateGroupName("d1", "g1", "g1-renamed")

	subsD1 := m.Get("a1", "d1", "g1-renamed")
	require.Len(t, subsD1, 1)
	subsD2 := m.Get("a1", "d2", "g1")
	require.Len(t, subsD2, 1, "d2's group name must be untouched")
}

func TestExists(t *testing.T) {
	m := NewManager()
	assert.False(t, m.Exists("d1", "a1", "g1"))
	m.Sub("d1", "a1", "g1", nil, "a1")
	assert.True(t, m.Exists("d1", "a1", "g1"))
}
