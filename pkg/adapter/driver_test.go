package adapter

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fieldbus/pkg/bus"
	"github.com/cuemby/fieldbus/pkg/group"
	"github.com/cuemby/fieldbus/pkg/plugin"
	"github.com/cuemby/fieldbus/pkg/subscription"
	"github.com/cuemby/fieldbus/pkg/tag"
)

// fakeDriver is a minimal plugin.DriverPlugin. readFunc, when set,
// populates readings for GroupTimer; writeErr governs WriteTag.
type fakeDriver struct {
	readFunc func(g *group.Group, update plugin.UpdateFunc)
	writeErr error
	writes   map[string]any
}

func (f *fakeDriver) Open(context.Context) error       { return nil }
func (f *fakeDriver) Close() error                      { return nil }
func (f *fakeDriver) Init(json.RawMessage) error        { return nil }
func (f *fakeDriver) Uninit() error                     { return nil }
func (f *fakeDriver) Start() error                      { return nil }
func (f *fakeDriver) Stop() error                       { return nil }
func (f *fakeDriver) Setting(json.RawMessage) error      { return nil }

func (f *fakeDriver) GroupTimer(g *group.Group, update plugin.UpdateFunc) error {
	if f.readFunc != nil {
		f.readFunc(g, update)
	}
	return nil
}

func (f *fakeDriver) WriteTag(ctx string, t string, value any, complete plugin.CompletionFunc) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	if f.writes == nil {
		f.writes = make(map[string]any)
	}
	f.writes[t] = value
	if complete != nil {
		complete(ctx, 0)
	}
	return nil
}

// asyncWriteDriver defers its WriteTag completion to a goroutine,
// exercising the bus-originated write path for a plugin that does not
// complete synchronously.
type asyncWriteDriver struct {
	fakeDriver
}

func (f *asyncWriteDriver) WriteTag(ctx string, t string, value any, complete plugin.CompletionFunc) error {
	go func() {
		time.Sleep(5 * time.Millisecond)
		if complete != nil {
			complete(ctx, 0)
		}
	}()
	return nil
}

func readTag(name string, typ tag.Type, addr string, attr tag.Attribute) *tag.Tag {
	return &tag.Tag{Name: name, Type: typ, Address: addr, Attribute: attr}
}

func newTestDriverAdapter(t *testing.T, plug plugin.DriverPlugin) (*DriverAdapter, *bus.Bus) {
	t.Helper()
	b := bus.New()
	subs := subscription.NewManager()
	return NewDriverAdapter("d1", plug, plugin.Descriptor{ModuleName: "fake-driver", Type: plugin.TypeDriver}, b, subs), b
}

func TestDriverAdapterAddGroupAndStartArmsTimer(t *testing.T) {
	plug := &fakeDriver{readFunc: func(g *group.Group, update plugin.UpdateFunc) {
		update("v1", int64(42), 0)
	}}
	d, _ := newTestDriverAdapter(t, plug)
	defer d.Close()

	g := group.New("g1", 10*time.Millisecond)
	require.NoError(t, g.AddTag(readTag("v1", tag.TypeInt16, "100", tag.AttrRead)))
	require.NoError(t, d.AddGroup(g))
	require.NoError(t, d.Start())

	assert.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		snap, ok := d.snapshot["g1"]
		return ok && snap["v1"].value == int64(42)
	}, time.Second, 5*time.Millisecond)
}

func TestDriverAdapterPublishesToSubscribedApp(t *testing.T) {
	plug := &fakeDriver{readFunc: func(g *group.Group, update plugin.UpdateFunc) {
		update("v1", int64(7), 0)
	}}
	d, b := newTestDriverAdapter(t, plug)
	defer d.Close()

	mailbox, err := b.Register("app1")
	require.NoError(t, err)

	subs := subscription.NewManager()
	subs.Sub("d1", "app1", "g1", nil, "app1")
	d.subs = subs

	g := group.New("g1", 10*time.Millisecond)
	require.NoError(t, g.AddTag(readTag("v1", tag.TypeInt16, "100", tag.AttrRead)))
	require.NoError(t, d.AddGroup(g))
	require.NoError(t, d.Start())

	select {
	case msg := <-mailbox:
		assert.Equal(t, bus.TransData, msg.Header.Type)
		body := msg.Body.(bus.TransDataBody)
		assert.Equal(t, "g1", body.Group)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for TRANS_DATA")
	}
}

func TestDriverAdapterWriteTagCoercesAndDispatches(t *testing.T) {
	plug := &fakeDriver{}
	d, _ := newTestDriverAdapter(t, plug)
	defer d.Close()

	g := group.New("g1", time.Second)
	require.NoError(t, g.AddTag(readTag("v1", tag.TypeInt16, "100", tag.AttrWrite)))
	require.NoError(t, d.AddGroup(g))

	var completed bool
	err := d.WriteTag("ctx-1", "g1", "v1", float64(5), func(ctx string, errCode int) {
		completed = true
		assert.Equal(t, "ctx-1", ctx)
		assert.Equal(t, 0, errCode)
	})
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, int64(5), plug.writes["v1"])
}

func TestDriverAdapterRunRoutesAsyncWriteCompletionToBusReply(t *testing.T) {
	plug := &asyncWriteDriver{}
	d, b := newTestDriverAdapter(t, plug)
	defer d.Close()

	g := group.New("g1", time.Hour)
	require.NoError(t, g.AddTag(readTag("v1", tag.TypeInt16, "100", tag.AttrRead|tag.AttrWrite)))
	require.NoError(t, d.AddGroup(g))

	driverMailbox, err := b.Register("d1")
	require.NoError(t, err)
	go d.Run(driverMailbox)

	senderMailbox, err := b.Register("app1")
	require.NoError(t, err)

	require.NoError(t, b.Send(&bus.Message{
		Header: bus.Header{Ctx: "ctx-async", Type: bus.WriteTag, Sender: "app1", Receiver: "d1"},
		Body:   bus.WriteTagBody{Group: "g1", Tag: "v1", Value: int64(9)},
	}))

	select {
	case msg := <-senderMailbox:
		assert.Equal(t, bus.RespError, msg.Header.Type)
		body := msg.Body.(bus.RespErrorBody)
		assert.Equal(t, 0, body.Code)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for async write completion reply")
	}

	select {
	case <-senderMailbox:
		t.Fatal("received a second reply for the same write")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDriverAdapterWriteTagMissingGroup(t *testing.T) {
	d, _ := newTestDriverAdapter(t, &fakeDriver{})
	defer d.Close()

	err := d.WriteTag("ctx", "missing", "v1", 1, nil)
	assert.Error(t, err)
}

func TestDriverAdapterWriteTagTypeMismatch(t *testing.T) {
	d, _ := newTestDriverAdapter(t, &fakeDriver{})
	defer d.Close()

	g := group.New("g1", time.Second)
	require.NoError(t, g.AddTag(readTag("v1", tag.TypeInt16, "100", tag.AttrWrite)))
	require.NoError(t, d.AddGroup(g))

	err := d.WriteTag("ctx", "g1", "v1", "not-a-number", nil)
	assert.Error(t, err)
}

func TestDriverAdapterAddGTagCreatesGroupAndTags(t *testing.T) {
	d, _ := newTestDriverAdapter(t, &fakeDriver{})
	defer d.Close()

	newTags := []*tag.Tag{
		readTag("v1", tag.TypeInt16, "100", tag.AttrRead),
		readTag("v2", tag.TypeInt16, "101", tag.AttrRead),
	}
	require.NoError(t, d.AddGTag("g1", time.Second, newTags))

	d.mu.Lock()
	g, ok := d.groups["g1"]
	d.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, 2, g.TagSize())
}

func TestDriverAdapterAddGTagRollsBackOnPartialFailure(t *testing.T) {
	d, _ := newTestDriverAdapter(t, &fakeDriver{})
	defer d.Close()

	ok := []*tag.Tag{readTag("v1", tag.TypeInt16, "100", tag.AttrRead)}
	require.NoError(t, d.AddGTag("g1", time.Second, ok))

	// v1 conflicts with the already-added tag; v2 is valid but must be
	// rolled back along with the conflict.
	conflicting := []*tag.Tag{
		readTag("v2", tag.TypeInt16, "101", tag.AttrRead),
		readTag("v1", tag.TypeInt16, "100", tag.AttrRead),
	}
	err := d.AddGTag("g1", time.Second, conflicting)
	assert.Error(t, err)

	d.mu.Lock()
	g := d.groups["g1"]
	d.mu.Unlock()
	assert.Equal(t, 1, g.TagSize(), "v2 must have been rolled back")
	_, has := g.GetTag("v2")
	assert.False(t, has)
}

func TestDriverAdapterAddGTagInvalidAddressRejectsGroup(t *testing.T) {
	d, _ := newTestDriverAdapter(t, &fakeDriver{})
	defer d.Close()

	bad := []*tag.Tag{readTag("v1", tag.TypeBytes, "no-length-suffix", tag.AttrRead)}
	err := d.AddGTag("g1", time.Second, bad)
	assert.Error(t, err)

	d.mu.Lock()
	_, exists := d.groups["g1"]
	d.mu.Unlock()
	assert.False(t, exists, "group must not be left behind when every tag fails validation")
}

func TestDiffDetectsValueAndLengthChanges(t *testing.T) {
	a := map[string]reading{"v1": {value: int64(1)}}
	b := map[string]reading{"v1": {value: int64(2)}}
	assert.True(t, diff(a, b))
	assert.False(t, diff(a, a))

	c := map[string]reading{"v1": {value: []byte("x")}}
	d := map[string]reading{"v1": {value: []byte("x")}}
	assert.False(t, diff(c, d), "non-comparable values must use DeepEqual, not panic")

	e := map[string]reading{}
	assert.True(t, diff(a, e))
}
