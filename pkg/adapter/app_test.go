package adapter

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fieldbus/pkg/bus"
	"github.com/cuemby/fieldbus/pkg/errcode"
	"github.com/cuemby/fieldbus/pkg/plugin"
)

// fakeApp is a minimal plugin.AppPlugin. publishErr, when set, is
// returned by every Publish call until cleared.
type fakeApp struct {
	mu         sync.Mutex
	published  []publishedMsg
	publishErr error
}

type publishedMsg struct {
	topic   string
	payload []byte
}

func (f *fakeApp) Open(context.Context) error   { return nil }
func (f *fakeApp) Close() error                  { return nil }
func (f *fakeApp) Init(json.RawMessage) error    { return nil }
func (f *fakeApp) Uninit() error                 { return nil }
func (f *fakeApp) Start() error                  { return nil }
func (f *fakeApp) Stop() error                   { return nil }
func (f *fakeApp) Setting(json.RawMessage) error { return nil }

func (f *fakeApp) Publish(ctx context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMsg{topic: topic, payload: payload})
	return nil
}

func (f *fakeApp) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func newTestAppAdapter(plug *fakeApp) (*AppAdapter, *bus.Bus) {
	b := bus.New()
	return NewAppAdapter("app1", plug, plugin.Descriptor{ModuleName: "fake-app", Type: plugin.TypeApp}, b, nil, nil, nil), b
}

func TestAppAdapterSubscribeGroupRejectsDuplicate(t *testing.T) {
	a, _ := newTestAppAdapter(&fakeApp{})
	require.NoError(t, a.SubscribeGroup("d1", "g1", RouteEntry{Topic: "t1"}))
	err := a.SubscribeGroup("d1", "g1", RouteEntry{Topic: "t2"})
	assert.Error(t, err)
}

func TestAppAdapterOnTransDataDropsWithoutRoute(t *testing.T) {
	plug := &fakeApp{}
	a, _ := newTestAppAdapter(plug)

	err := a.OnTransData(bus.TransDataBody{Driver: "d1", Group: "g1"})
	assert.Error(t, err)
	assert.Equal(t, 0, plug.count())
}

func TestAppAdapterOnTransDataPublishesOnRoute(t *testing.T) {
	plug := &fakeApp{}
	a, _ := newTestAppAdapter(plug)
	require.NoError(t, a.SubscribeGroup("d1", "g1", RouteEntry{Topic: "tele/d1/g1", Format: "values"}))

	err := a.OnTransData(bus.TransDataBody{
		Driver: "d1",
		Group:  "g1",
		Tags:   []bus.TagValue{{Tag: "v1", Value: int64(5)}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, plug.count())
	assert.Equal(t, "tele/d1/g1", plug.published[0].topic)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(plug.published[0].payload, &decoded))
	assert.Equal(t, float64(5), decoded["v1"])
}

func TestAppAdapterOnTransDataFailFastWithoutCache(t *testing.T) {
	plug := &fakeApp{publishErr: assert.AnError}
	a, _ := newTestAppAdapter(plug)
	require.NoError(t, a.SubscribeGroup("d1", "g1", RouteEntry{Topic: "t1"}))

	err := a.OnTransData(bus.TransDataBody{Driver: "d1", Group: "g1"})
	assert.Error(t, err)
}

func TestAppAdapterOnTransDataQueuesWhenCacheEnabled(t *testing.T) {
	plug := &fakeApp{publishErr: assert.AnError}
	a := NewAppAdapter("app1", plug, plugin.Descriptor{CacheType: 1}, bus.New(), nil, nil, nil)
	require.NoError(t, a.SubscribeGroup("d1", "g1", RouteEntry{Topic: "t1"}))

	err := a.OnTransData(bus.TransDataBody{Driver: "d1", Group: "g1"})
	assert.NoError(t, err, "cache=1 must not fail the caller")

	a.mu.Lock()
	queued := len(a.cache)
	a.mu.Unlock()
	assert.Equal(t, 1, queued)

	plug.mu.Lock()
	plug.publishErr = nil
	plug.mu.Unlock()
	a.ReplayCache()
	require.Equal(t, 1, plug.count())
	assert.Equal(t, "t1", plug.published[0].topic, "replay must carry the original route topic")

	a.mu.Lock()
	queued = len(a.cache)
	a.mu.Unlock()
	assert.Equal(t, 0, queued)
}

// topicValidatingApp mimics pkg/apps/mqtt's Publish, which rejects an
// empty topic instead of silently accepting it like fakeApp.
type topicValidatingApp struct {
	fakeApp
}

func (f *topicValidatingApp) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return errcode.New(errcode.MQTTIsNull, "topic")
	}
	return f.fakeApp.Publish(ctx, topic, payload)
}

func TestAppAdapterReplayCacheCarriesTopicToRealPublisher(t *testing.T) {
	plug := &topicValidatingApp{fakeApp: fakeApp{publishErr: assert.AnError}}
	a := NewAppAdapter("app1", plug, plugin.Descriptor{CacheType: 1}, bus.New(), nil, nil, nil)
	require.NoError(t, a.SubscribeGroup("d1", "g1", RouteEntry{Topic: "tele/d1/g1"}))

	require.NoError(t, a.OnTransData(bus.TransDataBody{Driver: "d1", Group: "g1"}))

	plug.mu.Lock()
	plug.publishErr = nil
	plug.mu.Unlock()
	a.ReplayCache()

	require.Equal(t, 1, plug.count())
	assert.Equal(t, "tele/d1/g1", plug.published[0].topic)

	a.mu.Lock()
	queued := len(a.cache)
	a.mu.Unlock()
	assert.Equal(t, 0, queued, "replay with the correct topic must drain the cache")
}

func TestAppAdapterHandleDownstreamRequestRoundTrip(t *testing.T) {
	plug := &fakeApp{}
	a, b := newTestAppAdapter(plug)

	driverMailbox, err := b.Register("d1")
	require.NoError(t, err)

	require.NoError(t, a.HandleDownstreamRequest(DownstreamRequest{
		Driver:        "d1",
		Group:         "g1",
		ResponseTopic: "reply/1",
	}))

	var msg *bus.Message
	select {
	case msg = <-driverMailbox:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ReadGroup request")
	}
	assert.Equal(t, bus.ReadGroup, msg.Header.Type)

	resp := &bus.Message{
		Header: bus.Header{Ctx: msg.Header.Ctx, Type: bus.RespReadGroup, Sender: "d1", Receiver: "app1"},
		Body:   bus.TransDataBody{Driver: "d1", Group: "g1"},
	}
	require.NoError(t, a.HandleBusResponse(resp))
	require.Equal(t, 1, plug.count())
	assert.Equal(t, "reply/1", plug.published[0].topic)
}

func TestAppAdapterHandleBusResponseUnknownCtx(t *testing.T) {
	a, _ := newTestAppAdapter(&fakeApp{})
	err := a.HandleBusResponse(&bus.Message{Header: bus.Header{Ctx: "nope"}})
	assert.Error(t, err)
}

func TestAppAdapterRunDispatchesTransDataAndResponses(t *testing.T) {
	plug := &fakeApp{}
	a, b := newTestAppAdapter(plug)
	require.NoError(t, a.SubscribeGroup("d1", "g1", RouteEntry{Topic: "t1"}))

	mailbox, err := b.Register("app1")
	require.NoError(t, err)
	go a.Run(mailbox)

	require.NoError(t, b.Send(&bus.Message{
		Header: bus.Header{Type: bus.TransData, Sender: "d1", Receiver: "app1"},
		Body:   bus.TransDataBody{Driver: "d1", Group: "g1"},
	}))

	assert.Eventually(t, func() bool { return plug.count() == 1 }, time.Second, 5*time.Millisecond)
	b.Unregister("app1")
}
