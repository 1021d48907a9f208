package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/cuemby/fieldbus/pkg/bus"
	"github.com/cuemby/fieldbus/pkg/errcode"
	"github.com/cuemby/fieldbus/pkg/log"
	"github.com/cuemby/fieldbus/pkg/metrics"
	"github.com/cuemby/fieldbus/pkg/node"
	"github.com/cuemby/fieldbus/pkg/plugin"
)

// RouteEntry is one (driver, group) -> upstream-transport binding.
type RouteEntry struct {
	Topic  string
	Params map[string]any
	QoS    int
	Format string // plugin-defined payload layout, e.g. "values" or "tags"
}

// DownstreamRequest is a decoded read/write arriving from the
// upstream transport, already stripped of its wire framing by the
// plugin.
type DownstreamRequest struct {
	Driver        string
	Group         string
	Tag           string
	Value         any
	IsWrite       bool
	ResponseTopic string
}

// pendingRequest tracks a downstream request awaiting a bus response.
type pendingRequest struct {
	responseTopic string
	driver        string
	group         string
}

// AppAdapter owns one north-bound plugin instance and the route table
// that maps driver groups to upstream topics, per spec.md §4.5.
type AppAdapter struct {
	name string
	plug plugin.AppPlugin
	desc plugin.Descriptor
	b    *bus.Bus
	sm   *stateMachine
	log  zerolog.Logger

	sendMsgsTotal      *prometheus.CounterVec
	sendMsgErrorsTotal *prometheus.CounterVec
	sendBytes          *metrics.RollingCounter

	mu       sync.Mutex
	routes   map[string]RouteEntry
	pending  map[string]pendingRequest
	cacheMax int
	cache    []cachedPublish // bounded local replay queue when CacheType == 1
}

// cachedPublish is one queued publish awaiting replay: the topic must
// travel with the payload since the plugin's Publish takes both.
type cachedPublish struct {
	topic   string
	payload []byte
}

func routeKey(driver, group string) string { return driver + "\x00" + group }

// NewAppAdapter creates an app adapter. sendMsgsTotal/sendMsgErrorsTotal/
// sendBytes may be nil (e.g. in tests); when non-nil they are updated
// per spec.md §4.5's publish-completion metrics.
func NewAppAdapter(name string, plug plugin.AppPlugin, desc plugin.Descriptor, b *bus.Bus,
	sendMsgsTotal, sendMsgErrorsTotal *prometheus.CounterVec, sendBytes *metrics.RollingCounter) *AppAdapter {
	a := &AppAdapter{
		name:               name,
		plug:               plug,
		desc:               desc,
		b:                  b,
		sm:                 newStateMachine(),
		log:                log.WithNode(name),
		sendMsgsTotal:      sendMsgsTotal,
		sendMsgErrorsTotal: sendMsgErrorsTotal,
		sendBytes:          sendBytes,
		routes:             make(map[string]RouteEntry),
		pending:            make(map[string]pendingRequest),
		cacheMax:           64,
	}
	if r, ok := plug.(plugin.LinkStateReporter); ok {
		r.OnLinkState(func(state plugin.LinkState) {
			if state == plugin.LinkConnected {
				go a.ReplayCache()
			}
		})
	}
	return a
}

// State returns the adapter's current lifecycle state.
func (a *AppAdapter) State() node.State { return a.sm.Current() }

// Start/Stop transition the adapter; an app adapter has no per-group
// timers of its own, so these only gate request handling.
func (a *AppAdapter) Start() error { return a.sm.Transition(node.StateRunning) }
func (a *AppAdapter) Stop() error  { return a.sm.Transition(node.StateStopped) }

// SubscribeGroup inserts a route entry, rejecting a duplicate
// (driver, group) pair.
func (a *AppAdapter) SubscribeGroup(driver, group string, route RouteEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := routeKey(driver, group)
	if _, exists := a.routes[k]; exists {
		return errcode.New(errcode.GroupConflict, k)
	}
	a.routes[k] = route
	return nil
}

// UnsubscribeGroup removes a route entry.
func (a *AppAdapter) UnsubscribeGroup(driver, group string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.routes, routeKey(driver, group))
}

func (a *AppAdapter) incCounter(vec *prometheus.CounterVec, node, group string) {
	if vec != nil {
		vec.WithLabelValues(node, group).Inc()
	}
}

// OnTransData looks up the route for a TRANS_DATA event. An absent
// route is dropped with a SEND_MSG_ERRORS_TOTAL bump. Otherwise the
// payload is encoded per the route's format and handed to the
// upstream transport; success and failure update the publish-
// completion metrics and, on failure with CacheType 1, the payload is
// queued for replay instead of being dropped.
func (a *AppAdapter) OnTransData(body bus.TransDataBody) error {
	a.mu.Lock()
	route, ok := a.routes[routeKey(body.Driver, body.Group)]
	a.mu.Unlock()

	if !ok {
		a.incCounter(a.sendMsgErrorsTotal, body.Driver, body.Group)
		return errcode.New(errcode.GroupNotSubscribe, body.Group)
	}

	payload, err := encodePayload(route.Format, body)
	if err != nil {
		a.incCounter(a.sendMsgErrorsTotal, body.Driver, body.Group)
		return err
	}

	if err := a.plug.Publish(context.Background(), route.Topic, payload); err != nil {
		if a.desc.CacheType == 1 {
			a.enqueueReplay(route.Topic, payload)
			return nil
		}
		a.incCounter(a.sendMsgErrorsTotal, body.Driver, body.Group)
		return errcode.New(errcode.MQTTPublishFailure, err.Error())
	}

	a.incCounter(a.sendMsgsTotal, body.Driver, body.Group)
	if a.sendBytes != nil {
		a.sendBytes.Add(int64(len(payload)))
	}
	return nil
}

func (a *AppAdapter) enqueueReplay(topic string, payload []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache = append(a.cache, cachedPublish{topic: topic, payload: payload})
	if len(a.cache) > a.cacheMax {
		a.cache = a.cache[len(a.cache)-a.cacheMax:] // drop oldest
	}
}

// ReplayCache attempts to publish every queued entry, topic and
// payload both, in order, stopping at the first failure (the rest stay
// queued for the next reconnect). Call this once the plugin reports a
// reconnected link.
func (a *AppAdapter) ReplayCache() {
	a.mu.Lock()
	pending := a.cache
	a.cache = nil
	a.mu.Unlock()

	for i, entry := range pending {
		if err := a.plug.Publish(context.Background(), entry.topic, entry.payload); err != nil {
			a.mu.Lock()
			a.cache = append(pending[i:], a.cache...)
			a.mu.Unlock()
			return
		}
	}
}

func encodePayload(format string, body bus.TransDataBody) ([]byte, error) {
	switch format {
	case "tags", "":
		return json.Marshal(body)
	case "values":
		values := make(map[string]any, len(body.Tags))
		for _, t := range body.Tags {
			values[t.Tag] = t.Value
		}
		return json.Marshal(values)
	default:
		return nil, errcode.Newf(errcode.GroupParameterInvalid, "unknown payload format %q", format)
	}
}

// HandleDownstreamRequest translates a decoded upstream request into a
// READ_GROUP or WRITE_TAG bus message, carrying a fresh correlation
// id in Ctx so the eventual response can be matched back to
// req.ResponseTopic.
func (a *AppAdapter) HandleDownstreamRequest(req DownstreamRequest) error {
	ctx := uuid.NewString()

	a.mu.Lock()
	a.pending[ctx] = pendingRequest{responseTopic: req.ResponseTopic, driver: req.Driver, group: req.Group}
	a.mu.Unlock()

	var msg *bus.Message
	if req.IsWrite {
		msg = &bus.Message{
			Header: bus.Header{Ctx: ctx, Type: bus.WriteTag, Sender: a.name, Receiver: req.Driver},
			Body:   bus.WriteTagBody{Driver: req.Driver, Group: req.Group, Tag: req.Tag, Value: req.Value},
		}
	} else {
		msg = &bus.Message{
			Header: bus.Header{Ctx: ctx, Type: bus.ReadGroup, Sender: a.name, Receiver: req.Driver},
			Body:   bus.ReadGroupBody{Driver: req.Driver, Group: req.Group},
		}
	}
	return a.b.Send(msg)
}

// HandleBusResponse matches an inbound RESP_* message to a pending
// downstream request and re-encodes it onto the original response
// topic.
func (a *AppAdapter) HandleBusResponse(msg *bus.Message) error {
	a.mu.Lock()
	pend, ok := a.pending[msg.Header.Ctx]
	if ok {
		delete(a.pending, msg.Header.Ctx)
	}
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("adapter: no pending request for ctx %q", msg.Header.Ctx)
	}

	payload, err := json.Marshal(msg.Body)
	if err != nil {
		return err
	}
	return a.plug.Publish(context.Background(), pend.responseTopic, payload)
}

// Run consumes mailbox until it closes, dispatching TRANS_DATA events
// and RESP_* messages to the appropriate handler.
func (a *AppAdapter) Run(mailbox bus.Mailbox) {
	for msg := range mailbox {
		switch msg.Header.Type {
		case bus.TransData:
			body, ok := msg.Body.(bus.TransDataBody)
			if !ok {
				continue
			}
			if err := a.OnTransData(body); err != nil {
				a.log.Warn().Err(err).Msg("failed to handle TRANS_DATA")
			}
		default:
			if err := a.HandleBusResponse(msg); err != nil {
				a.log.Debug().Err(err).Msg("unhandled bus response")
			}
		}
	}
}
