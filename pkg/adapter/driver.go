package adapter

import (
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/fieldbus/pkg/bus"
	"github.com/cuemby/fieldbus/pkg/errcode"
	"github.com/cuemby/fieldbus/pkg/eventloop"
	"github.com/cuemby/fieldbus/pkg/group"
	"github.com/cuemby/fieldbus/pkg/log"
	"github.com/cuemby/fieldbus/pkg/node"
	"github.com/cuemby/fieldbus/pkg/plugin"
	"github.com/cuemby/fieldbus/pkg/subscription"
	"github.com/cuemby/fieldbus/pkg/tag"
)

// reading is one tag's latest value or error, keyed within a group's
// snapshot.
type reading struct {
	value   any
	errCode int
}

// plan is the rebuilt poll plan a group's ChangeTest callback hands
// the adapter: the tags to read and the interval to read them at.
type plan struct {
	static   []*tag.Tag
	other    []*tag.Tag
	interval time.Duration
}

// DriverAdapter owns one south-bound plugin instance, its groups, a
// per-group BLOCK timer, and a tag cache keyed by (group, tag). It
// implements the scheduling algorithm from spec.md §4.4.
type DriverAdapter struct {
	name string
	plug plugin.DriverPlugin
	desc plugin.Descriptor
	b    *bus.Bus
	subs *subscription.Manager
	sm   *stateMachine
	loop *eventloop.Loop
	log  zerolog.Logger

	mu       sync.Mutex
	groups   map[string]*group.Group
	lastTS   map[string]int64
	plans    map[string]plan
	snapshot map[string]map[string]reading // group -> tag -> last published reading
	timers   map[string]eventloop.Handle
}

// NewDriverAdapter creates a driver adapter bound to plug, publishing
// TRANS_DATA through b and resolving subscribers through subs.
func NewDriverAdapter(name string, plug plugin.DriverPlugin, desc plugin.Descriptor, b *bus.Bus, subs *subscription.Manager) *DriverAdapter {
	return &DriverAdapter{
		name:     name,
		plug:     plug,
		desc:     desc,
		b:        b,
		subs:     subs,
		sm:       newStateMachine(),
		loop:     eventloop.New(),
		log:      log.WithNode(name),
		groups:   make(map[string]*group.Group),
		lastTS:   make(map[string]int64),
		plans:    make(map[string]plan),
		snapshot: make(map[string]map[string]reading),
		timers:   make(map[string]eventloop.Handle),
	}
}

// State returns the adapter's current lifecycle state.
func (d *DriverAdapter) State() node.State { return d.sm.Current() }

// AddGroup registers a group. If the adapter is already RUNNING, its
// BLOCK timer is armed immediately; otherwise it is armed on Start.
func (d *DriverAdapter) AddGroup(g *group.Group) error {
	d.mu.Lock()
	name := g.Name()
	if _, exists := d.groups[name]; exists {
		d.mu.Unlock()
		return errcode.New(errcode.GroupConflict, name)
	}
	d.groups[name] = g
	d.lastTS[name] = -1 // forces the first ChangeTest to rebuild the plan
	running := d.sm.Current() == node.StateRunning
	d.mu.Unlock()

	if running {
		return d.armGroup(name)
	}
	return nil
}

// DelGroup disarms and removes a group.
func (d *DriverAdapter) DelGroup(name string) {
	d.mu.Lock()
	if h, ok := d.timers[name]; ok {
		delete(d.timers, name)
		d.mu.Unlock()
		d.loop.DelTimer(h)
		d.mu.Lock()
	}
	delete(d.groups, name)
	delete(d.lastTS, name)
	delete(d.plans, name)
	delete(d.snapshot, name)
	d.mu.Unlock()
}

func (d *DriverAdapter) armGroup(name string) error {
	d.mu.Lock()
	g, ok := d.groups[name]
	d.mu.Unlock()
	if !ok {
		return errcode.New(errcode.GroupNotExist, name)
	}

	h, err := d.loop.AddTimer(g.Interval(), eventloop.Block, func(any) { d.onTick(name) }, nil)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.timers[name] = h
	d.mu.Unlock()
	return nil
}

// Start transitions the adapter to RUNNING and arms every group's
// timer. A slow device only causes that group to poll less often;
// BLOCK timers never queue overlapping polls (see pkg/eventloop).
func (d *DriverAdapter) Start() error {
	if err := d.sm.Transition(node.StateRunning); err != nil {
		return err
	}
	d.mu.Lock()
	names := make([]string, 0, len(d.groups))
	for name := range d.groups {
		names = append(names, name)
	}
	d.mu.Unlock()

	for _, name := range names {
		if err := d.armGroup(name); err != nil {
			d.log.Error().Err(err).Str("group", name).Msg("failed to arm group timer")
		}
	}
	return nil
}

// Stop transitions the adapter to STOPPED and disarms every timer.
func (d *DriverAdapter) Stop() error {
	if err := d.sm.Transition(node.StateStopped); err != nil {
		return err
	}
	d.mu.Lock()
	handles := make([]eventloop.Handle, 0, len(d.timers))
	for _, h := range d.timers {
		handles = append(handles, h)
	}
	d.timers = make(map[string]eventloop.Handle)
	d.mu.Unlock()

	for _, h := range handles {
		d.loop.DelTimer(h)
	}
	return nil
}

// onTick runs one scheduling cycle for a group: change-detection,
// the device round trip, cache diffing, and TRANS_DATA emission.
func (d *DriverAdapter) onTick(groupName string) {
	d.mu.Lock()
	g, ok := d.groups[groupName]
	lastTS := d.lastTS[groupName]
	d.mu.Unlock()
	if !ok {
		return
	}

	g.ChangeTest(lastTS, func(newTS int64, static, other []*tag.Tag, interval time.Duration) {
		d.mu.Lock()
		d.lastTS[groupName] = newTS
		d.plans[groupName] = plan{static: static, other: other, interval: interval}
		d.mu.Unlock()
	})

	d.mu.Lock()
	p := d.plans[groupName]
	d.mu.Unlock()

	current := make(map[string]reading, len(p.other)+len(p.static))
	update := func(tagName string, value any, errCode int) {
		current[tagName] = reading{value: value, errCode: errCode}
	}
	if err := d.plug.GroupTimer(g, update); err != nil {
		d.log.Warn().Err(err).Str("group", groupName).Msg("group_timer failed, skipping tick")
		return
	}
	for _, t := range p.static {
		current[t.Name] = reading{value: t.StaticValue, errCode: int(errcode.Success)}
	}

	d.mu.Lock()
	last := d.snapshot[groupName]
	changed := diff(last, current)
	d.snapshot[groupName] = current
	d.mu.Unlock()

	if !changed {
		return
	}
	d.publish(groupName, current)
}

func diff(last, current map[string]reading) bool {
	if len(last) != len(current) {
		return true
	}
	for k, v := range current {
		if lv, ok := last[k]; !ok || !reflect.DeepEqual(lv, v) {
			return true
		}
	}
	return false
}

func (d *DriverAdapter) publish(groupName string, current map[string]reading) {
	values := make([]bus.TagValue, 0, len(current))
	for name, r := range current {
		values = append(values, bus.TagValue{Tag: name, Value: r.value, Error: r.errCode})
	}

	body := bus.TransDataBody{
		Driver:    d.name,
		Group:     groupName,
		Tags:      values,
		Timestamp: time.Now(),
	}

	for _, sub := range d.subs.FindByDriver(d.name) {
		if sub.Group != groupName {
			continue
		}
		msg := &bus.Message{
			Header: bus.Header{Type: bus.TransData, Sender: d.name, Receiver: sub.App, Sent: time.Now()},
			Body:   body,
		}
		if err := d.b.Send(msg); err != nil {
			d.log.Warn().Err(err).Str("app", sub.App).Msg("failed to publish TRANS_DATA")
		}
	}
}

// WriteTag resolves (group, tagName), coerces value against the tag's
// type, and dispatches to the plugin's TagWriter if it implements one.
// complete is invoked with the original ctx once the plugin's
// asynchronous write finishes.
func (d *DriverAdapter) WriteTag(ctx, groupName, tagName string, value any, complete plugin.CompletionFunc) error {
	d.mu.Lock()
	g, ok := d.groups[groupName]
	d.mu.Unlock()
	if !ok {
		return errcode.New(errcode.GroupNotExist, groupName)
	}

	t, ok := g.GetTag(tagName)
	if !ok {
		return errcode.New(errcode.TagNotExist, tagName)
	}
	coerced, err := coerceValue(t, value)
	if err != nil {
		return err
	}

	writer, ok := d.plug.(plugin.TagWriter)
	if !ok {
		return errcode.New(errcode.PluginTypeNotSupport, "plugin does not support tag writes")
	}
	return writer.WriteTag(ctx, tagName, coerced, complete)
}

// WriteTags dispatches a batch write within one group.
func (d *DriverAdapter) WriteTags(ctx, groupName string, values map[string]any, complete plugin.CompletionFunc) error {
	d.mu.Lock()
	g, ok := d.groups[groupName]
	d.mu.Unlock()
	if !ok {
		return errcode.New(errcode.GroupNotExist, groupName)
	}

	coercedValues := make(map[string]any, len(values))
	for name, v := range values {
		t, ok := g.GetTag(name)
		if !ok {
			return errcode.New(errcode.TagNotExist, name)
		}
		coerced, err := coerceValue(t, v)
		if err != nil {
			return err
		}
		coercedValues[name] = coerced
	}

	writer, ok := d.plug.(plugin.TagsWriter)
	if !ok {
		return errcode.New(errcode.PluginTypeNotSupport, "plugin does not support batch tag writes")
	}
	return writer.WriteTags(ctx, coercedValues, complete)
}

// AddGTag performs the three-phase atomic validation spec.md §4.4
// requires: per-tag validation, cross-tag validation, then commit.
// The group is created if absent. A failure at any phase leaves the
// group exactly as it was before the call.
func (d *DriverAdapter) AddGTag(groupName string, interval time.Duration, newTags []*tag.Tag) error {
	for _, t := range newTags {
		if err := t.Validate(); err != nil {
			return err
		}
		if validator, ok := d.plug.(plugin.TagValidator); ok {
			if err := validator.ValidateTag(t); err != nil {
				return err
			}
		}
	}

	if gv, ok := d.plug.(plugin.GroupTagValidator); ok {
		if err := gv.ValidateTags(newTags); err != nil {
			return err
		}
	}

	d.mu.Lock()
	g, exists := d.groups[groupName]
	if !exists {
		g = group.New(groupName, interval)
		d.groups[groupName] = g
		d.lastTS[groupName] = -1
	}
	d.mu.Unlock()

	added := make([]string, 0, len(newTags))
	for _, t := range newTags {
		if err := g.AddTag(t); err != nil {
			for _, name := range added {
				g.DelTag(name)
			}
			if !exists {
				d.mu.Lock()
				delete(d.groups, groupName)
				delete(d.lastTS, groupName)
				d.mu.Unlock()
			}
			return err
		}
		added = append(added, t.Name)
	}
	return nil
}

// coerceValue validates a JSON-typed write value against a tag's
// declared type, coercing numeric widths and rejecting outright
// mismatches (e.g. a string value for a numeric tag).
func coerceValue(t *tag.Tag, value any) (any, error) {
	switch t.Type {
	case tag.TypeInt8, tag.TypeUint8, tag.TypeInt16, tag.TypeUint16,
		tag.TypeInt32, tag.TypeUint32, tag.TypeInt64, tag.TypeUint64,
		tag.TypeWord, tag.TypeDword, tag.TypeLword:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			return int64(v), nil
		default:
			return nil, errcode.New(errcode.TagTypeMismatch, t.Name)
		}
	case tag.TypeFloat, tag.TypeDouble:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		default:
			return nil, errcode.New(errcode.TagTypeMismatch, t.Name)
		}
	case tag.TypeBool, tag.TypeBit:
		if v, ok := value.(bool); ok {
			return v, nil
		}
		return nil, errcode.New(errcode.TagTypeMismatch, t.Name)
	case tag.TypeString:
		if v, ok := value.(string); ok {
			return v, nil
		}
		return nil, errcode.New(errcode.TagTypeMismatch, t.Name)
	case tag.TypeBytes:
		if v, ok := value.([]byte); ok {
			return v, nil
		}
		return nil, errcode.New(errcode.TagTypeMismatch, t.Name)
	default:
		return value, nil
	}
}

// Run consumes mailbox until it closes, dispatching bus requests
// addressed to this driver and replying on the same ctx.
func (d *DriverAdapter) Run(mailbox bus.Mailbox) {
	for msg := range mailbox {
		switch msg.Header.Type {
		case bus.ReadGroup:
			body := msg.Body.(bus.ReadGroupBody)
			d.mu.Lock()
			snap := d.snapshot[body.Group]
			d.mu.Unlock()
			values := make([]bus.TagValue, 0, len(snap))
			for name, r := range snap {
				values = append(values, bus.TagValue{Tag: name, Value: r.value, Error: r.errCode})
			}
			d.reply(msg, bus.RespReadGroup, bus.TransDataBody{Driver: d.name, Group: body.Group, Tags: values, Timestamp: time.Now()})
		case bus.WriteTag:
			body := msg.Body.(bus.WriteTagBody)
			complete, fallback := d.writeComplete(msg)
			fallback(d.WriteTag(msg.Header.Ctx, body.Group, body.Tag, body.Value, complete))
		case bus.WriteTags:
			body := msg.Body.(bus.WriteTagsBody)
			complete, fallback := d.writeComplete(msg)
			fallback(d.WriteTags(msg.Header.Ctx, body.Group, body.Values, complete))
		default:
			d.log.Debug().Str("type", string(msg.Header.Type)).Msg("driver adapter ignoring unhandled message type")
		}
	}
}

func (d *DriverAdapter) reply(req *bus.Message, respType bus.MsgType, body any) {
	if err := d.b.Reply(req, respType, body); err != nil {
		d.log.Warn().Err(err).Msg("failed to reply on bus")
	}
}

func (d *DriverAdapter) replyErr(req *bus.Message, err error) {
	d.reply(req, bus.RespError, bus.RespErrorBody{Code: int(errcode.Of(err)), Msg: errMsg(err)})
}

// writeComplete builds the plugin.CompletionFunc handed to a write
// call, together with a fallback that Run calls with the write's
// synchronous return value once WriteTag/WriteTags returns. Both share
// one sync.Once: a plugin that completes synchronously (like the
// shipped Modbus driver) invokes the CompletionFunc before returning,
// so the fallback becomes a no-op; a plugin that completes
// asynchronously leaves the fallback untouched when it returns nil,
// and the real reply goes out later when the plugin's own goroutine
// calls the CompletionFunc.
func (d *DriverAdapter) writeComplete(req *bus.Message) (complete plugin.CompletionFunc, fallback func(error)) {
	var once sync.Once
	complete = func(ctx string, errCode int) {
		once.Do(func() {
			d.reply(req, bus.RespError, bus.RespErrorBody{Code: errCode, Msg: errcode.Code(errCode).String()})
		})
	}
	fallback = func(err error) {
		if err == nil {
			return
		}
		once.Do(func() {
			d.replyErr(req, err)
		})
	}
	return complete, fallback
}

func errMsg(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Close tears down the adapter's event loop. Call after Stop.
func (d *DriverAdapter) Close() {
	d.loop.Close()
}
