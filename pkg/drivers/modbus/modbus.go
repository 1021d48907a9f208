// Package modbus is a south-bound driver plugin speaking Modbus
// TCP/RTU to field devices. It is the Go-native replacement for the
// original gateway's modbus_tcp/modbus_rtu C plugins: the same
// slave/area/offset addressing and contiguous-register batching, built
// on github.com/goburrow/modbus instead of a hand-rolled PDU encoder.
package modbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mb "github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"github.com/cuemby/fieldbus/pkg/errcode"
	"github.com/cuemby/fieldbus/pkg/eventloop"
	"github.com/cuemby/fieldbus/pkg/group"
	"github.com/cuemby/fieldbus/pkg/log"
	"github.com/cuemby/fieldbus/pkg/plugin"
	"github.com/cuemby/fieldbus/pkg/tag"
)

// Descriptor is this module's registration metadata.
var Descriptor = plugin.Descriptor{
	Version:     "1.0.0",
	Schema:      "modbus",
	ModuleName:  "modbus-tcp",
	Description: "Modbus TCP/RTU driver",
	Type:        plugin.TypeDriver,
	Kind:        "static",
	Display:     "Modbus TCP/RTU",
	TimerType:   eventloop.Block,
}

// Register adds this module to r under its Descriptor.ModuleName.
func Register(r *plugin.Registry) error {
	return r.Register(Descriptor, func() any { return New() })
}

// Config is the plugin's Setting payload.
type Config struct {
	Mode     string        `json:"mode"` // "tcp" or "rtu"
	Address  string        `json:"address"`
	BaudRate int           `json:"baud_rate,omitempty"`
	DataBits int           `json:"data_bits,omitempty"`
	Parity   string        `json:"parity,omitempty"`
	StopBits int           `json:"stop_bits,omitempty"`
	Timeout  time.Duration `json:"timeout"`
}

func (c Config) validate() error {
	if c.Address == "" {
		return errcode.New(errcode.GroupParameterInvalid, "modbus: address is required")
	}
	switch c.Mode {
	case "tcp", "rtu":
	default:
		return errcode.New(errcode.GroupParameterInvalid, "modbus: mode must be \"tcp\" or \"rtu\"")
	}
	return nil
}

// transport bundles a handler's Connect/Close with the means to steer
// its per-request slave id, since TCPClientHandler and RTUClientHandler
// share no common interface beyond an exported SlaveId field.
type transport struct {
	connect    func() error
	close      func() error
	setSlaveID func(byte)
}

// Driver implements plugin.DriverPlugin plus the optional TagsAdder,
// TagsDeleter, TagWriter, and LinkStateReporter behaviors.
type Driver struct {
	log zerolog.Logger

	mu        sync.Mutex
	cfg       Config
	transport *transport
	client    mb.Client
	connected bool
	linkFn    plugin.LinkStateFunc

	tagsMu sync.RWMutex
	tags   map[string]*tag.Tag
}

// New constructs an unconfigured Driver; Setting must be called before
// GroupTimer or WriteTag do anything useful.
func New() *Driver {
	return &Driver{
		log:  log.WithNode("modbus"),
		tags: make(map[string]*tag.Tag),
	}
}

func (d *Driver) Open(context.Context) error { return nil }
func (d *Driver) Init(json.RawMessage) error { return nil }
func (d *Driver) Uninit() error              { return nil }
func (d *Driver) Start() error               { return nil }
func (d *Driver) Stop() error                { return nil }

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disconnectLocked()
}

func (d *Driver) disconnectLocked() error {
	if d.transport == nil || !d.connected {
		return nil
	}
	err := d.transport.close()
	d.connected = false
	d.setLinkState(plugin.LinkDisconnected)
	return err
}

// Setting parses setting as Config and (re)establishes the device
// connection, tearing down any previous one first.
func (d *Driver) Setting(setting json.RawMessage) error {
	var cfg Config
	if err := json.Unmarshal(setting, &cfg); err != nil {
		return errcode.Newf(errcode.GroupParameterInvalid, "modbus: invalid setting: %v", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.disconnectLocked(); err != nil {
		d.log.Warn().Err(err).Msg("modbus: error closing previous connection")
	}

	tr, client := newTransport(cfg)
	if err := tr.connect(); err != nil {
		return errcode.Newf(errcode.GroupParameterInvalid, "modbus: connect failed: %v", err)
	}

	d.cfg = cfg
	d.transport = tr
	d.client = client
	d.connected = true
	d.setLinkState(plugin.LinkConnected)
	return nil
}

func newTransport(cfg Config) (*transport, mb.Client) {
	if cfg.Mode == "rtu" {
		h := mb.NewRTUClientHandler(cfg.Address)
		h.Timeout = cfg.Timeout
		if cfg.BaudRate > 0 {
			h.BaudRate = cfg.BaudRate
		}
		if cfg.DataBits > 0 {
			h.DataBits = cfg.DataBits
		}
		if cfg.Parity != "" {
			h.Parity = cfg.Parity
		}
		if cfg.StopBits > 0 {
			h.StopBits = cfg.StopBits
		}
		return &transport{
			connect:    h.Connect,
			close:      h.Close,
			setSlaveID: func(id byte) { h.SlaveId = id },
		}, mb.NewClient(h)
	}

	h := mb.NewTCPClientHandler(cfg.Address)
	h.Timeout = cfg.Timeout
	return &transport{
		connect:    h.Connect,
		close:      h.Close,
		setSlaveID: func(id byte) { h.SlaveId = id },
	}, mb.NewClient(h)
}

func (d *Driver) OnLinkState(fn plugin.LinkStateFunc) {
	d.mu.Lock()
	d.linkFn = fn
	d.mu.Unlock()
}

func (d *Driver) setLinkState(state plugin.LinkState) {
	if d.linkFn != nil {
		d.linkFn(state)
	}
}

// AddTags records tags this driver must track the address/type
// metadata for, since WriteTag is only handed a tag name by the
// adapter and cannot resolve its coordinates any other way.
func (d *Driver) AddTags(tags []*tag.Tag) error {
	d.tagsMu.Lock()
	defer d.tagsMu.Unlock()
	for _, t := range tags {
		if _, err := parseAddress(t.Address); err != nil {
			return err
		}
		d.tags[t.Name] = t
	}
	return nil
}

// DelTags drops tracked tags by name; deleting an untracked name is a
// no-op.
func (d *Driver) DelTags(names []string) error {
	d.tagsMu.Lock()
	defer d.tagsMu.Unlock()
	for _, n := range names {
		delete(d.tags, n)
	}
	return nil
}

func (d *Driver) trackedTag(name string) (*tag.Tag, bool) {
	d.tagsMu.RLock()
	defer d.tagsMu.RUnlock()
	t, ok := d.tags[name]
	return t, ok
}

// GroupTimer performs one poll round for g: it resolves every readable
// tag's Modbus coordinates, batches them into contiguous register
// windows, issues one read per window, and reports each tag's decoded
// value (or its error) through update.
func (d *Driver) GroupTimer(g *group.Group, update plugin.UpdateFunc) error {
	d.mu.Lock()
	client := d.client
	connected := d.connected
	d.mu.Unlock()
	if !connected || client == nil {
		return errcode.New(errcode.NodeStateInvalid, "modbus: not connected")
	}

	tags := g.QueryReadTag()
	points := make([]tagPoint, 0, len(tags))
	byName := make(map[string]*tag.Tag, len(tags))
	for _, t := range tags {
		pt, err := parseAddress(t.Address)
		if err != nil {
			update(t.Name, nil, int(errcode.Of(err)))
			continue
		}
		points = append(points, tagPoint{name: t.Name, pt: pt, regs: registerCount(t)})
		byName[t.Name] = t
	}

	for _, w := range groupWindows(points) {
		data, err := d.readWindow(client, w)
		if err != nil {
			for _, tp := range w.tags {
				update(tp.name, nil, int(errcode.Of(err)))
			}
			continue
		}
		for _, tp := range w.tags {
			off := int(tp.pt.offset-w.start) * 2
			end := off + tp.regs*2
			if end > len(data) {
				update(tp.name, nil, int(errcode.TagTypeMismatch))
				continue
			}
			v, err := decodeValue(byName[tp.name], data[off:end])
			if err != nil {
				update(tp.name, nil, int(errcode.Of(err)))
				continue
			}
			update(tp.name, v, 0)
		}
	}
	return nil
}

func (d *Driver) readWindow(client mb.Client, w window) ([]byte, error) {
	d.mu.Lock()
	d.transport.setSlaveID(w.slaveID)
	d.mu.Unlock()

	switch w.area {
	case areaHoldingReg:
		return client.ReadHoldingRegisters(w.start, w.length)
	case areaInputRegister:
		return client.ReadInputRegisters(w.start, w.length)
	case areaCoil:
		return client.ReadCoils(w.start, w.length)
	case areaDiscreteInput:
		return client.ReadDiscreteInputs(w.start, w.length)
	default:
		return nil, fmt.Errorf("modbus: unsupported area %d", w.area)
	}
}

// WriteTag writes a single tag's value. Since the adapter passes only
// the tag name, the write resolves against tags tracked via AddTags.
func (d *Driver) WriteTag(ctx string, name string, value any, complete plugin.CompletionFunc) error {
	t, ok := d.trackedTag(name)
	if !ok {
		return errcode.New(errcode.TagNotExist, name)
	}
	pt, err := parseAddress(t.Address)
	if err != nil {
		return err
	}
	data, err := encodeValue(t, value)
	if err != nil {
		return err
	}

	d.mu.Lock()
	client := d.client
	connected := d.connected
	if connected {
		d.transport.setSlaveID(pt.slaveID)
	}
	d.mu.Unlock()
	if !connected {
		return errcode.New(errcode.NodeStateInvalid, "modbus: not connected")
	}

	var writeErr error
	switch pt.area {
	case areaHoldingReg:
		if registerCount(t) == 1 {
			_, writeErr = client.WriteSingleRegister(pt.offset, uint16(data[0])<<8|uint16(data[1]))
		} else {
			_, writeErr = client.WriteMultipleRegisters(pt.offset, uint16(registerCount(t)), data)
		}
	case areaCoil:
		coilValue := uint16(0x0000)
		if v, ok := value.(bool); ok && v {
			coilValue = 0xff00
		}
		_, writeErr = client.WriteSingleCoil(pt.offset, coilValue)
	default:
		writeErr = errcode.New(errcode.TagAttributeNotSupport, "modbus: area is not writable")
	}

	if complete != nil {
		complete(ctx, int(errcode.Of(writeErr)))
	}
	return writeErr
}
