package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/fieldbus/pkg/plugin"
	"github.com/cuemby/fieldbus/pkg/storage"
	"github.com/cuemby/fieldbus/pkg/tag"
)

// Manifest is the YAML document accepted by "fieldbus apply": a flat
// list of nodes (driver or app instances), each driver node's groups
// and tags, and the subscriptions wiring a driver's group to an app.
// Grounded on the teacher's WarrenResource manifest shape, re-keyed
// from Warren's Service/Secret/Volume kinds to this gateway's
// node/group/subscription entities, and applied offline straight to
// the bbolt store since this rewrite has no live manager RPC to
// apply against.
type Manifest struct {
	Nodes         []ManifestNode         `yaml:"nodes,omitempty"`
	Subscriptions []ManifestSubscription `yaml:"subscriptions,omitempty"`
}

// ManifestNode describes one driver or app instance.
type ManifestNode struct {
	Name    string          `yaml:"name"`
	Plugin  string          `yaml:"plugin"`
	Type    string          `yaml:"type"` // "driver" or "app"
	Setting map[string]any  `yaml:"setting,omitempty"`
	Groups  []ManifestGroup `yaml:"groups,omitempty"`
}

// ManifestGroup describes one group of tags polled on a driver node.
type ManifestGroup struct {
	Name     string        `yaml:"name"`
	Interval string        `yaml:"interval"`
	Tags     []ManifestTag `yaml:"tags"`
}

// ManifestTag mirrors tag.Tag's YAML-facing fields.
type ManifestTag struct {
	Name        string   `yaml:"name"`
	Address     string   `yaml:"address"`
	Type        string   `yaml:"type"`
	Attributes  []string `yaml:"attributes"`
	Precision   int      `yaml:"precision,omitempty"`
	Decimal     float64  `yaml:"decimal,omitempty"`
	Description string   `yaml:"description,omitempty"`
	StaticValue any      `yaml:"value,omitempty"`
}

// ManifestSubscription wires a driver's group to an app, with
// per-subscription routing params (e.g. the app's publish topic).
type ManifestSubscription struct {
	Driver string         `yaml:"driver"`
	App    string         `yaml:"app"`
	Group  string         `yaml:"group"`
	Params map[string]any `yaml:"params,omitempty"`
}

var tagTypes = map[string]tag.Type{
	"int8":    tag.TypeInt8,
	"uint8":   tag.TypeUint8,
	"int16":   tag.TypeInt16,
	"uint16":  tag.TypeUint16,
	"int32":   tag.TypeInt32,
	"uint32":  tag.TypeUint32,
	"int64":   tag.TypeInt64,
	"uint64":  tag.TypeUint64,
	"float":   tag.TypeFloat,
	"double":  tag.TypeDouble,
	"bool":    tag.TypeBool,
	"bit":     tag.TypeBit,
	"string":  tag.TypeString,
	"bytes":   tag.TypeBytes,
	"word":    tag.TypeWord,
	"dword":   tag.TypeDword,
	"lword":   tag.TypeLword,
}

var tagAttributes = map[string]tag.Attribute{
	"read":      tag.AttrRead,
	"write":     tag.AttrWrite,
	"subscribe": tag.AttrSubscribe,
	"static":    tag.AttrStatic,
}

func (mt ManifestTag) toTag() (*tag.Tag, error) {
	typ, ok := tagTypes[mt.Type]
	if !ok {
		return nil, fmt.Errorf("tag %q: unknown type %q", mt.Name, mt.Type)
	}

	var attr tag.Attribute
	for _, a := range mt.Attributes {
		bit, ok := tagAttributes[a]
		if !ok {
			return nil, fmt.Errorf("tag %q: unknown attribute %q", mt.Name, a)
		}
		attr |= bit
	}

	t := &tag.Tag{
		Name:        mt.Name,
		Address:     mt.Address,
		Type:        typ,
		Attribute:   attr,
		Precision:   mt.Precision,
		Decimal:     mt.Decimal,
		Description: mt.Description,
		StaticValue: mt.StaticValue,
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("tag %q: %w", mt.Name, err)
	}
	return t, nil
}

func (mg ManifestGroup) toStoredGroup(driver string) (storage.StoredGroup, error) {
	interval, err := time.ParseDuration(mg.Interval)
	if err != nil {
		return storage.StoredGroup{}, fmt.Errorf("group %q: invalid interval %q: %w", mg.Name, mg.Interval, err)
	}

	tags := make([]*tag.Tag, 0, len(mg.Tags))
	for _, mt := range mg.Tags {
		t, err := mt.toTag()
		if err != nil {
			return storage.StoredGroup{}, fmt.Errorf("group %q: %w", mg.Name, err)
		}
		tags = append(tags, t)
	}

	return storage.StoredGroup{
		Driver:   driver,
		Name:     mg.Name,
		Interval: interval,
		Tags:     tags,
	}, nil
}

func (mn ManifestNode) toStoredNode() (storage.StoredNode, error) {
	var typ plugin.Type
	switch mn.Type {
	case "driver":
		typ = plugin.TypeDriver
	case "app":
		typ = plugin.TypeApp
	default:
		return storage.StoredNode{}, fmt.Errorf("node %q: type must be \"driver\" or \"app\", got %q", mn.Name, mn.Type)
	}

	var setting json.RawMessage
	if len(mn.Setting) > 0 {
		data, err := json.Marshal(mn.Setting)
		if err != nil {
			return storage.StoredNode{}, fmt.Errorf("node %q: encode setting: %w", mn.Name, err)
		}
		setting = data
	}

	return storage.StoredNode{
		Name:    mn.Name,
		Plugin:  mn.Plugin,
		Type:    typ,
		Setting: setting,
	}, nil
}

func (ms ManifestSubscription) toStoredSubscription() storage.StoredSubscription {
	return storage.StoredSubscription{
		Driver: ms.Driver,
		App:    ms.App,
		Group:  ms.Group,
		Params: ms.Params,
	}
}
