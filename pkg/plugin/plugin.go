// Package plugin defines the driver/app capability interfaces and the
// static registry adapters instantiate from. The original gateway
// loaded plugins as .so files and called into them through a
// descriptor of function pointers (intf_funs); this redesign has no
// dynamic loader, so a plugin is instead a Go type registered at
// program init time under a module name, and its optional behaviors
// (write support, cross-tag validation, tag loading) are expressed as
// optional interfaces the adapter type-asserts for, in the manner of
// io.ReaderAt or http.Flusher, rather than nil-checked function
// pointers.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cuemby/fieldbus/pkg/eventloop"
	"github.com/cuemby/fieldbus/pkg/group"
	"github.com/cuemby/fieldbus/pkg/tag"
)

// Type distinguishes a south-bound driver plugin from a north-bound
// app plugin.
type Type int

const (
	TypeDriver Type = iota
	TypeApp
)

func (t Type) String() string {
	if t == TypeDriver {
		return "DRIVER"
	}
	return "APP"
}

// UpdateFunc is supplied by the adapter to a driver plugin so the
// plugin can report a tag reading (or per-tag error) into the
// adapter's cache without knowing about the cache's implementation.
type UpdateFunc func(tagName string, value any, errCode int)

// CompletionFunc is invoked by a plugin to complete an asynchronous
// write, echoing the original request's ctx.
type CompletionFunc func(ctx string, errCode int)

// LinkState is reported by a plugin when its southbound device or
// northbound transport connection changes state.
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnected
)

// LinkStateFunc lets a plugin mirror its connection state onto the
// adapter's metrics.
type LinkStateFunc func(state LinkState)

// Plugin is the common lifecycle every module implements, matching
// the original descriptor's open/close/init/uninit/start/stop/setting.
type Plugin interface {
	Open(ctx context.Context) error
	Close() error
	Init(setting json.RawMessage) error
	Uninit() error
	Start() error
	Stop() error
	Setting(setting json.RawMessage) error
}

// DriverPlugin is a south-bound module. GroupTimer is the only
// mandatory per-group behavior; everything else is optional and
// discovered via type assertion.
type DriverPlugin interface {
	Plugin
	// GroupTimer performs one device round-trip for g's current poll
	// plan and reports results through update.
	GroupTimer(g *group.Group, update UpdateFunc) error
}

// GroupSyncer is an optional driver behavior for plugins that can
// synchronize a group's plan without waiting for the next tick.
type GroupSyncer interface {
	GroupSync(g *group.Group) error
}

// TagValidator is an optional driver behavior: per-tag syntactic or
// plugin-level validation, phase (i) of ADD_GTAG.
type TagValidator interface {
	ValidateTag(t *tag.Tag) error
}

// GroupTagValidator is an optional driver behavior: cross-tag
// constraints over a full candidate tag set, phase (ii) of ADD_GTAG.
type GroupTagValidator interface {
	ValidateTags(tags []*tag.Tag) error
}

// TagWriter is an optional driver behavior for single-tag writes.
type TagWriter interface {
	WriteTag(ctx string, t string, value any, complete CompletionFunc) error
}

// TagsWriter is an optional driver behavior for batched writes.
type TagsWriter interface {
	WriteTags(ctx string, values map[string]any, complete CompletionFunc) error
}

// TagLoader is an optional driver behavior for plugins that can
// enumerate tags from the device itself (tag discovery).
type TagLoader interface {
	LoadTags() ([]*tag.Tag, error)
}

// TagsAdder and TagsDeleter let a plugin react to tag set changes
// beyond what the generic group/tag model already tracks (e.g. to
// program a device-side filter).
type TagsAdder interface {
	AddTags(tags []*tag.Tag) error
}
type TagsDeleter interface {
	DelTags(names []string) error
}

// LinkStateReporter is an optional behavior for plugins that report
// their connection state asynchronously rather than being polled.
type LinkStateReporter interface {
	OnLinkState(LinkStateFunc)
}

// AppPlugin is a north-bound module. Publish hands one TransData
// event's worth of tag values, already encoded by the adapter's route
// table lookup, to the upstream transport.
type AppPlugin interface {
	Plugin
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Descriptor mirrors the original module descriptor: identifying and
// capability metadata an adapter consults before instantiating and
// driving a plugin.
type Descriptor struct {
	Version     string
	Schema      string
	ModuleName  string
	Description string
	Type        Type
	Kind        string
	Display     string
	Single      bool
	SingleName  string
	TimerType   eventloop.TimerType
	CacheType   int // 0 = fail fast, 1 = bounded local replay
}

// Factory constructs a fresh plugin instance. Driver factories return
// a DriverPlugin, app factories an AppPlugin; the registry does not
// constrain the return type further than `any` so a single Factory
// type serves both.
type Factory func() any

type registration struct {
	descriptor Descriptor
	factory    Factory
}

// Registry is the static, in-process replacement for the original's
// dynamic .so loader.
type Registry struct {
	mu  sync.RWMutex
	mod map[string]registration
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{mod: make(map[string]registration)}
}

// Register adds a module under its descriptor's ModuleName. Re-
// registering the same name is an error.
func (r *Registry) Register(desc Descriptor, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.mod[desc.ModuleName]; exists {
		return fmt.Errorf("plugin: module %q already registered", desc.ModuleName)
	}
	r.mod[desc.ModuleName] = registration{descriptor: desc, factory: factory}
	return nil
}

// Lookup returns a module's descriptor and factory.
func (r *Registry) Lookup(moduleName string) (Descriptor, Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.mod[moduleName]
	if !ok {
		return Descriptor{}, nil, false
	}
	return reg.descriptor, reg.factory, true
}

// List returns every registered module's descriptor.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.mod))
	for _, reg := range r.mod {
		out = append(out, reg.descriptor)
	}
	return out
}
