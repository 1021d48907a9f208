// Package group implements the Tag container and change-detection
// protocol described by the original gateway's neu_group_t: a
// mutex-guarded map of tags plus a monotonically bumped
// change_timestamp that the driver scheduler polls to know when its
// poll plan must be rebuilt.
package group

import (
	"sync"
	"time"

	"github.com/cuemby/fieldbus/pkg/errcode"
	"github.com/cuemby/fieldbus/pkg/tag"
)

// ChangeCallback receives a rebuilt poll plan: the new timestamp, the
// STATIC tags, the non-STATIC readable tags (READ or SUBSCRIBE), and
// the group's current interval.
type ChangeCallback func(newTimestamp int64, staticTags, otherTags []*tag.Tag, interval time.Duration)

// Group is a named, mutex-guarded collection of tags polled at a
// fixed interval.
type Group struct {
	mu sync.Mutex

	name            string
	interval        time.Duration
	tags            map[string]*tag.Tag
	changeTimestamp int64
}

// New creates an empty group with the given name and poll interval.
func New(name string, interval time.Duration) *Group {
	return &Group{
		name:            name,
		interval:        interval,
		tags:            make(map[string]*tag.Tag),
		changeTimestamp: nowMicros(),
	}
}

func nowMicros() int64 {
	return time.Now().UnixMicro()
}

// Name returns the group's name.
func (g *Group) Name() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.name
}

// SetName renames the group. Callers that index groups by name (the
// node manager, subscription manager) are responsible for updating
// their own keys; this only changes the group's own record.
func (g *Group) SetName(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.name = name
}

// Interval returns the group's poll interval.
func (g *Group) Interval() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interval
}

// SetInterval updates the poll interval. Per the original's update
// semantics, changing the interval bumps change_timestamp so the
// scheduler picks up the new cadence on its next change_test.
func (g *Group) SetInterval(interval time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.interval != interval {
		g.interval = interval
		g.bumpLocked()
	}
}

func (g *Group) bumpLocked() {
	g.changeTimestamp = nowMicros()
}

// ChangeTimestamp returns the group's current change timestamp,
// in microseconds.
func (g *Group) ChangeTimestamp() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.changeTimestamp
}

// AddTag inserts a new tag, failing with TagNameConflict if one with
// the same name already exists.
func (g *Group) AddTag(t *tag.Tag) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tags[t.Name]; exists {
		return errcode.New(errcode.TagNameConflict, t.Name)
	}
	g.tags[t.Name] = t
	g.bumpLocked()
	return nil
}

// UpdateTag replaces an existing tag's definition, failing with
// TagNotExist if it doesn't exist.
func (g *Group) UpdateTag(t *tag.Tag) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tags[t.Name]; !exists {
		return errcode.New(errcode.TagNotExist, t.Name)
	}
	g.tags[t.Name] = t
	g.bumpLocked()
	return nil
}

// DelTag removes a tag by name. Deleting a tag that doesn't exist is
// a no-op, matching the original's idempotent delete.
func (g *Group) DelTag(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tags[name]; exists {
		delete(g.tags, name)
		g.bumpLocked()
	}
}

// GetTag returns a copy of the named tag.
func (g *Group) GetTag(name string) (*tag.Tag, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tags[name]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// FindTag is an alias for GetTag kept for parity with the original's
// separate find_tag/get_tag entry points (find_tag is used by
// validation paths, get_tag by read paths; the behavior is identical
// in this implementation).
func (g *Group) FindTag(name string) (*tag.Tag, bool) {
	return g.GetTag(name)
}

// QueryTag returns copies of every tag in the group.
func (g *Group) QueryTag() []*tag.Tag {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.toArrayLocked(nil)
}

// QueryReadTag returns copies of tags that are part of the poll plan:
// READ, SUBSCRIBE, or STATIC.
func (g *Group) QueryReadTag() []*tag.Tag {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.toArrayLocked(func(t *tag.Tag) bool { return t.Attribute.Readable() })
}

func (g *Group) toArrayLocked(filter func(*tag.Tag) bool) []*tag.Tag {
	out := make([]*tag.Tag, 0, len(g.tags))
	for _, t := range g.tags {
		if filter == nil || filter(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// TagSize returns the number of tags currently in the group.
func (g *Group) TagSize() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tags)
}

// splitStatic partitions readable tags into STATIC tags and other
// (READ/SUBSCRIBE, non-STATIC) tags, mirroring the original's
// split_static_array.
func splitStatic(tags []*tag.Tag) (static, other []*tag.Tag) {
	for _, t := range tags {
		if t.Attribute.Has(tag.AttrStatic) {
			static = append(static, t)
		} else if t.Attribute.Has(tag.AttrRead) || t.Attribute.Has(tag.AttrSubscribe) {
			other = append(other, t)
		}
	}
	return static, other
}

// SplitStaticTags returns the group's current STATIC and non-STATIC
// readable tags as a snapshot pair, without involving change
// detection.
func (g *Group) SplitStaticTags() (static, other []*tag.Tag) {
	g.mu.Lock()
	all := g.toArrayLocked(func(t *tag.Tag) bool { return t.Attribute.Readable() })
	g.mu.Unlock()
	return splitStatic(all)
}

// IsChange reports whether the group's change_timestamp differs from
// lastTimestamp, without invoking a callback.
func (g *Group) IsChange(lastTimestamp int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.changeTimestamp != lastTimestamp
}

// ChangeTest is the sole mechanism by which the driver scheduler
// rebuilds its poll plan. If the group's change_timestamp equals
// lastTimestamp, it does nothing. Otherwise it snapshots the group's
// STATIC and other readable tags and invokes cb with the new
// timestamp, the two snapshot arrays, and the group's interval. The
// snapshot is taken while holding the group's mutex only long enough
// to copy; cb itself runs outside the lock.
func (g *Group) ChangeTest(lastTimestamp int64, cb ChangeCallback) {
	g.mu.Lock()
	if g.changeTimestamp == lastTimestamp {
		g.mu.Unlock()
		return
	}
	newTimestamp := g.changeTimestamp
	interval := g.interval
	all := g.toArrayLocked(func(t *tag.Tag) bool { return t.Attribute.Readable() })
	g.mu.Unlock()

	static, other := splitStatic(all)
	cb(newTimestamp, static, other, interval)
}
