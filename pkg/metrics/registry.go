package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Kind selects which prometheus collector type a registered metric
// uses, mirroring the original gateway's COUNTER/GAUGE/ROLLING_COUNTER
// entry kinds.
type Kind int

const (
	KindCounter Kind = iota
	KindGauge
	KindRollingCounter
)

type entry struct {
	kind    Kind
	counter *prometheus.CounterVec
	gauge   *prometheus.GaugeVec
	rolling *RollingCounter
	refs    int
}

// Registry holds per-node, per-name metric entries with refcounts:
// several adapters (or an adapter and its app subscribers) can share a
// registered metric name, and the underlying Prometheus collector is
// only unregistered once the last referent releases it. This
// generalizes the original's static per-node metric table, where
// metrics came and went with the node itself, into Go's
// register-once-per-name Prometheus model.
type Registry struct {
	mu      sync.Mutex
	reg     *prometheus.Registry
	entries map[string]*entry
}

// NewRegistry creates a Registry backed by its own prometheus.Registry
// so gateway metrics don't collide with the default global registry's
// per-process metrics.
func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	return &Registry{
		reg:     r,
		entries: make(map[string]*entry),
	}
}

// Gatherer exposes the underlying prometheus.Gatherer for an HTTP
// handler.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// AcquireCounter registers (or reuses) a CounterVec labeled by node
// and group, incrementing its refcount.
func (r *Registry) AcquireCounter(name, help string) (*prometheus.CounterVec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[name]; ok {
		if e.kind != KindCounter {
			return nil, fmt.Errorf("metrics: %q already registered as a different kind", name)
		}
		e.refs++
		return e.counter, nil
	}

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, []string{"node", "group"})
	if err := r.reg.Register(vec); err != nil {
		return nil, err
	}
	r.entries[name] = &entry{kind: KindCounter, counter: vec, refs: 1}
	return vec, nil
}

// AcquireGauge registers (or reuses) a GaugeVec labeled by node and
// group, incrementing its refcount.
func (r *Registry) AcquireGauge(name, help string) (*prometheus.GaugeVec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[name]; ok {
		if e.kind != KindGauge {
			return nil, fmt.Errorf("metrics: %q already registered as a different kind", name)
		}
		e.refs++
		return e.gauge, nil
	}

	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, []string{"node", "group"})
	if err := r.reg.Register(vec); err != nil {
		return nil, err
	}
	r.entries[name] = &entry{kind: KindGauge, gauge: vec, refs: 1}
	return vec, nil
}

// AcquireRollingCounter registers (or reuses) a rolling counter with
// the gateway's fixed 5s/30s/60s windows.
func (r *Registry) AcquireRollingCounter(name, help string) (*RollingCounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[name]; ok {
		if e.kind != KindRollingCounter {
			return nil, fmt.Errorf("metrics: %q already registered as a different kind", name)
		}
		e.refs++
		return e.rolling, nil
	}

	rc := NewRollingCounter()
	for _, window := range rc.Windows() {
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_%s", name, window),
			Help: fmt.Sprintf("%s, rolling %s window", help, window),
		})
		if err := r.reg.Register(gauge); err != nil {
			return nil, err
		}
		rc.attach(window, gauge)
	}
	r.entries[name] = &entry{kind: KindRollingCounter, rolling: rc, refs: 1}
	return rc, nil
}

// Release decrements name's refcount, unregistering its Prometheus
// collector(s) once it reaches zero.
func (r *Registry) Release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}

	switch e.kind {
	case KindCounter:
		r.reg.Unregister(e.counter)
	case KindGauge:
		r.reg.Unregister(e.gauge)
	case KindRollingCounter:
		e.rolling.stop()
		for _, g := range e.rolling.gauges {
			r.reg.Unregister(g)
		}
	}
	delete(r.entries, name)
}
