package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// rollingWindows are the gateway's fixed rolling-counter windows
// (SEND_BYTES_{5s,30s,60s} and friends in spec terms), expressed here
// as bucket counts over a 1-second granularity ring.
var rollingWindows = []struct {
	label   string
	seconds int
}{
	{"5s", 5},
	{"30s", 30},
	{"60s", 60},
}

const ringSize = 60

// RollingCounter is a bucketed sliding-window counter: one bucket per
// second over the last 60 seconds. Add accumulates into the current
// bucket; Value sums the last N buckets for a requested window. A
// background goroutine advances the ring once per second, so readers
// never pay for bucket rotation.
type RollingCounter struct {
	mu      sync.Mutex
	buckets [ringSize]int64
	head    int
	gauges  map[string]prometheus.Gauge
	stopCh  chan struct{}
	started bool
}

// NewRollingCounter creates a counter with its ring advancing
// immediately.
func NewRollingCounter() *RollingCounter {
	rc := &RollingCounter{
		gauges: make(map[string]prometheus.Gauge),
		stopCh: make(chan struct{}),
	}
	rc.run()
	return rc
}

// Windows returns the window labels this counter tracks.
func (rc *RollingCounter) Windows() []string {
	labels := make([]string, len(rollingWindows))
	for i, w := range rollingWindows {
		labels[i] = w.label
	}
	return labels
}

func (rc *RollingCounter) attach(label string, gauge prometheus.Gauge) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.gauges[label] = gauge
}

func (rc *RollingCounter) run() {
	if rc.started {
		return
	}
	rc.started = true
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rc.advance()
			case <-rc.stopCh:
				return
			}
		}
	}()
}

func (rc *RollingCounter) advance() {
	rc.mu.Lock()
	rc.head = (rc.head + 1) % ringSize
	atomic.StoreInt64(&rc.buckets[rc.head], 0)
	for _, w := range rollingWindows {
		sum := rc.sumLocked(w.seconds)
		if g, ok := rc.gauges[w.label]; ok {
			g.Set(float64(sum))
		}
	}
	rc.mu.Unlock()
}

// Add accumulates n into the current bucket.
func (rc *RollingCounter) Add(n int64) {
	rc.mu.Lock()
	atomic.AddInt64(&rc.buckets[rc.head], n)
	rc.mu.Unlock()
}

func (rc *RollingCounter) sumLocked(seconds int) int64 {
	var sum int64
	idx := rc.head
	for i := 0; i < seconds; i++ {
		sum += atomic.LoadInt64(&rc.buckets[idx])
		idx--
		if idx < 0 {
			idx = ringSize - 1
		}
	}
	return sum
}

// Value returns the current sum over the given window (5s, 30s, or
// 60s); any other duration is rounded down to the nearest second and
// clamped to the ring size.
func (rc *RollingCounter) Value(window time.Duration) int64 {
	seconds := int(window / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	if seconds > ringSize {
		seconds = ringSize
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.sumLocked(seconds)
}

func (rc *RollingCounter) stop() {
	close(rc.stopCh)
}
