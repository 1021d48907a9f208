package manager

import (
	"time"

	"github.com/cuemby/fieldbus/pkg/metrics"
	"github.com/cuemby/fieldbus/pkg/node"
	"github.com/cuemby/fieldbus/pkg/plugin"
)

// MetricsCollector periodically samples the manager's node table into
// the process-global gauges in pkg/metrics.
type MetricsCollector struct {
	manager  *Manager
	interval time.Duration
	stopCh   chan struct{}
}

// NewMetricsCollector creates a collector for mgr, sampling every
// interval (typically a few seconds).
func NewMetricsCollector(mgr *Manager, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		manager:  mgr,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sampling loop in a background goroutine.
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop ends the sampling loop.
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	drivers := c.manager.Nodes().Filter(node.FilterOptions{Type: typePtr(plugin.TypeDriver)})
	apps := c.manager.Nodes().Filter(node.FilterOptions{Type: typePtr(plugin.TypeApp)})

	metrics.SouthNodesTotal.Set(float64(len(drivers)))
	metrics.NorthNodesTotal.Set(float64(len(apps)))

	var southRunning, northRunning float64
	for _, n := range drivers {
		if n.State == node.StateRunning {
			southRunning++
		}
	}
	for _, n := range apps {
		if n.State == node.StateRunning {
			northRunning++
		}
	}
	metrics.SouthRunningNodesTotal.Set(southRunning)
	metrics.NorthRunningNodesTotal.Set(northRunning)
}

func typePtr(t plugin.Type) *plugin.Type { return &t }
