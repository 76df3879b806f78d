// Package metrics exposes panel link and grid activity to Prometheus.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/genricoloni/matrixd/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "matrixd"

// Collector records link and grid events. It satisfies both the link and
// grid observer interfaces.
type Collector struct {
	registry *prometheus.Registry

	writes          *prometheus.CounterVec
	writeDuration   prometheus.Histogram
	commands        prometheus.Counter
	stateChanges    *prometheus.CounterVec
	connectedPanels prometheus.Gauge
	gridOps         *prometheus.CounterVec
	gridPanels      *prometheus.CounterVec

	mu        sync.Mutex
	connected map[string]bool
}

// NewCollector creates the collectors on a private registry
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panel_writes_total",
			Help:      "Writes completed per panel, by result kind",
		}, []string{"address", "result"}),
		writeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "panel_write_duration_seconds",
			Help:      "Time from dispatch to acknowledgment of one write",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		commands: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panel_commands_total",
			Help:      "Wire commands submitted to panels",
		}),
		stateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_state_changes_total",
			Help:      "Link state transitions, by new state",
		}, []string{"state"}),
		connectedPanels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_panels",
			Help:      "Panels whose link currently accepts writes",
		}),
		gridOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grid_operations_total",
			Help:      "Grid-wide operations, by operation and outcome",
		}, []string{"op", "outcome"}),
		gridPanels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grid_panel_outcomes_total",
			Help:      "Per-panel results of grid-wide operations",
		}, []string{"op", "status"}),
		connected: make(map[string]bool),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.writes,
		c.writeDuration,
		c.commands,
		c.stateChanges,
		c.connectedPanels,
		c.gridOps,
		c.gridPanels,
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveWrite records one completed link write
func (c *Collector) ObserveWrite(address string, commands int, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = string(domain.KindOf(err))
	}
	c.writes.WithLabelValues(address, result).Inc()
	c.commands.Add(float64(commands))
	c.writeDuration.Observe(elapsed.Seconds())
}

// ObserveState records a link state transition
func (c *Collector) ObserveState(address string, state domain.LinkState) {
	c.stateChanges.WithLabelValues(string(state)).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Writing toggles in and out of Connected and does not change connectivity.
	if state == domain.StateWriting {
		return
	}
	now := state.Usable()
	if c.connected[address] == now {
		return
	}
	c.connected[address] = now
	if now {
		c.connectedPanels.Inc()
	} else {
		c.connectedPanels.Dec()
	}
}

// ObserveGrid records the outcome of a grid-wide operation
func (c *Collector) ObserveGrid(op string, result *domain.GridResult) {
	outcome := "failed"
	switch {
	case result.Complete():
		outcome = "complete"
	case result.Partial():
		outcome = "partial"
	}
	c.gridOps.WithLabelValues(op, outcome).Inc()

	for _, o := range result.Outcomes {
		c.gridPanels.WithLabelValues(op, string(o.Status)).Inc()
	}
}
