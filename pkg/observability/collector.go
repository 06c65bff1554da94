package observability

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel"
)

// StatsSource returns the kernel counters at scrape time.
type StatsSource func() kernel.Stats

type statDesc struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(kernel.Stats) float64
}

// KernelCollector exposes kernel.Stats as Prometheus metrics. It reads the
// source on every scrape and keeps no state of its own.
type KernelCollector struct {
	source StatsSource
	stats  []statDesc
}

var _ prometheus.Collector = (*KernelCollector)(nil)

// NewKernelCollector builds a collector under namespace (default "esta").
func NewKernelCollector(namespace string, source StatsSource) *KernelCollector {
	if namespace == "" {
		namespace = "esta"
	}
	c := &KernelCollector{source: source}
	add := func(subsystem, name, help string, kind prometheus.ValueType, value func(kernel.Stats) float64) {
		c.stats = append(c.stats, statDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil),
			kind:  kind,
			value: value,
		})
	}
	counter, gauge := prometheus.CounterValue, prometheus.GaugeValue

	add("scheduler", "processes", "Processes known to the scheduler", gauge,
		func(s kernel.Stats) float64 { return float64(s.Scheduler.TotalProcesses) })
	add("scheduler", "ready_processes", "Processes ready to run", gauge,
		func(s kernel.Stats) float64 { return float64(s.Scheduler.ReadyProcesses) })
	add("scheduler", "context_switches_total", "Scheduler dispatches", counter,
		func(s kernel.Stats) float64 { return float64(s.Scheduler.ContextSwitches) })
	add("scheduler", "cpu_time_ms_total", "Simulated CPU time charged to processes", counter,
		func(s kernel.Stats) float64 { return float64(s.Scheduler.TotalCPUTimeMs) })
	add("scheduler", "idle_time_ms_total", "Simulated time with nothing running", counter,
		func(s kernel.Stats) float64 { return float64(s.Scheduler.IdleTimeMs) })

	add("router", "routed_total", "Messages resolved to a destination", counter,
		func(s kernel.Stats) float64 { return float64(s.Router.TotalRouted) })
	add("router", "pending_messages", "Routed messages not yet acknowledged", gauge,
		func(s kernel.Stats) float64 { return float64(s.Router.PendingMessages) })
	add("router", "failures_total", "Channels with no route", counter,
		func(s kernel.Stats) float64 { return float64(s.Router.RouteFailures) })
	add("router", "queued_messages", "Messages waiting in mailboxes", gauge,
		func(s kernel.Stats) float64 { return float64(s.Router.QueuedMessages) })

	add("capability", "issued_total", "Capabilities ever issued", counter,
		func(s kernel.Stats) float64 { return float64(s.Capabilities.TotalCapabilities) })
	add("capability", "active", "Capabilities currently held", gauge,
		func(s kernel.Stats) float64 { return float64(s.Capabilities.ActiveCapabilities) })
	add("capability", "validations_total", "Successful capability validations", counter,
		func(s kernel.Stats) float64 { return float64(s.Capabilities.TotalValidations) })
	add("capability", "validation_failures_total", "Failed capability validations", counter,
		func(s kernel.Stats) float64 { return float64(s.Capabilities.ValidationFailures) })
	add("capability", "revocations_total", "Capabilities revoked", counter,
		func(s kernel.Stats) float64 { return float64(s.Capabilities.Revocations) })
	add("capability", "delegations_total", "Capabilities delegated", counter,
		func(s kernel.Stats) float64 { return float64(s.Capabilities.Delegations) })
	add("capability", "expirations_total", "Capabilities swept after expiry", counter,
		func(s kernel.Stats) float64 { return float64(s.Capabilities.Expirations) })

	add("loader", "loads_attempted_total", "Module loads attempted", counter,
		func(s kernel.Stats) float64 { return float64(s.Loader.LoadsAttempted) })
	add("loader", "loads_succeeded_total", "Module loads that reached running", counter,
		func(s kernel.Stats) float64 { return float64(s.Loader.LoadsSucceeded) })
	add("loader", "loads_failed_total", "Module loads that failed", counter,
		func(s kernel.Stats) float64 { return float64(s.Loader.LoadsFailed) })
	add("loader", "running_modules", "Modules in the running state", gauge,
		func(s kernel.Stats) float64 { return float64(s.Loader.RunningModules) })

	add("messages", "delivered_total", "Messages a handler returned a result for", counter,
		func(s kernel.Stats) float64 { return float64(s.Messages.Delivered) })
	add("messages", "rejected_total", "Messages refused before reaching a handler", counter,
		func(s kernel.Stats) float64 { return float64(s.Messages.Rejected) })
	add("messages", "handler_errors_total", "Handler calls that failed", counter,
		func(s kernel.Stats) float64 { return float64(s.Messages.HandlerErrors) })
	add("messages", "posted_total", "Messages queued for asynchronous delivery", counter,
		func(s kernel.Stats) float64 { return float64(s.Messages.Posted) })
	add("messages", "dropped_total", "Queued messages discarded at teardown", counter,
		func(s kernel.Stats) float64 { return float64(s.Messages.Dropped) })
	return c
}

func (c *KernelCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, s := range c.stats {
		ch <- s.desc
	}
}

func (c *KernelCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.source()
	for _, s := range c.stats {
		ch <- prometheus.MustNewConstMetric(s.desc, s.kind, s.value(st))
	}
}

// NewRegistry returns a registry holding only the kernel collector.
func NewRegistry(namespace string, source StatsSource) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewKernelCollector(namespace, source)); err != nil {
		return nil, err
	}
	return reg, nil
}

// WriteText writes every metric in g in the Prometheus text format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
