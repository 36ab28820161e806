// Package metrics holds the hub's Prometheus counters. Every method is safe
// to call on a nil *Metrics, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fitness_hub"

type Metrics struct {
	commandsWritten   *prometheus.CounterVec
	responses         *prometheus.CounterVec
	truncatedFrames   prometheus.Counter
	passes            prometheus.Counter
	stalenessExpiries *prometheus.CounterVec
	roleChanges       *prometheus.CounterVec
	droppedUpdates    prometheus.Counter
}

// New creates the counters and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commandsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ftms",
			Name:      "commands_written_total",
			Help:      "Control Point commands written, by opcode.",
		}, []string{"opcode"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ftms",
			Name:      "responses_total",
			Help:      "Control Point responses received, by request opcode and result.",
		}, []string{"opcode", "result"}),
		truncatedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ftms",
			Name:      "truncated_frames_total",
			Help:      "Indoor Bike Data notifications with fields cut off.",
		}),
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ftms",
			Name:      "reconcile_passes_total",
			Help:      "Reconciliation passes that wrote a command.",
		}),
		stalenessExpiries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "staleness_expiries_total",
			Help:      "Aggregated values aged out, by metric.",
		}, []string{"metric"}),
		roleChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "role_changes_total",
			Help:      "Role assignments and unassignments, by role.",
		}, []string{"role"}),
		droppedUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_updates_dropped_total",
			Help:      "Status stream updates dropped for slow clients.",
		}),
	}
	reg.MustRegister(
		m.commandsWritten,
		m.responses,
		m.truncatedFrames,
		m.passes,
		m.stalenessExpiries,
		m.roleChanges,
		m.droppedUpdates,
	)
	return m
}

func (m *Metrics) CommandWritten(opcode string) {
	if m == nil {
		return
	}
	m.commandsWritten.WithLabelValues(opcode).Inc()
}

func (m *Metrics) Response(opcode, result string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(opcode, result).Inc()
}

func (m *Metrics) TruncatedFrame() {
	if m == nil {
		return
	}
	m.truncatedFrames.Inc()
}

func (m *Metrics) ReconcilePass() {
	if m == nil {
		return
	}
	m.passes.Inc()
}

func (m *Metrics) StalenessExpired(metric string) {
	if m == nil {
		return
	}
	m.stalenessExpiries.WithLabelValues(metric).Inc()
}

func (m *Metrics) RoleChanged(role string) {
	if m == nil {
		return
	}
	m.roleChanges.WithLabelValues(role).Inc()
}

func (m *Metrics) StreamUpdatesDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.droppedUpdates.Add(float64(n))
}
