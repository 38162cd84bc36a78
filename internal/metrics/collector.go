package fabricmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "fabric"
	subsystem = "router"
)

// Label names for fabric metrics.
const (
	labelEP         = "ep"
	labelType       = "type"
	labelQueue      = "queue"
	labelPriority   = "priority"
	labelFromState  = "from_state"
	labelToState    = "to_state"
	labelFaultKind  = "kind"
	labelDiscovery  = "discovery_mode"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Fabric Metrics
// -------------------------------------------------------------------------

// Collector holds every Prometheus metric the fabric daemon exposes.
//
//   - Route/member gauges track the currently-known topology.
//   - Message counters track TX/RX/drop volumes per envelope type.
//   - Session counters track query/reply outcomes.
//   - Cluster counters record FSM transitions for alerting.
//   - Queue gauges/counters track depth, commits, rollbacks and
//     dead-letter moves.
type Collector struct {
	// RoutesKnown tracks the number of entries currently held in the
	// local route table, labeled by discovery mode.
	RoutesKnown *prometheus.GaugeVec

	// DeadRouterEvictions counts route-table entries removed because
	// their originating router stopped advertising.
	DeadRouterEvictions *prometheus.CounterVec

	// MessagesSent counts envelopes transmitted, labeled by TypeName.
	MessagesSent *prometheus.CounterVec

	// MessagesReceived counts envelopes accepted off the wire, labeled
	// by TypeName.
	MessagesReceived *prometheus.CounterVec

	// MessagesDropped counts envelopes discarded (TTL exhausted,
	// validation failure, no route, full dispatch queue), labeled by
	// TypeName.
	MessagesDropped *prometheus.CounterVec

	// SessionsOpened counts query sessions started.
	SessionsOpened prometheus.Counter

	// SessionsTimedOut counts query sessions that exhausted their
	// retry budget without a reply.
	SessionsTimedOut prometheus.Counter

	// SessionsFaulted counts query sessions that completed with a
	// SessionFault reply.
	SessionsFaulted prometheus.Counter

	// ClusterStateTransitions counts FSM state transitions in the
	// cluster membership manager.
	ClusterStateTransitions *prometheus.CounterVec

	// QueueDepth tracks the number of messages currently resident in
	// each named queue, labeled by priority.
	QueueDepth *prometheus.GaugeVec

	// QueueCommits counts transaction commits applied to a queue.
	QueueCommits *prometheus.CounterVec

	// QueueRollbacks counts transaction rollbacks applied to a queue.
	QueueRollbacks *prometheus.CounterVec

	// QueueDeadLettered counts messages migrated to a dead-letter
	// queue after expiry or delivery exhaustion.
	QueueDeadLettered *prometheus.CounterVec
}

// NewCollector creates a Collector with every fabric metric registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "fabric_router_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.RoutesKnown,
		c.DeadRouterEvictions,
		c.MessagesSent,
		c.MessagesReceived,
		c.MessagesDropped,
		c.SessionsOpened,
		c.SessionsTimedOut,
		c.SessionsFaulted,
		c.ClusterStateTransitions,
		c.QueueDepth,
		c.QueueCommits,
		c.QueueRollbacks,
		c.QueueDeadLettered,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		RoutesKnown: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "routes_known",
			Help:      "Number of entries currently held in the local route table.",
		}, []string{labelDiscovery}),

		DeadRouterEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dead_router_evictions_total",
			Help:      "Total route-table entries removed because their originating router went silent.",
		}, []string{labelEP}),

		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_sent_total",
			Help:      "Total envelopes transmitted, by type.",
		}, []string{labelType}),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_received_total",
			Help:      "Total envelopes accepted off the wire, by type.",
		}, []string{labelType}),

		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_dropped_total",
			Help:      "Total envelopes discarded, by type.",
		}, []string{labelType}),

		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_opened_total",
			Help:      "Total query sessions started.",
		}),

		SessionsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_timed_out_total",
			Help:      "Total query sessions that exhausted their retry budget without a reply.",
		}),

		SessionsFaulted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_faulted_total",
			Help:      "Total query sessions that completed with a SessionFault reply.",
		}),

		ClusterStateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cluster_state_transitions_total",
			Help:      "Total cluster membership FSM state transitions.",
		}, []string{labelFromState, labelToState}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Number of messages currently resident in a named queue.",
		}, []string{labelQueue, labelPriority}),

		QueueCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_commits_total",
			Help:      "Total transaction commits applied to a queue.",
		}, []string{labelQueue}),

		QueueRollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_rollbacks_total",
			Help:      "Total transaction rollbacks applied to a queue.",
		}, []string{labelQueue}),

		QueueDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_dead_lettered_total",
			Help:      "Total messages migrated to a dead-letter queue.",
		}, []string{labelQueue}),
	}
}

// -------------------------------------------------------------------------
// Routing
// -------------------------------------------------------------------------

// SetRoutesKnown sets the route-table gauge for the given discovery mode.
func (c *Collector) SetRoutesKnown(discoveryMode string, n int) {
	c.RoutesKnown.WithLabelValues(discoveryMode).Set(float64(n))
}

// IncDeadRouterEviction increments the eviction counter for ep.
func (c *Collector) IncDeadRouterEviction(ep string) {
	c.DeadRouterEvictions.WithLabelValues(ep).Inc()
}

// -------------------------------------------------------------------------
// Message Counters
// -------------------------------------------------------------------------

// IncMessagesSent increments the sent counter for typeName.
func (c *Collector) IncMessagesSent(typeName string) {
	c.MessagesSent.WithLabelValues(typeName).Inc()
}

// IncMessagesReceived increments the received counter for typeName.
func (c *Collector) IncMessagesReceived(typeName string) {
	c.MessagesReceived.WithLabelValues(typeName).Inc()
}

// IncMessagesDropped increments the dropped counter for typeName.
func (c *Collector) IncMessagesDropped(typeName string) {
	c.MessagesDropped.WithLabelValues(typeName).Inc()
}

// -------------------------------------------------------------------------
// Sessions
// -------------------------------------------------------------------------

// IncSessionsOpened increments the opened-session counter.
func (c *Collector) IncSessionsOpened() { c.SessionsOpened.Inc() }

// IncSessionsTimedOut increments the timed-out-session counter.
func (c *Collector) IncSessionsTimedOut() { c.SessionsTimedOut.Inc() }

// IncSessionsFaulted increments the faulted-session counter.
func (c *Collector) IncSessionsFaulted() { c.SessionsFaulted.Inc() }

// -------------------------------------------------------------------------
// Cluster
// -------------------------------------------------------------------------

// RecordClusterTransition increments the cluster FSM transition counter
// with the old and new state labels.
func (c *Collector) RecordClusterTransition(from, to string) {
	c.ClusterStateTransitions.WithLabelValues(from, to).Inc()
}

// -------------------------------------------------------------------------
// Queues
// -------------------------------------------------------------------------

// SetQueueDepth sets the depth gauge for queue/priority.
func (c *Collector) SetQueueDepth(queue, priority string, n int) {
	c.QueueDepth.WithLabelValues(queue, priority).Set(float64(n))
}

// IncQueueCommits increments the commit counter for queue.
func (c *Collector) IncQueueCommits(queue string) {
	c.QueueCommits.WithLabelValues(queue).Inc()
}

// IncQueueRollbacks increments the rollback counter for queue.
func (c *Collector) IncQueueRollbacks(queue string) {
	c.QueueRollbacks.WithLabelValues(queue).Inc()
}

// IncQueueDeadLettered increments the dead-letter counter for queue.
func (c *Collector) IncQueueDeadLettered(queue string) {
	c.QueueDeadLettered.WithLabelValues(queue).Inc()
}
