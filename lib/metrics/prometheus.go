package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector records balancer and event-engine activity in Prometheus.
//
// A nil *Collector is valid and records nothing, so components can be
// constructed without metrics in tests.
type Collector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	rounds          prometheus.Counter
	roundDuration   prometheus.Histogram
	candidates      *prometheus.CounterVec
	commands        *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	rollbacks       *prometheus.CounterVec
	lockConflicts   prometheus.Counter
	recoveredEvents *prometheus.CounterVec
	activeEvents    prometheus.Gauge
}

// NewPrometheus creates a collector registered on reg (prometheus.DefaultRegisterer
// when nil) under namespace ("chunkbalancer" when empty).
func NewPrometheus(reg prometheus.Registerer, namespace string) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "chunkbalancer"
	}

	c := &Collector{reg: reg, namespace: namespace}
	c.ensureRegistered()

	return c
}

func (c *Collector) ensureRegistered() {
	c.once.Do(func() {
		c.rounds = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: "balancer",
			Name:      "rounds_total",
			Help:      "Total balancing rounds started.",
		})
		c.roundDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: c.namespace,
			Subsystem: "balancer",
			Name:      "round_duration_seconds",
			Help:      "Duration of balancing rounds in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		})
		c.candidates = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: "balancer",
			Name:      "candidates_total",
			Help:      "Chunks selected by the selection policy by kind.",
		}, []string{"kind"})
		c.commands = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: "configsvr",
			Name:      "commands_total",
			Help:      "Balance commands executed by balance type and result.",
		}, []string{"type", "result"})
		c.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: "event",
			Name:      "transitions_total",
			Help:      "Persisted event transitions by balance type and target state.",
		}, []string{"type", "state"})
		c.rollbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: "event",
			Name:      "rollbacks_total",
			Help:      "Event rollbacks by balance type.",
		}, []string{"type"})
		c.lockConflicts = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: "event",
			Name:      "lock_conflicts_total",
			Help:      "Event creations rejected because the chunk already had an active event.",
		})
		c.recoveredEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: "event",
			Name:      "recovered_total",
			Help:      "Events found on startup by outcome (resumed, abandoned, completed).",
		}, []string{"outcome"})
		c.activeEvents = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: c.namespace,
			Subsystem: "event",
			Name:      "active",
			Help:      "Events currently registered.",
		})

		c.reg.MustRegister(
			c.rounds, c.roundDuration, c.candidates, c.commands, c.transitions,
			c.rollbacks, c.lockConflicts, c.recoveredEvents, c.activeEvents,
		)
	})
}

func (c *Collector) RecordRound(seconds float64) {
	if c == nil {
		return
	}
	c.rounds.Inc()
	c.roundDuration.Observe(seconds)
}

func (c *Collector) RecordCandidates(kind string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.candidates.WithLabelValues(kind).Add(float64(n))
}

func (c *Collector) RecordCommand(balanceType string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.commands.WithLabelValues(balanceType, result).Inc()
}

func (c *Collector) RecordTransition(balanceType, state string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(balanceType, state).Inc()
}

func (c *Collector) RecordRollback(balanceType string) {
	if c == nil {
		return
	}
	c.rollbacks.WithLabelValues(balanceType).Inc()
}

func (c *Collector) RecordLockConflict() {
	if c == nil {
		return
	}
	c.lockConflicts.Inc()
}

func (c *Collector) RecordRecovered(outcome string) {
	if c == nil {
		return
	}
	c.recoveredEvents.WithLabelValues(outcome).Inc()
}

func (c *Collector) SetActiveEvents(n int) {
	if c == nil {
		return
	}
	c.activeEvents.Set(float64(n))
}
