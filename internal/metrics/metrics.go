package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rewards"

type Metrics struct {
	awardsTotal             *prometheus.CounterVec
	syncAttemptsTotal       *prometheus.CounterVec
	reconcileRunsTotal      *prometheus.CounterVec
	reconcileEntriesTotal   *prometheus.CounterVec
	reconcileLastRunUnix    prometheus.Gauge
	consolidationMigrated   *prometheus.CounterVec
	consolidationGroups     *prometheus.CounterVec
	provisionalAppliedTotal prometheus.Counter
}

// New registers the collectors on reg. Tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		awardsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "award",
				Name:      "requests_total",
				Help:      "Award requests partitioned by result.",
			},
			[]string{"result"},
		),
		syncAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "external_sync",
				Name:      "attempts_total",
				Help:      "Calls to the external points service partitioned by phase and result.",
			},
			[]string{"phase", "result"},
		),
		reconcileRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "runs_total",
				Help:      "Reconciliation runs partitioned by result.",
			},
			[]string{"result"},
		),
		reconcileEntriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "entries_total",
				Help:      "Sync log entries processed by reconciliation partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		reconcileLastRunUnix: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "last_run_unix",
				Help:      "Unix time of the most recent reconciliation run.",
			},
		),
		consolidationMigrated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consolidation",
				Name:      "migrated_total",
				Help:      "Balance moved into canonical accounts partitioned by currency.",
			},
			[]string{"currency"},
		),
		consolidationGroups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consolidation",
				Name:      "groups_total",
				Help:      "Duplicate groups processed partitioned by action.",
			},
			[]string{"action"},
		),
		provisionalAppliedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provisional",
				Name:      "applied_total",
				Help:      "Provisional credits applied to linked accounts.",
			},
		),
	}
}

// The observe methods accept a nil receiver so services can run without metrics.

func (m *Metrics) ObserveAward(result string) {
	if m == nil {
		return
	}
	m.awardsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveSyncAttempt(phase string, ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.syncAttemptsTotal.WithLabelValues(phase, result).Inc()
}

func (m *Metrics) ObserveReconcileRun(err error, unix float64) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.reconcileRunsTotal.WithLabelValues(result).Inc()
	m.reconcileLastRunUnix.Set(unix)
}

func (m *Metrics) ObserveReconcileEntry(outcome string) {
	if m == nil {
		return
	}
	m.reconcileEntriesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveConsolidation(action string, migrated map[string]int64) {
	if m == nil {
		return
	}
	m.consolidationGroups.WithLabelValues(action).Inc()
	for currency, amount := range migrated {
		if amount > 0 {
			m.consolidationMigrated.WithLabelValues(currency).Add(float64(amount))
		}
	}
}

func (m *Metrics) ObserveProvisionalApplied(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.provisionalAppliedTotal.Add(float64(n))
}
