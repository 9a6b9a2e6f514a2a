package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	subsystem = "lexflow"

	tasksClaimedTotal       = "tasks_claimed_total"
	stalledTasksResetTotal  = "stalled_tasks_reset_total"
	stalledTasksFailedTotal = "stalled_tasks_failed_total"
	stageTransitionsTotal   = "stage_transitions_total"
	ocrPollAttemptsTotal    = "ocr_poll_attempts_total"
	breakerState            = "circuit_breaker_state"

	// Labels
	stageLabel      = "stage"
	statusLabel     = "status"
	dependencyLabel = "dependency"
)

/**
* Metrics definition
**/
var tasksClaimedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      tasksClaimedTotal,
		Help:      "number of tasks claimed by workers, partitioned by stage",
	},
	[]string{stageLabel},
)

var stalledTasksResetTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      stalledTasksResetTotal,
		Help:      "number of stalled tasks reset back to pending by the sweep",
	},
)

var stalledTasksFailedTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      stalledTasksFailedTotal,
		Help:      "number of stalled tasks permanently failed by the sweep",
	},
)

var stageTransitionsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      stageTransitionsTotal,
		Help:      "number of durable stage transitions, partitioned by stage and status",
	},
	[]string{stageLabel, statusLabel},
)

var ocrPollAttemptsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      ocrPollAttemptsTotal,
		Help:      "number of poll attempts against the remote OCR provider, partitioned by reported status",
	},
	[]string{statusLabel},
)

var breakerStateMetric = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Subsystem: subsystem,
		Name:      breakerState,
		Help:      "circuit breaker state per external dependency (0 closed, 1 half-open, 2 open)",
	},
	[]string{dependencyLabel},
)

func IncreaseTasksClaimed(stage string, count int) {
	tasksClaimedTotalMetric.With(prometheus.Labels{stageLabel: stage}).Add(float64(count))
}

func IncreaseStalledTasksReset(count int) {
	stalledTasksResetTotalMetric.Add(float64(count))
}

func IncreaseStalledTasksFailed(count int) {
	stalledTasksFailedTotalMetric.Add(float64(count))
}

func IncreaseStageTransitions(stage, status string) {
	stageTransitionsTotalMetric.With(prometheus.Labels{stageLabel: stage, statusLabel: status}).Inc()
}

func IncreaseOcrPollAttempts(status string) {
	ocrPollAttemptsTotalMetric.With(prometheus.Labels{statusLabel: status}).Inc()
}

func SetBreakerState(dependency string, state int) {
	breakerStateMetric.With(prometheus.Labels{dependencyLabel: dependency}).Set(float64(state))
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(tasksClaimedTotalMetric)
	prometheus.MustRegister(stalledTasksResetTotalMetric)
	prometheus.MustRegister(stalledTasksFailedTotalMetric)
	prometheus.MustRegister(stageTransitionsTotalMetric)
	prometheus.MustRegister(ocrPollAttemptsTotalMetric)
	prometheus.MustRegister(breakerStateMetric)
}
