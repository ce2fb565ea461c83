// Package metrics provides Prometheus metrics for the scheduler: tick
// accounting, context switches, thread lifecycle, donation and the MLFQS
// load average. Recorder feeds them straight from the scheduler's event
// stream.
//
// Counters and histograms aggregate every scheduler in the process, the live
// kernel and replays alike. Gauges describe a single scheduler's current
// state and are written for the live kernel only.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tutu-network/threadsched/internal/fixedpoint"
	"github.com/tutu-network/threadsched/internal/infra/scheduler"
)

const namespace = "threadsched"

// ─── Timer ──────────────────────────────────────────────────────────────────

// TicksTotal counts timer ticks by who was charged (idle or kernel).
var TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "ticks_total",
	Help:      "Timer ticks, by whether the idle thread was running.",
}, []string{"kind"})

// SleepTicks tracks requested sleep durations.
var SleepTicks = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "sleep_ticks",
	Help:      "Requested sleep duration in ticks.",
	Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 1000},
})

// ─── Threads ────────────────────────────────────────────────────────────────

// ContextSwitches counts switches between distinct threads.
var ContextSwitches = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "context_switches_total",
	Help:      "Total context switches.",
})

// ThreadsCreated counts threads created after boot.
var ThreadsCreated = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "threads_created_total",
	Help:      "Total threads created.",
})

// ThreadsExited counts threads that exited.
var ThreadsExited = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "threads_exited_total",
	Help:      "Total threads exited.",
})

// ThreadPriority tracks the effective priority of each live-kernel thread.
var ThreadPriority = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "thread_priority",
	Help:      "Effective priority per live thread.",
}, []string{"thread"})

// ─── Scheduling ─────────────────────────────────────────────────────────────

// Donations counts priority donations that raised a holder's priority.
var Donations = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "donations_total",
	Help:      "Total priority donations.",
})

// LoadAverage tracks the MLFQS system load average.
var LoadAverage = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "load_average",
	Help:      "MLFQS load average (runnable threads, exponentially smoothed).",
})

// ReadyThreads tracks the ready queue depth.
var ReadyThreads = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "ready_threads",
	Help:      "Threads waiting on the ready queue.",
})

// Sleepers tracks threads blocked in timed sleep.
var Sleepers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "sleepers",
	Help:      "Threads waiting for a timer wake-up.",
})

// ─── Workloads ──────────────────────────────────────────────────────────────

// ScenarioRuns counts replayed scenarios by name.
var ScenarioRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "scenario_runs_total",
	Help:      "Total scenario replays.",
}, []string{"scenario"})

// ScenarioDuration tracks wall-clock scenario replay time.
var ScenarioDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "scenario_duration_seconds",
	Help:      "Wall-clock duration of a scenario replay.",
	Buckets:   prometheus.DefBuckets,
}, []string{"scenario"})

// ObserveScenario records one finished replay.
func ObserveScenario(name string, elapsed time.Duration) {
	ScenarioRuns.WithLabelValues(name).Inc()
	ScenarioDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

// ObserveStats copies queue depths and the load average from a stats
// snapshot of the live kernel.
func ObserveStats(st scheduler.Stats) {
	ReadyThreads.Set(float64(st.ReadyThreads))
	Sleepers.Set(float64(st.Sleepers))
	LoadAverage.Set(float64(st.LoadAvg) / 100)
}

// ─── Recorder ───────────────────────────────────────────────────────────────

// Recorder translates scheduler events into metric updates. The zero value
// updates counters only, which is what replays use; the live kernel sets
// Live to maintain the gauges as well.
type Recorder struct {
	Live bool
}

// Record implements scheduler.Recorder.
func (r Recorder) Record(ev scheduler.Event) {
	switch ev.Kind {
	case scheduler.EventTick:
		if ev.Value == 1 {
			TicksTotal.WithLabelValues("idle").Inc()
		} else {
			TicksTotal.WithLabelValues("kernel").Inc()
		}
	case scheduler.EventSwitch:
		ContextSwitches.Inc()
	case scheduler.EventCreate:
		ThreadsCreated.Inc()
		if r.Live {
			ThreadPriority.WithLabelValues(ev.Thread.String()).Set(float64(ev.Value))
		}
	case scheduler.EventPriority:
		if r.Live {
			ThreadPriority.WithLabelValues(ev.Thread.String()).Set(float64(ev.Value))
		}
	case scheduler.EventExit:
		ThreadsExited.Inc()
		if r.Live {
			ThreadPriority.DeleteLabelValues(ev.Thread.String())
		}
	case scheduler.EventDonate:
		Donations.Inc()
	case scheduler.EventLoadAvg:
		if r.Live {
			LoadAverage.Set(toFloat(fixedpoint.Value(ev.Value)))
		}
	case scheduler.EventSleep:
		SleepTicks.Observe(float64(ev.Value - ev.Tick))
	}
}

func toFloat(v fixedpoint.Value) float64 {
	return float64(v) / fixedpoint.F
}
