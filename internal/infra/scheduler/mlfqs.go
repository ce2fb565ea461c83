package scheduler

import (
	"log/slog"

	"github.com/tutu-network/threadsched/internal/domain"
	"github.com/tutu-network/threadsched/internal/fixedpoint"
)

// ─── MLFQS Controller ───────────────────────────────────────────────────────
//
//	priority   = PriMax - (recent_cpu / 4) - (nice * 2)         every 4th tick
//	load_avg   = (59/60)*load_avg + (1/60)*ready_threads          once per second
//	recent_cpu = (2*load_avg)/(2*load_avg + 1)*recent_cpu + nice  once per second
//
// All arithmetic is 17.14 fixed point. Only the priority formula converts back
// to an integer.

// PriorityPeriod is the number of ticks between MLFQS priority recomputations.
const PriorityPeriod = 4

var (
	loadDecay  = fixedpoint.FromInt(59).DivInt(60)
	loadWeight = fixedpoint.FromInt(1).DivInt(60)
)

// mlfqsPriority derives a priority from recent CPU and niceness.
func mlfqsPriority(recentCPU fixedpoint.Value, nice int) int {
	p := domain.PriMax - recentCPU.DivInt(4).Trunc() - nice*2
	return domain.ClampPriority(p)
}

// decayRecentCPU applies the once-per-second recent CPU decay.
func decayRecentCPU(loadAvg, recentCPU fixedpoint.Value, nice int) fixedpoint.Value {
	twice := loadAvg.MulInt(2)
	coeff := twice.Div(twice.AddInt(1))
	return coeff.Mul(recentCPU).AddInt(nice)
}

// nextLoadAvg applies the once-per-second load average update.
func nextLoadAvg(loadAvg fixedpoint.Value, readyThreads int) fixedpoint.Value {
	return loadDecay.Mul(loadAvg).Add(loadWeight.MulInt(readyThreads))
}

// mlfqsTickLocked runs the MLFQS bookkeeping for one timer tick. It runs
// after s.ticks has been advanced.
func (s *Scheduler) mlfqsTickLocked() {
	cur := s.running
	if cur != s.idle {
		cur.recentCPU = cur.recentCPU.AddInt(1)
	}

	if s.ticks%int64(s.config.TimerFreq) == 0 {
		s.loadAvg = nextLoadAvg(s.loadAvg, s.readyThreadsLocked())
		for _, t := range s.all {
			if t != s.idle {
				t.recentCPU = decayRecentCPU(s.loadAvg, t.recentCPU, t.nice)
			}
		}
		s.emitLocked(Event{Kind: EventLoadAvg, Value: int64(s.loadAvg)})
		s.logger.Debug("load average updated",
			slog.Int64("tick", s.ticks),
			slog.String("load_avg", s.loadAvg.String()))
	}

	if s.ticks%PriorityPeriod == 0 {
		for _, t := range s.all {
			s.recomputeMLFQSLocked(t)
		}
	}
}

// recomputeMLFQSLocked refreshes one thread's MLFQS priority. Under MLFQS the
// base and effective priority are the same value.
func (s *Scheduler) recomputeMLFQSLocked(t *Thread) {
	if t == s.idle {
		return
	}
	p := mlfqsPriority(t.recentCPU, t.nice)
	t.basePriority = p
	s.setEffectiveLocked(t, p)
}

// readyThreadsLocked counts runnable threads for the load average: the ready
// queue plus the running thread, excluding idle.
func (s *Scheduler) readyThreadsLocked() int {
	n := s.ready.Len()
	if s.running != s.idle {
		n++
	}
	return n
}
