package workload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/tutu-network/threadsched/internal/domain"
	"github.com/tutu-network/threadsched/internal/infra/scheduler"
)

func newScheduler(t *testing.T, sc *Scenario) *scheduler.Scheduler {
	t.Helper()
	s, err := scheduler.New(sc.Config(scheduler.DefaultConfig()))
	if err != nil {
		t.Fatalf("scheduler.New() error = %v", err)
	}
	return s
}

func runBuiltin(t *testing.T, name string) *Result {
	t.Helper()
	sc, err := Builtin(name)
	if err != nil {
		t.Fatalf("Builtin(%q) error = %v", name, err)
	}
	res, err := Run(newScheduler(t, sc), sc, nil)
	if err != nil {
		t.Fatalf("Run(%q) error = %v", name, err)
	}
	return res
}

// ─── Parsing & Validation ───────────────────────────────────────────────────

func TestParse(t *testing.T) {
	doc := []byte(`
name: tiny
locks: [l]
threads:
  - name: a
    priority: 40
    nice: 3
    steps:
      - {op: acquire, lock: l}
      - {op: work, n: 2}
      - {op: release, lock: l}
  - name: b
    steps:
      - {op: yield}
`)
	sc, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if sc.Name != "tiny" || len(sc.Threads) != 2 {
		t.Fatalf("Parse() = %+v", sc)
	}
	a := sc.Threads[0]
	if a.Priority == nil || *a.Priority != 40 || a.Nice != 3 || len(a.Steps) != 3 {
		t.Fatalf("thread a = %+v", a)
	}
	if sc.Threads[1].Priority != nil {
		t.Fatal("thread b priority should default to unset")
	}
	if sc.MLFQS != nil {
		t.Fatal("mlfqs override should be unset")
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"no threads", `name: x`, domain.ErrEmptyWorkload},
		{"unknown op", `
threads:
  - name: a
    steps: [{op: spin}]`, domain.ErrUnknownOp},
		{"unknown lock", `
threads:
  - name: a
    steps: [{op: acquire, lock: nope}]`, domain.ErrUnknownLock},
		{"release without acquire", `
locks: [l]
threads:
  - name: a
    steps: [{op: release, lock: l}]`, domain.ErrUnbalancedLock},
		{"exit holding", `
locks: [l]
threads:
  - name: a
    steps: [{op: acquire, lock: l}]`, domain.ErrUnbalancedLock},
		{"recursive acquire", `
locks: [l]
threads:
  - name: a
    steps: [{op: acquire, lock: l}, {op: acquire, lock: l}]`, domain.ErrUnbalancedLock},
		{"duplicate thread", `
threads:
  - {name: a, steps: [{op: yield}]}
  - {name: a, steps: [{op: yield}]}`, domain.ErrDuplicateThread},
		{"opposite lock order", `
locks: [a, b]
threads:
  - name: x
    steps: [{op: acquire, lock: a}, {op: acquire, lock: b}, {op: release, lock: b}, {op: release, lock: a}]
  - name: y
    steps: [{op: acquire, lock: b}, {op: acquire, lock: a}, {op: release, lock: a}, {op: release, lock: b}]`, domain.ErrLockCycle},
		{"three lock cycle", `
locks: [a, b, c]
threads:
  - name: x
    steps: [{op: acquire, lock: a}, {op: acquire, lock: b}, {op: release, lock: b}, {op: release, lock: a}]
  - name: y
    steps: [{op: acquire, lock: b}, {op: acquire, lock: c}, {op: release, lock: c}, {op: release, lock: b}]
  - name: z
    steps: [{op: acquire, lock: c}, {op: acquire, lock: a}, {op: release, lock: a}, {op: release, lock: c}]`, domain.ErrLockCycle},
		{"step too long", `
threads:
  - name: a
    steps: [{op: work, n: 100001}]`, domain.ErrWorkloadTooLarge},
		{"sleep too long", `
threads:
  - name: a
    steps: [{op: sleep, n: 9223372036854775807}]`, domain.ErrWorkloadTooLarge},
		{"total over budget", `
threads:
  - {name: a, steps: [{op: sleep, n: 100000}, {op: sleep, n: 100000}, {op: sleep, n: 100000}, {op: sleep, n: 100000}, {op: sleep, n: 100000}]}
  - {name: b, steps: [{op: work, n: 100000}, {op: work, n: 100000}, {op: work, n: 100000}, {op: work, n: 100000}, {op: work, n: 100000}]}
  - {name: c, steps: [{op: work, n: 1}]}`, domain.ErrWorkloadTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if !errors.Is(err, tt.want) {
				t.Fatalf("Parse() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateLockOrder(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string // empty: accepted
	}{
		{"same order everywhere", `
locks: [a, b]
threads:
  - name: x
    steps: [{op: acquire, lock: a}, {op: acquire, lock: b}, {op: release, lock: a}, {op: release, lock: b}]
  - name: y
    steps: [{op: acquire, lock: a}, {op: acquire, lock: b}, {op: release, lock: b}, {op: release, lock: a}]`, ""},
		{"disjoint holds", `
locks: [a, b]
threads:
  - name: x
    steps: [{op: acquire, lock: a}, {op: release, lock: a}, {op: acquire, lock: b}, {op: release, lock: b}]
  - name: y
    steps: [{op: acquire, lock: b}, {op: release, lock: b}, {op: acquire, lock: a}, {op: release, lock: a}]`, ""},
		{"cycle names the threads", `
locks: [a, b]
threads:
  - name: x
    steps: [{op: acquire, lock: a}, {op: acquire, lock: b}, {op: release, lock: b}, {op: release, lock: a}]
  - name: y
    steps: [{op: acquire, lock: b}, {op: acquire, lock: a}, {op: release, lock: a}, {op: release, lock: b}]`,
			"threads acquire locks in conflicting orders: a (x) -> b (y) -> a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Parse() error = %v, want nil", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Fatalf("Parse() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestBuiltinsWithinLimits(t *testing.T) {
	for _, name := range Builtins() {
		if _, err := Builtin(name); err != nil {
			t.Errorf("Builtin(%q) error = %v", name, err)
		}
	}
}

func TestParseRejectsBadYAML(t *testing.T) {
	if _, err := Parse([]byte("threads: [")); err == nil {
		t.Fatal("Parse() should fail on malformed YAML")
	}
}

func TestLoadAndResolve(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "one.yaml")
	doc := "name: one\nthreads:\n  - name: a\n    steps: [{op: work, n: 1}]\n"
	if err := os.WriteFile(file, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	sc, err := Resolve(file)
	if err != nil {
		t.Fatalf("Resolve(file) error = %v", err)
	}
	if sc.Name != "one" {
		t.Fatalf("Name = %q, want %q", sc.Name, "one")
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("Load() of a missing file should fail")
	}
	if _, err := Resolve("no-such-scenario"); !errors.Is(err, domain.ErrScenarioUnknown) {
		t.Fatalf("Resolve(unknown) error = %v, want ErrScenarioUnknown", err)
	}
}

func TestBuiltins(t *testing.T) {
	want := []string{"donate-chain", "donate-multiple", "fifo", "mlfqs-nice", "sleep-order"}
	got := Builtins()
	if !slices.Equal(got, want) {
		t.Fatalf("Builtins() = %v, want %v", got, want)
	}
	for _, name := range got {
		if _, err := Builtin(name); err != nil {
			t.Errorf("Builtin(%q) error = %v", name, err)
		}
	}
}

// ─── Replay ─────────────────────────────────────────────────────────────────

func TestRunDonateChain(t *testing.T) {
	res := runBuiltin(t, "donate-chain")

	if want := []string{"high", "medium", "low"}; !slices.Equal(res.Order, want) {
		t.Fatalf("Order = %v, want %v", res.Order, want)
	}
	if len(res.Log) != 4 {
		t.Fatalf("Log = %+v, want 4 lines", res.Log)
	}
	first := res.Log[0]
	if first.Thread != "low" || first.Priority != 30 {
		t.Fatalf("first log = %+v, want low at donated priority 30", first)
	}
	last := res.Log[3]
	if last.Msg != "low done" || last.Priority != 10 {
		t.Fatalf("last log = %+v, want low back at 10", last)
	}
	if res.Stats.Donations == 0 {
		t.Fatal("Donations = 0, want > 0")
	}
}

func TestRunDonateMultiple(t *testing.T) {
	res := runBuiltin(t, "donate-multiple")

	if want := []string{"donor-b", "donor-a", "holder"}; !slices.Equal(res.Order, want) {
		t.Fatalf("Order = %v, want %v", res.Order, want)
	}
	prio := map[string]int{}
	for _, l := range res.Log {
		if l.Thread == "holder" {
			prio[l.Msg] = l.Priority
		}
	}
	if prio["holder releasing b"] != 30 || prio["holder releasing a"] != 20 || prio["holder done"] != 10 {
		t.Fatalf("holder priorities = %v, want 30 / 20 / 10", prio)
	}
}

func TestRunFIFO(t *testing.T) {
	res := runBuiltin(t, "fifo")

	if want := []string{"t0", "t1", "t2", "t3"}; !slices.Equal(res.Order, want) {
		t.Fatalf("Order = %v, want %v", res.Order, want)
	}
	var threads []string
	for _, l := range res.Log {
		threads = append(threads, l.Thread)
	}
	want := []string{"t0", "t1", "t2", "t3", "t0", "t1", "t2", "t3", "t0", "t1", "t2", "t3"}
	if !slices.Equal(threads, want) {
		t.Fatalf("log order = %v, want %v", threads, want)
	}
}

func TestRunSleepOrder(t *testing.T) {
	res := runBuiltin(t, "sleep-order")

	if want := []string{"s10", "s20", "s30", "s40", "s50"}; !slices.Equal(res.Order, want) {
		t.Fatalf("Order = %v, want %v", res.Order, want)
	}
	for i, l := range res.Log {
		if want := int64(10 * (i + 1)); l.Tick != want {
			t.Errorf("%s woke at tick %d, want %d", l.Thread, l.Tick, want)
		}
	}
	if res.Ticks != 50 {
		t.Fatalf("Ticks = %d, want 50", res.Ticks)
	}
}

func TestRunMLFQSNice(t *testing.T) {
	res := runBuiltin(t, "mlfqs-nice")

	if !res.MLFQS {
		t.Fatal("MLFQS = false, want true")
	}
	finish := map[string]int64{}
	for _, th := range res.Threads {
		finish[th.Name] = th.FinishTick
		if th.TicksRun != 300 {
			t.Errorf("%s ran %d ticks, want 300", th.Name, th.TicksRun)
		}
	}
	if finish["nice-0"] >= finish["nice-10"] {
		t.Fatalf("finish ticks = %v, want nice-0 before nice-10", finish)
	}
	if res.LoadAvg <= 0 {
		t.Fatalf("LoadAvg = %d, want > 0", res.LoadAvg)
	}
}

func TestRunRejectsModeMismatch(t *testing.T) {
	sc, err := Builtin("mlfqs-nice")
	if err != nil {
		t.Fatalf("Builtin() error = %v", err)
	}
	s, err := scheduler.New(scheduler.DefaultConfig())
	if err != nil {
		t.Fatalf("scheduler.New() error = %v", err)
	}
	if _, err := Run(s, sc, nil); !errors.Is(err, domain.ErrModeMismatch) {
		t.Fatalf("Run() error = %v, want ErrModeMismatch", err)
	}
}

// ─── Halting ────────────────────────────────────────────────────────────────

func TestRunReturnsErrorWhenHalted(t *testing.T) {
	doc := []byte(`
name: busy
threads:
  - name: worker
    steps: [{op: work, n: 1000}]
`)
	tests := []struct {
		name string
		at   func(s *scheduler.Scheduler, ev scheduler.Event)
		want error
	}{
		{"cancelled", func(s *scheduler.Scheduler, ev scheduler.Event) {
			s.Halt(context.Canceled)
		}, context.Canceled},
		{"thread breaks an invariant", func(*scheduler.Scheduler, scheduler.Event) {
			panic(&domain.InvariantError{Op: "record", Msg: "corrupted trace"})
		}, domain.ErrInvariant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, err := Parse(doc)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			var s *scheduler.Scheduler
			cfg := scheduler.DefaultConfig()
			cfg.Recorder = scheduler.RecorderFunc(func(ev scheduler.Event) {
				// Ticks are charged to the worker, never to main.
				if ev.Kind == scheduler.EventTick && ev.Tick == 10 {
					tt.at(s, ev)
				}
			})
			if s, err = scheduler.New(cfg); err != nil {
				t.Fatalf("scheduler.New() error = %v", err)
			}

			res, err := Run(s, sc, nil)
			if !errors.Is(err, domain.ErrHalted) || !errors.Is(err, tt.want) {
				t.Fatalf("Run() error = %v, want ErrHalted wrapping %v", err, tt.want)
			}
			if res != nil {
				t.Fatalf("Run() result = %+v, want nil", res)
			}
			if got := s.Ticks(); got != 10 {
				t.Fatalf("Ticks() = %d, want 10", got)
			}
		})
	}
}

func TestRunRejectsLockCycleBeforeScheduling(t *testing.T) {
	sc := &Scenario{
		Name:  "abba",
		Locks: []string{"a", "b"},
		Threads: []ThreadSpec{
			{Name: "x", Steps: []Step{{Op: OpAcquire, Lock: "a"}, {Op: OpAcquire, Lock: "b"}, {Op: OpRelease, Lock: "b"}, {Op: OpRelease, Lock: "a"}}},
			{Name: "y", Steps: []Step{{Op: OpAcquire, Lock: "b"}, {Op: OpAcquire, Lock: "a"}, {Op: OpRelease, Lock: "a"}, {Op: OpRelease, Lock: "b"}}},
		},
	}
	s := newScheduler(t, sc)
	if _, err := Run(s, sc, nil); !errors.Is(err, domain.ErrLockCycle) {
		t.Fatalf("Run() error = %v, want ErrLockCycle", err)
	}
	if st := s.Stats(); st.ThreadsCreated != 0 {
		t.Fatalf("ThreadsCreated = %d, want 0", st.ThreadsCreated)
	}
}
