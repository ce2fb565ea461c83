// Package workload describes scheduling scenarios as YAML documents and
// replays them against a scheduler: a set of named locks and threads, each
// thread running a list of steps (work, sleep, yield, lock traffic, priority
// and niceness changes).
package workload

import (
	"embed"
	"fmt"
	"os"
	"path"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tutu-network/threadsched/internal/domain"
	"github.com/tutu-network/threadsched/internal/infra/scheduler"
)

// Step operations.
const (
	OpWork        = "work"
	OpSleep       = "sleep"
	OpYield       = "yield"
	OpAcquire     = "acquire"
	OpRelease     = "release"
	OpSetPriority = "set_priority"
	OpSetNice     = "set_nice"
	OpLog         = "log"
)

// Replay limits. A scenario is executed on a fresh scheduler inside the
// daemon, so its virtual time is bounded.
const (
	MaxStepTicks     = 100_000   // n of a single work or sleep step
	MaxScenarioTicks = 1_000_000 // sum of every work and sleep n
)

var knownOps = map[string]bool{
	OpWork: true, OpSleep: true, OpYield: true, OpAcquire: true,
	OpRelease: true, OpSetPriority: true, OpSetNice: true, OpLog: true,
}

// Scenario is one workload document.
type Scenario struct {
	Name        string       `yaml:"name" json:"name"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
	MLFQS       *bool        `yaml:"mlfqs,omitempty" json:"mlfqs,omitempty"` // overrides the kernel setting when present
	Locks       []string     `yaml:"locks,omitempty" json:"locks,omitempty"`
	Threads     []ThreadSpec `yaml:"threads" json:"threads"`
}

// ThreadSpec declares one thread. Priority defaults to PriDefault and is
// ignored under MLFQS; Nice is applied as the thread's first action.
type ThreadSpec struct {
	Name     string `yaml:"name" json:"name"`
	Priority *int   `yaml:"priority,omitempty" json:"priority,omitempty"`
	Nice     int    `yaml:"nice,omitempty" json:"nice,omitempty"`
	Steps    []Step `yaml:"steps" json:"steps"`
}

// Step is a single thread action.
type Step struct {
	Op       string `yaml:"op" json:"op"`
	N        int    `yaml:"n,omitempty" json:"n,omitempty"`               // work / sleep ticks
	Lock     string `yaml:"lock,omitempty" json:"lock,omitempty"`         // acquire / release
	Priority int    `yaml:"priority,omitempty" json:"priority,omitempty"` // set_priority
	Nice     int    `yaml:"nice,omitempty" json:"nice,omitempty"`         // set_nice
	Msg      string `yaml:"msg,omitempty" json:"msg,omitempty"`           // log
}

// Config returns base with the scenario's mode override applied.
func (sc *Scenario) Config(base scheduler.Config) scheduler.Config {
	if sc.MLFQS != nil {
		base.MLFQS = *sc.MLFQS
	}
	return base
}

// Parse decodes and validates a scenario document.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Load reads a scenario from disk.
func Load(file string) (*Scenario, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return sc, nil
}

// Validate checks that the scenario can be replayed. A thread must release
// every lock it acquires, in any order, and never acquire one it holds.
// Threads must agree on a lock order: if one acquires b while holding a, no
// thread may acquire a (directly or through other locks) while holding b.
// Tick counts are bounded by MaxStepTicks and MaxScenarioTicks.
func (sc *Scenario) Validate() error {
	if len(sc.Threads) == 0 {
		return domain.ErrEmptyWorkload
	}
	locks := make(map[string]bool, len(sc.Locks))
	for _, l := range sc.Locks {
		if locks[l] {
			return fmt.Errorf("lock %q declared twice", l)
		}
		locks[l] = true
	}

	names := make(map[string]bool, len(sc.Threads))
	order := lockOrder{}
	var budget int64
	for i, th := range sc.Threads {
		if th.Name == "" {
			return fmt.Errorf("threads[%d]: missing name", i)
		}
		if names[th.Name] {
			return fmt.Errorf("%w: %q", domain.ErrDuplicateThread, th.Name)
		}
		names[th.Name] = true

		held := map[string]bool{}
		for j, st := range th.Steps {
			where := fmt.Sprintf("thread %q step %d", th.Name, j)
			if !knownOps[st.Op] {
				return fmt.Errorf("%s: %w: %q", where, domain.ErrUnknownOp, st.Op)
			}
			switch st.Op {
			case OpWork, OpSleep:
				if st.N < 0 {
					return fmt.Errorf("%s: negative tick count %d", where, st.N)
				}
				if st.N > MaxStepTicks {
					return fmt.Errorf("%s: %w: %d ticks, limit %d", where, domain.ErrWorkloadTooLarge, st.N, MaxStepTicks)
				}
				if budget += int64(st.N); budget > MaxScenarioTicks {
					return fmt.Errorf("%s: %w: over %d ticks in total", where, domain.ErrWorkloadTooLarge, MaxScenarioTicks)
				}
			case OpAcquire, OpRelease:
				if !locks[st.Lock] {
					return fmt.Errorf("%s: %w: %q", where, domain.ErrUnknownLock, st.Lock)
				}
				if st.Op == OpAcquire {
					if held[st.Lock] {
						return fmt.Errorf("%s: %w: %q acquired twice", where, domain.ErrUnbalancedLock, st.Lock)
					}
					for h := range held {
						order.add(h, st.Lock, th.Name)
					}
					held[st.Lock] = true
				} else {
					if !held[st.Lock] {
						return fmt.Errorf("%s: %w: %q", where, domain.ErrUnbalancedLock, st.Lock)
					}
					delete(held, st.Lock)
				}
			}
		}
		if len(held) > 0 {
			return fmt.Errorf("thread %q: %w: exits holding %s",
				th.Name, domain.ErrUnbalancedLock, strings.Join(sortedKeys(held), ", "))
		}
	}
	if cycle := order.cycle(sc.Locks); cycle != nil {
		return fmt.Errorf("%w: %s", domain.ErrLockCycle, strings.Join(cycle, " -> "))
	}
	return nil
}

// lockOrder is the graph of "acquired b while holding a" edges, each
// labelled with the first thread that took it.
type lockOrder map[string]map[string]string

func (g lockOrder) add(held, acquired, thread string) {
	if g[held] == nil {
		g[held] = map[string]string{}
	}
	if _, ok := g[held][acquired]; !ok {
		g[held][acquired] = thread
	}
}

// cycle returns one cycle as "lock (thread) -> lock ..." hops, or nil. Locks
// are visited in declaration order so the report is stable.
func (g lockOrder) cycle(locks []string) []string {
	const (
		unvisited = iota
		onPath
		done
	)
	state := make(map[string]int, len(locks))
	var path []string
	var found []string

	var visit func(l string) bool
	visit = func(l string) bool {
		state[l] = onPath
		path = append(path, l)
		for _, next := range sortedKeys(g[l]) {
			switch state[next] {
			case onPath:
				start := slices.Index(path, next)
				loop := append(slices.Clone(path[start:]), next)
				for i := 0; i+1 < len(loop); i++ {
					found = append(found, fmt.Sprintf("%s (%s)", loop[i], g[loop[i]][loop[i+1]]))
				}
				found = append(found, next)
				return true
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		state[l] = done
		return false
	}
	for _, l := range locks {
		if state[l] == unvisited && visit(l) {
			return found
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ─── Built-in Scenarios ─────────────────────────────────────────────────────

//go:embed scenarios/*.yaml
var builtinFS embed.FS

// Builtins lists the names of the embedded scenarios.
func Builtins() []string {
	entries, err := builtinFS.ReadDir("scenarios")
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}

// BuiltinSource returns the YAML document of an embedded scenario.
func BuiltinSource(name string) ([]byte, error) {
	data, err := builtinFS.ReadFile(path.Join("scenarios", name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrScenarioUnknown, name)
	}
	return data, nil
}

// Builtin returns the embedded scenario with the given name.
func Builtin(name string) (*Scenario, error) {
	data, err := BuiltinSource(name)
	if err != nil {
		return nil, err
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("built-in %s: %w", name, err)
	}
	return sc, nil
}

// Resolve loads ref as a built-in scenario name, or as a file path when it
// names an existing file.
func Resolve(ref string) (*Scenario, error) {
	if _, err := os.Stat(ref); err == nil {
		return Load(ref)
	}
	return Builtin(ref)
}
