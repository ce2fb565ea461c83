package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tutu-network/threadsched/internal/app/replay"
	"github.com/tutu-network/threadsched/internal/infra/sqlite"
	"github.com/tutu-network/threadsched/internal/workload"
)

func init() {
	runCmd.Flags().BoolVar(&runMLFQS, "mlfqs", false, "Force MLFQS mode on or off")
	runCmd.Flags().BoolVar(&runTrace, "trace", false, "Record the replay in the trace store")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the result as JSON")
	runCmd.Flags().IntVar(&runTimerFreq, "timer-freq", 0, "Timer ticks per second (overrides config)")
	rootCmd.AddCommand(runCmd)
}

var (
	runMLFQS     bool
	runTrace     bool
	runJSON      bool
	runTimerFreq int
)

var runCmd = &cobra.Command{
	Use:   "run SCENARIO",
	Short: "Replay a scenario and print what the scheduler did",
	Long: `Replay a built-in scenario (see 'threadsched scenarios') or a YAML scenario
file on a fresh scheduler, then print the completion order, the scenario's log
lines and each thread's final scheduling state.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runTimerFreq > 0 {
		cfg.Kernel.TimerFreq = runTimerFreq
	}

	var db *sqlite.DB
	if runTrace {
		if db, err = openStore(cfg); err != nil {
			return err
		}
		defer db.Close()
	}

	opts := replay.Options{}
	if cmd.Flags().Changed("mlfqs") {
		opts.MLFQS = &runMLFQS
	}
	svc := replay.NewService(db, cfg.SchedulerConfig(), newLogger(cfg))
	out, err := svc.Replay(cmd.Context(), args[0], opts)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if runJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	return printResult(w, out)
}

func printResult(w io.Writer, out *replay.Outcome) error {
	res := out.Result
	mode := "priority"
	if res.MLFQS {
		mode = "mlfqs"
	}
	fmt.Fprintf(w, "scenario %s (%s): %d ticks, load avg %s\n",
		res.Scenario, mode, res.Ticks, hundredths(res.LoadAvg))
	if out.RunID != "" {
		fmt.Fprintf(w, "trace    %s\n", out.RunID)
	}
	fmt.Fprintf(w, "order    %s\n", strings.Join(res.Order, " "))

	if len(res.Log) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TICK\tTHREAD\tPRIORITY\tMESSAGE")
		for _, l := range res.Log {
			fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", l.Tick, l.Thread, l.Priority, l.Msg)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "THREAD\tTID\tFINISH\tRAN\tPRIORITY\tNICE\tRECENT_CPU")
	for _, t := range res.Threads {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			t.Name, t.ID, t.FinishTick, t.TicksRun, t.Priority, t.Nice, hundredths(t.RecentCPU))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, res.Stats.String())
	return nil
}

// hundredths renders a value scaled by 100 as a decimal.
func hundredths(v int) string {
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

var scenariosCmd = &cobra.Command{
	Use:   "scenarios [NAME]",
	Short: "List built-in scenarios, or print one as YAML",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runScenarios,
}

func init() {
	rootCmd.AddCommand(scenariosCmd)
}

func runScenarios(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	if len(args) == 1 {
		data, err := workload.BuiltinSource(args[0])
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tMODE\tTHREADS\tDESCRIPTION")
	for _, name := range workload.Builtins() {
		sc, err := workload.Builtin(name)
		if err != nil {
			return err
		}
		mode := "any"
		if sc.MLFQS != nil {
			mode = "priority"
			if *sc.MLFQS {
				mode = "mlfqs"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", sc.Name, mode, len(sc.Threads), sc.Description)
	}
	return tw.Flush()
}
