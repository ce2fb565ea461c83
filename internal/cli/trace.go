package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutu-network/threadsched/internal/infra/scheduler"
)

func init() {
	traceListCmd.Flags().IntVarP(&traceLimit, "limit", "n", 20, "Maximum runs to list (0 for all)")
	traceShowCmd.Flags().StringVar(&traceKind, "kind", "", "Only show events of this kind (switch, donate, tick, ...)")
	traceCmd.AddCommand(traceListCmd, traceShowCmd, traceLoadCmd, traceRmCmd)
	rootCmd.AddCommand(traceCmd)
}

var (
	traceLimit int
	traceKind  string
)

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Inspect recorded scheduler runs",
}

var traceListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List recorded runs, most recent first",
	Args:    cobra.NoArgs,
	RunE:    runTraceList,
}

var traceShowCmd = &cobra.Command{
	Use:   "show RUN_ID",
	Short: "Print a run's events",
	Args:  cobra.ExactArgs(1),
	RunE:  runTraceShow,
}

var traceLoadCmd = &cobra.Command{
	Use:   "load RUN_ID",
	Short: "Print a run's once-per-second load average samples",
	Args:  cobra.ExactArgs(1),
	RunE:  runTraceLoad,
}

var traceRmCmd = &cobra.Command{
	Use:     "rm RUN_ID...",
	Aliases: []string{"remove"},
	Short:   "Delete recorded runs",
	Args:    cobra.MinimumNArgs(1),
	RunE:    runTraceRm,
}

func runTraceList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := db.ListRuns(traceLimit)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(w, "No recorded runs. Run 'threadsched run --trace <scenario>' to record one.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSCENARIO\tMODE\tTICKS\tEVENTS\tSTARTED\tSTATUS")
	for _, r := range runs {
		mode := "priority"
		if r.MLFQS {
			mode = "mlfqs"
		}
		status := "running"
		if r.Finished() {
			status = "done in " + r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ID, r.Scenario, mode, r.Ticks, r.Events,
			r.StartedAt.Format("2006-01-02 15:04:05"), status)
	}
	return tw.Flush()
}

func runTraceShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	events, err := db.Events(args[0], scheduler.EventKind(traceKind))
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TICK\tKIND\tTHREAD\tOTHER\tVALUE")
	for _, ev := range events {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			ev.Tick, ev.Kind, tidOrDash(ev.Thread.String(), ev.Thread == 0),
			tidOrDash(ev.Other.String(), ev.Other == 0), eventValue(ev))
	}
	return tw.Flush()
}

func runTraceLoad(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	samples, err := db.LoadSamples(args[0])
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TICK\tLOAD_AVG")
	for _, s := range samples {
		fmt.Fprintf(tw, "%d\t%s\n", s.Tick, hundredths(s.LoadAvg))
	}
	return tw.Flush()
}

func runTraceRm(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, id := range args {
		if err := db.DeleteRun(id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
	}
	return nil
}

func tidOrDash(s string, none bool) string {
	if none {
		return "-"
	}
	return s
}

// eventValue formats an event's payload by kind.
func eventValue(ev scheduler.Event) string {
	switch ev.Kind {
	case scheduler.EventLoadAvg:
		return fixedString(ev.Value)
	case scheduler.EventSleep:
		return fmt.Sprintf("until %d", ev.Value)
	case scheduler.EventTick:
		if ev.Value == 1 {
			return "idle"
		}
		return ""
	case scheduler.EventSwitch, scheduler.EventBlock, scheduler.EventUnblock,
		scheduler.EventWake, scheduler.EventExit:
		return ""
	}
	return fmt.Sprint(ev.Value)
}
