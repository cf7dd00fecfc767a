package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/causewaylabs/causeway/internal/core/port"
	runtrace "github.com/causewaylabs/causeway/internal/trace"
)

func newTraceCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "List, show, and diff recorded pipeline runs",
	}
	cmd.AddCommand(newTraceListCmd(opts))
	cmd.AddCommand(newTraceShowCmd(opts))
	cmd.AddCommand(newTraceDiffCmd(opts))
	return cmd
}

func newTraceListCmd(opts *rootOptions) *cobra.Command {
	var fromArg, toArg string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, err := parseTimeArg("from", fromArg)
			if err != nil {
				return err
			}
			to, err := parseTimeArg("to", toArg)
			if err != nil {
				return err
			}

			runs, err := runtrace.NewStore(opts.traceDir).List(from, to)
			if err != nil {
				return err
			}

			if opts.output == "json" {
				if runs == nil {
					runs = []port.RunSummary{}
				}
				return printJSON(cmd.OutOrStdout(), runs)
			}

			if len(runs) == 0 {
				pterm.Printfln("no runs recorded in %s", opts.traceDir)
				return nil
			}
			data := pterm.TableData{{"RUN", "STARTED", "STATUS", "CALLER", "SQL"}}
			for _, r := range runs {
				data = append(data, []string{
					r.RunID,
					r.StartedAt.Local().Format(time.RFC3339),
					r.Status,
					r.Caller,
					ellipsize(r.SQL, 60),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}

	cmd.Flags().StringVar(&fromArg, "from", "", "only runs started at or after this RFC 3339 time")
	cmd.Flags().StringVar(&toArg, "to", "", "only runs started at or before this RFC 3339 time")
	return cmd
}

func newTraceShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show every recorded event of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := runtrace.NewStore(opts.traceDir).Load(args[0])
			if err != nil {
				return err
			}

			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), events)
			}

			data := pterm.TableData{{"SEQ", "STAGE", "AT", "DETAIL"}}
			for _, ev := range events {
				data = append(data, []string{
					fmt.Sprintf("%d", ev.Seq),
					string(ev.Stage),
					ev.At.Local().Format("15:04:05.000"),
					eventDetail(ev),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}
}

func newTraceDiffCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <run-a> <run-b>",
		Short: "Compare two runs, separating substance from timing",
		Long: `diff compares two recorded runs event by event. Sequence numbers,
timestamps, run ids, and stage durations are ignored, so two runs of the
same query against the same schema are expected to come out identical.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := runtrace.NewStore(opts.traceDir)
			a, err := store.Load(args[0])
			if err != nil {
				return err
			}
			b, err := store.Load(args[1])
			if err != nil {
				return err
			}
			rep := runtrace.Diff(a, b)

			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), rep)
			}

			if rep.Identical() {
				pterm.Success.Printfln("runs %s and %s are structurally identical", args[0], args[1])
			} else {
				pterm.Printfln("runs diverge at %s", rep.FirstDivergence())
				data := pterm.TableData{{"SEQ", "STAGE", "FIELD", "A", "B"}}
				for _, d := range rep.Structural {
					data = append(data, []string{
						fmt.Sprintf("%d", d.Seq),
						string(d.Stage),
						d.Field,
						ellipsize(d.A, 40),
						ellipsize(d.B, 40),
					})
				}
				if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
					return err
				}
			}

			if len(rep.Timing) > 0 {
				pterm.Println()
				data := pterm.TableData{{"STAGE", "A (MS)", "B (MS)"}}
				for _, t := range rep.Timing {
					data = append(data, []string{
						string(t.Stage),
						fmt.Sprintf("%d", t.AMillis),
						fmt.Sprintf("%d", t.BMillis),
					})
				}
				if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func parseTimeArg(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s time %q: expected RFC 3339, like 2026-01-02T15:04:05Z", name, value)
	}
	return t, nil
}

// eventDetail flattens the stage-specific fields of an event into one cell.
func eventDetail(ev port.TraceEvent) string {
	var parts []string
	add := func(format string, args ...any) {
		parts = append(parts, fmt.Sprintf(format, args...))
	}

	if ev.Caller != "" {
		add("caller=%s", ev.Caller)
	}
	if ev.SQL != "" {
		add("sql=%s", ellipsize(ev.SQL, 50))
	}
	if ev.Status != "" {
		add("status=%s", ev.Status)
	}
	if ev.ReasonCode != "" {
		add("reason=%s", ev.ReasonCode)
	}
	if ev.Fragment != "" {
		add("fragment=%q", ev.Fragment)
	}
	if ev.NormalizedSQL != "" {
		add("normalized=%s", ellipsize(ev.NormalizedSQL, 50))
	}
	if ev.SchemaVersion != nil {
		add("schema_version=%d", *ev.SchemaVersion)
	}
	if ev.CacheKey != "" {
		add("key=%s", shortKey(ev.CacheKey))
	}
	if ev.CacheHit != nil {
		add("hit=%t", *ev.CacheHit)
	}
	if ev.RowCount != nil {
		add("rows=%d", *ev.RowCount)
	}
	if ev.Truncated != nil && *ev.Truncated {
		add("truncated")
	}
	if ev.RowsHash != "" {
		add("rows_hash=%s", shortKey(ev.RowsHash))
	}
	if ev.ErrorKind != "" {
		add("error_kind=%s", ev.ErrorKind)
	}
	if ev.Error != "" {
		add("error=%s", ellipsize(ev.Error, 60))
	}
	if ev.ElapsedMS != 0 {
		add("elapsed=%dms", ev.ElapsedMS)
	}
	return strings.Join(parts, " ")
}
