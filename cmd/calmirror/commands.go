package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"calmirror/internal/config"
	appLog "calmirror/internal/log"
	"calmirror/internal/model"
	"calmirror/internal/reconcile"
	"calmirror/internal/scheduler"
	"calmirror/internal/syncer"
	"calmirror/internal/web"
)

func newRunCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one sync and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			res, err := syncer.NewRunner(a.syncer).Run(ctx, flags.override())
			if err != nil {
				return exitError(err)
			}
			if flags.jsonOutput {
				return printJSON(cmd, res)
			}
			printReport(cmd.OutOrStdout(), res)
			return nil
		},
	}
}

func newPreviewCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "preview",
		Short: "List the occurrences the feed currently yields",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			desired, err := a.syncer.Desired(ctx, flags.override())
			if err != nil {
				return exitError(err)
			}
			if flags.jsonOutput {
				return printJSON(cmd, desired)
			}
			printOccurrences(cmd.OutOrStdout(), desired.Occurrences, time.Now())
			for _, rej := range desired.Rejected {
				fmt.Fprintf(cmd.OutOrStdout(), "rejected %s (%s): %v\n", rej.UID, rej.Summary, rej.Err)
			}
			return nil
		},
	}
}

func newPlanCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show the changes a sync would make, without applying them",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			_, plan, existing, err := a.syncer.Plan(ctx, flags.override())
			if err != nil {
				return exitError(err)
			}
			if flags.jsonOutput {
				return printJSON(cmd, plan)
			}
			printPlan(cmd.OutOrStdout(), plan, len(existing))
			return nil
		},
	}
}

func newServeCmd(flags *cliFlags) *cobra.Command {
	var noInitialRun bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run syncs on the refresh schedule and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			runner := syncer.NewRunner(a.syncer)
			override := flags.override()
			loc, _ := a.cfg.Location()
			sched := scheduler.New(loc, func(ctx context.Context) error {
				_, err := runner.Run(ctx, override)
				return err
			})
			if err := sched.Schedule(a.cfg.RefreshCron); err != nil {
				return err
			}

			srv := web.NewServer(a.cfg, runner)
			srv.NextRun = sched.Next

			holder := config.NewHolder(flags.configPath, a.cfg)
			holder.OnChange(func(cfg *config.Config) {
				appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
				if err := sched.Schedule(cfg.RefreshCron); err != nil {
					appLog.Error("keeping previous schedule", err)
				}
				srv.SetConfig(cfg)
				if cfg.Store.DSN != a.cfg.Store.DSN {
					appLog.Warn("store dsn changed; restart to apply", "store_kind", cfg.Store.Kind)
					return
				}
				next, err := syncer.New(cfg, a.store)
				if err != nil {
					appLog.Error("keeping previous sync settings", err)
					return
				}
				runner.Swap(next)
			})

			var wg sync.WaitGroup
			errCh := make(chan error, 3)
			start := func(fn func() error) {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := fn(); err != nil {
						errCh <- err
						cancel()
					}
				}()
			}
			start(func() error { return sched.Start(ctx) })
			start(func() error { return srv.Serve(ctx, a.cfg.Listen) })
			start(func() error { return holder.Watch(ctx) })

			if !noInitialRun {
				go func() {
					if _, err := runner.Run(ctx, override); err != nil && !errors.Is(err, syncer.ErrRunInProgress) {
						appLog.Error("initial sync failed", err)
					}
				}()
			}

			wg.Wait()
			close(errCh)
			appLog.Info("calmirror exiting")
			return <-errCh
		},
	}
	cmd.Flags().BoolVar(&noInitialRun, "no-initial-run", false, "Wait for the first scheduled tick instead of syncing at startup")
	return cmd
}

func printReport(w io.Writer, res syncer.Result) {
	r := res.Report
	fmt.Fprintf(w, "desired %d, existing %d, rejected %d\n", res.Desired, res.Existing, res.Rejected)
	fmt.Fprintf(w, "applied %d (created %d, updated %d, deleted %d), skipped %d in %s\n",
		r.Applied, r.Created, r.Updated, r.Deleted, r.Skipped,
		res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	for _, it := range r.Items {
		if it.State == reconcile.StateSkipped {
			fmt.Fprintf(w, "  skipped %s %s: %v\n", it.Action, it.Handle, it.Err)
		}
	}
}

func printOccurrences(w io.Writer, occs []model.Occurrence, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "START\tWHEN\tHANDLE\tSUMMARY")
	for _, occ := range occs {
		start := occ.Start.Format("2006-01-02 15:04")
		if occ.AllDay {
			start = occ.Start.Format("2006-01-02") + " (all day)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", start, humanize.RelTime(occ.Start, now, "ago", "from now"), occ.Handle, occ.Summary)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "%s occurrences\n", humanize.Comma(int64(len(occs))))
}

func printPlan(w io.Writer, plan reconcile.Plan, existing int) {
	fmt.Fprintf(w, "%d existing records; %d creates, %d updates, %d deletes\n",
		existing, len(plan.Creates), len(plan.Updates), len(plan.Deletes))
	for _, occ := range plan.Creates {
		fmt.Fprintf(w, "  + %s  %s\n", occ.Handle, occ.Summary)
	}
	for _, u := range plan.Updates {
		fmt.Fprintf(w, "  ~ %s  %s\n", u.Occurrence.Handle, u.RecordID)
	}
	for _, d := range plan.Deletes {
		fmt.Fprintf(w, "  - %s  %s\n", d.Handle, d.RecordID)
	}
}
