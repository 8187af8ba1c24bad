package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowslide/tiersync/internal/clock"
	"github.com/flowslide/tiersync/internal/transition"
	"github.com/flowslide/tiersync/internal/types"
)

// withApp runs fn against a wired app and tears it down afterwards.
func withApp(ctx context.Context, fn func(*app) error) error {
	a, err := newApp(ctx, flagConfig)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show per-type sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				// Bring the workers up so the board reflects the active
				// policy table, even for a one-shot inspection.
				a.engine.Start(cmd.Context())
				rep := a.control.Status()
				if flagJSON {
					return printJSON(rep)
				}
				fmt.Printf("mode: %s  health: %s\n\n", rep.Mode, rep.Health)
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TYPE\tDIRECTION\tSTRATEGY\tHEALTH\tAPPLIED\tCONFLICTS\tERRORS\tLAST RUN")
				for _, ws := range rep.Workers {
					last := "never"
					if ws.LastRun > 0 {
						last = clock.FormatMillis(ws.LastRun)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
						ws.Type, ws.Direction, ws.Strategy, ws.Health,
						ws.Applied, ws.Conflicts, ws.Errors, last)
				}
				return w.Flush()
			})
		},
	}
}

func newModeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mode",
		Short: "show the active deployment mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				info := a.control.Mode()
				if flagJSON {
					return printJSON(info)
				}
				fmt.Printf("mode: %s\n", info.Mode)
				if info.Override != "" {
					fmt.Printf("override: %s (detection disabled)\n", info.Override)
				}
				fmt.Printf("external configured: %v\nobject store configured: %v\n",
					info.ExternalConfigured, info.ObjectConfigured)
				fmt.Printf("last check: %s\n", info.LastCheck.UTC().Format(time.RFC3339))
				return nil
			})
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <target-mode>",
		Short: "check whether the configuration supports a mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := types.ParseMode(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				res, err := a.control.Validate(cmd.Context(), to, nil)
				if err != nil {
					return err
				}
				if flagJSON {
					return printJSON(res)
				}
				if res.OK {
					fmt.Printf("configuration supports %s\n", to)
					return nil
				}
				if len(res.MissingFields) > 0 {
					fmt.Printf("missing configuration: %s\n", strings.Join(res.MissingFields, ", "))
				}
				for _, tier := range res.UnreachablePeers {
					fmt.Printf("unreachable: %s store\n", tier)
				}
				return fmt.Errorf("configuration does not support %s", to)
			})
		},
	}
}

func newSwitchCmd() *cobra.Command {
	var reason string
	var force bool
	cmd := &cobra.Command{
		Use:   "switch <target-mode>",
		Short: "transition to a deployment mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := types.ParseMode(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				rec, err := a.control.SwitchMode(cmd.Context(), transition.Request{
					To:     to,
					Reason: reason,
					Actor:  actor(),
					Force:  force,
				})
				if rec != nil {
					if flagJSON {
						_ = printJSON(rec)
					} else {
						fmt.Printf("transition %d: %s -> %s: %s\n", rec.ID, rec.FromMode, rec.ToMode, rec.Status)
						if rec.Error != "" {
							fmt.Printf("  %s\n", rec.Error)
						}
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual switch", "why this transition is happening")
	cmd.Flags().BoolVar(&force, "force", false, "allow dropping a store tier the current mode syncs to")
	return cmd
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [data-type]",
		Short: "run an immediate sync cycle",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var typ types.DataType
			if len(args) == 1 {
				typ = types.DataType(args[0])
			}
			return withApp(cmd.Context(), func(a *app) error {
				ctx := cmd.Context()
				a.engine.Start(ctx)
				defer a.engine.Stop()
				if err := a.control.TriggerSync(ctx, typ); err != nil {
					return err
				}
				fmt.Println("sync complete")
				return nil
			})
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "list recent mode transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				recs, err := a.control.History(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if flagJSON {
					return printJSON(recs)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tFROM\tTO\tSTATUS\tSTARTED\tACTOR\tREASON")
				for _, r := range recs {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
						r.ID, r.FromMode, r.ToMode, r.Status,
						clock.FormatMillis(r.StartedAt), r.Actor, r.Reason)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries")
	return cmd
}

// actor identifies who ran the command, for the transition log.
func actor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}
