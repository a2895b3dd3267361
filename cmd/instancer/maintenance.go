package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Align the registry with running containers once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			sum, err := a.engine.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"status":            "ok",
				"checked":           sum.Checked,
				"marked_destroyed":  sum.MarkedDestroyed,
				"orphans_removed":   sum.OrphansRemoved,
				"routes_restored":   sum.RoutesRestored,
				"skipped":           sum.Skipped,
				"reconciled_at_utc": time.Now().UTC().Format(time.RFC3339),
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Destroy expired instances once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			sum, err := a.engine.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"status":    "ok",
				"expired":   sum.Expired,
				"destroyed": sum.Destroyed,
				"skipped":   sum.Skipped,
				"failed":    sum.Failed,
				"pruned":    sum.Pruned,
			})
		},
	}
}

func portsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Direct-mode port pool maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reinit",
		Short: "Rebuild the free port pool from settings and active instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			out, err := a.reinitPorts(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	})
	return cmd
}

func instancesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "instances",
		Short: "List active instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			items, err := a.engine.ActiveInstances(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(items)
		},
	}
}
