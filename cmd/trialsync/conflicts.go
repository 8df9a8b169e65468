package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/trialsync/internal/coordinator"
)

// The conflict commands open the local store directly. Stores that take an
// exclusive lock (badger) cannot be shared with a running daemon; use the
// control API in that case.
func newConflictsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve sync conflicts",
	}
	cmd.AddCommand(
		newConflictsListCmd(root),
		newConflictsResolveCmd(root),
		newConflictsIgnoreCmd(root),
		newConflictsReleaseCmd(root),
	)
	return cmd
}

func newConflictsListCmd(root *rootOptions) *cobra.Command {
	var (
		table  string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd, root)
			if err != nil {
				return err
			}
			defer a.Close()

			var views []coordinator.ConflictView
			if table == "" {
				views = a.coord.Conflicts()
			} else {
				b, ok := a.coord.Binding(table)
				if !ok {
					return fmt.Errorf("unknown table %q", table)
				}
				views = b.Conflicts()
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTABLE\tRECORD\tCREATED\tMERGEABLE")
			for _, v := range views {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", v.ID, v.Table, v.RecordID, v.CreatedAt.Format(time.RFC3339), v.Mergeable)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "only list conflicts of this table")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print full conflict records as JSON")
	return cmd
}

func newConflictsResolveCmd(root *rootOptions) *cobra.Command {
	var (
		decision string
		payload  string
		push     bool
	)
	cmd := &cobra.Command{
		Use:   "resolve <table> <conflict-id>",
		Short: "Resolve a conflict with local, remote or merged data",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return errors.New("--payload is not valid JSON")
				}
				raw = json.RawMessage(payload)
			}
			a, err := openApp(cmd, root)
			if err != nil {
				return err
			}
			defer a.Close()

			b, ok := a.coord.Binding(args[0])
			if !ok {
				return fmt.Errorf("unknown table %q", args[0])
			}
			if err := b.Resolve(cmd.Context(), args[1], decision, raw); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved %s with %s\n", args[1], decision)
			if !push {
				return nil
			}
			result, err := a.coord.Push(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pushed %d, failed %d\n", result.Pushed, result.Failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "local, remote or merged")
	cmd.Flags().StringVar(&payload, "payload", "", "merged record as JSON (required for merged)")
	cmd.Flags().BoolVar(&push, "push", false, "push the table after resolving")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func newConflictsIgnoreCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ignore <table> <conflict-id>",
		Short: "Dismiss a conflict without changing data",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, root)
			if err != nil {
				return err
			}
			defer a.Close()

			b, ok := a.coord.Binding(args[0])
			if !ok {
				return fmt.Errorf("unknown table %q", args[0])
			}
			if err := b.Ignore(cmd.Context(), args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ignored %s\n", args[1])
			return nil
		},
	}
}

func newConflictsReleaseCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "release <table> <record-id>",
		Short: "Clear the sync-blocked flag of a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, root)
			if err != nil {
				return err
			}
			defer a.Close()

			b, ok := a.coord.Binding(args[0])
			if !ok {
				return fmt.Errorf("unknown table %q", args[0])
			}
			if err := b.Release(cmd.Context(), args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[1])
			return nil
		},
	}
}

func openApp(cmd *cobra.Command, root *rootOptions) (*app, error) {
	cfg, _, err := root.load()
	if err != nil {
		return nil, err
	}
	return newApp(cmd.Context(), cfg)
}
