package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newRejectedCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rejected",
		Short: "Inspect server rows that could not be decoded",
	}
	cmd.AddCommand(newRejectedListCmd(root), newRejectedDismissCmd(root))
	return cmd
}

func newRejectedListCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rejected server rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd, root)
			if err != nil {
				return err
			}
			defer a.Close()

			views, err := a.coord.Rejected(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TABLE\tRECORD\tSERVER VERSION\tREJECTED\tREASON")
			for _, v := range views {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", v.Table, v.ID, v.UpdatedAtRemote, v.RejectedAt.Format(time.RFC3339), v.Reason)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print rejected rows as JSON")
	return cmd
}

func newRejectedDismissCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <table> <record-id>",
		Short: "Forget a rejected row",
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
			if err := b.DismissRejected(cmd.Context(), args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dismissed %s\n", args[1])
			return nil
		},
	}
}
