package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/clearscript-health/rxscan/internal/model"
	"github.com/clearscript-health/rxscan/internal/store"
)

var (
	runsStatus string
	runsLimit  int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List persisted prescription records",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.NewSQLite(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(cmd.Context()); err != nil {
			return err
		}

		records, err := st.ListRecords(cmd.Context(), store.RecordFilter{
			Status: model.RecordStatus(runsStatus),
			Limit:  runsLimit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tDRUGS\tCREATED\tREASON")
		for _, rec := range records {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				rec.ID, rec.Status, len(rec.DrugEntries),
				rec.CreatedAt.Format("2006-01-02 15:04:05"), rec.FailureReason)
		}
		return w.Flush()
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "filter by record status")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 50, "max records to list")
	rootCmd.AddCommand(runsCmd)
}
