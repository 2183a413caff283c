package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/satsflow/paidaction/journal"
	"github.com/satsflow/paidaction/logger"
)

var (
	journalLimit   int
	journalInvoice string
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show recorded payment attempts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		j, err := journal.Open(cfg.JournalPath, logger.Named("journal"))
		if err != nil {
			return err
		}
		defer j.Close()

		var entries []journal.Entry
		if journalInvoice != "" {
			entries, err = j.ForInvoice(journalInvoice)
		} else {
			entries, err = j.List(journalLimit)
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintln(out, "no payments recorded")
			return nil
		}
		for _, e := range entries {
			fmt.Fprintln(out, journal.Format(e))
		}
		return nil
	},
}

func init() {
	journalCmd.Flags().IntVar(&journalLimit, "limit", 20, "number of entries to show, 0 for all")
	journalCmd.Flags().StringVar(&journalInvoice, "invoice", "", "show every entry of one invoice hash")
}
