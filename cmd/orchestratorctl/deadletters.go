package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"goa.design/goa-ai/core/deadletter"
)

func newDeadLettersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "Inspect the dead-letter archive",
	}
	cmd.AddCommand(newDeadLettersListCmd())
	return cmd
}

func newDeadLettersListCmd() *cobra.Command {
	var (
		status string
		max    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived dead-letter entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := deadletter.EntryStatus(status)
			switch st {
			case deadletter.StatusUnmatched, deadletter.StatusMatched, deadletter.StatusRecovered:
			default:
				return misusef("unknown --status %q (want unmatched|matched|recovered)", status)
			}
			if max <= 0 {
				return misusef("--max must be positive, got %d", max)
			}

			dep, closeFn, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			entries, err := dep.Archive.ListByStatus(cmd.Context(), st, max)
			if err != nil {
				return operationErr(fmt.Errorf("list dead-letters: %w", err))
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no dead-letter entries")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\trun=%s\top=%d\tskill=%s\tkind=%s\tcatalog=%s\tattempts=%d\tarchived=%s\n",
					e.ID, e.RunID, e.OpIndex, e.Skill, e.FailureKind, e.CatalogMatch, e.Attempts, e.ArchivedAt.Format("2006-01-02T15:04:05Z07:00"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", string(deadletter.StatusUnmatched), "entry status to list (unmatched|matched|recovered)")
	cmd.Flags().IntVar(&max, "max", 50, "maximum number of entries to list")
	return cmd
}
