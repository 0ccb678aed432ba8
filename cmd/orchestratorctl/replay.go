package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"goa.design/goa-ai/core/deadletter"
)

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "replay", Short: "Force recovery candidates through reinjection"}
	cmd.AddCommand(newReplayForceCmd())
	return cmd
}

// newReplayForceCmd implements `replay force <candidate-id>`: an operator
// override that approves a candidate regardless of its confidence-gated
// status and immediately reinjects it, bypassing the normal
// auto-approve/manual-approval split (spec §4.5's approval modes are a
// default, not a ceiling on operator intervention).
func newReplayForceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "force <candidate-id>",
		Short: "Force-approve and reinject a recovery candidate",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return misusef("expected exactly one argument: <candidate-id>")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			candidateID := args[0]

			dep, closeFn, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			pipe := &deadletter.Pipeline{
				Archive:    dep.Archive,
				Candidates: dep.Candidates,
				Runs:       dep.Runs,
				NewID:      newID,
			}

			candidate, err := dep.Candidates.Get(cmd.Context(), candidateID)
			if err != nil {
				return operationErr(fmt.Errorf("look up candidate %s: %w", candidateID, err))
			}
			if candidate.Status != deadletter.CandidateApproved {
				if err := pipe.Approve(cmd.Context(), candidateID, "orchestratorctl", true); err != nil {
					return operationErr(fmt.Errorf("force-approve candidate %s: %w", candidateID, err))
				}
			}

			child, err := pipe.Execute(cmd.Context(), candidateID)
			if err != nil {
				return operationErr(fmt.Errorf("execute candidate %s: %w", candidateID, err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reinjected candidate %s as run %s (parent=%s)\n", candidateID, child.ID, child.ParentRunID)
			return nil
		},
	}
	return cmd
}
