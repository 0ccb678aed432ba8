package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/slack-go/slack"
	"github.com/spf13/cobra"

	"goa.design/goa-ai/core/outbox"
	"goa.design/goa-ai/core/queue"
	"goa.design/goa-ai/core/skills/httpskill"
	"goa.design/goa-ai/core/skills/slackskill"
)

func newOutboxCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "outbox", Short: "Inspect and drive the outbox processor"}
	cmd.AddCommand(newOutboxDrainCmd())
	return cmd
}

// newOutboxDrainCmd implements `outbox drain`: a one-shot synchronous pass
// over pending entries (core/outbox.DrainOnce), for operators who want to
// force delivery without starting the long-running leader-gated Processor.
func newOutboxDrainCmd() *cobra.Command {
	var max int
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Deliver pending outbox entries once, synchronously",
		RunE: func(cmd *cobra.Command, args []string) error {
			if max <= 0 {
				return misusef("--max must be positive, got %d", max)
			}

			dep, closeFn, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			deliverer := dispatchDeliverer()
			backoff := queue.BackoffConfig{
				InitialBackoff:    dep.cfg.Queue.InitialBackoff,
				MaxBackoff:        dep.cfg.Queue.MaxBackoff,
				BackoffMultiplier: dep.cfg.Queue.BackoffMultiplier,
				Jitter:            dep.cfg.Queue.Jitter,
			}
			delivered, failed, err := outbox.DrainOnce(cmd.Context(), dep.Outbox, deliverer, max, backoff)
			if err != nil {
				return operationErr(fmt.Errorf("drain outbox: %w", err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "delivered=%d failed=%d\n", delivered, failed)
			return nil
		},
	}
	cmd.Flags().IntVar(&max, "max", 100, "maximum number of pending entries to attempt")
	return cmd
}

// dispatchDeliverer routes each outbox entry to the adapter matching its
// Target (spec §4.4: Target identifies the downstream system). Entries for
// targets with no registered deliverer fail permanently rather than
// retrying forever against nothing.
func dispatchDeliverer() outbox.Deliverer {
	httpDeliver := httpskill.Deliver(http.DefaultClient)
	slackDeliver := slackskill.Deliver(slack.New(os.Getenv("SLACK_BOT_TOKEN")))

	return func(ctx context.Context, e outbox.Entry) error {
		switch e.Target {
		case "http":
			return httpDeliver(ctx, e.Payload)
		case "slack":
			return slackDeliver(ctx, e.Payload)
		default:
			return outbox.Permanent(fmt.Errorf("outbox: no deliverer registered for target %q", e.Target))
		}
	}
}
