// apctl is the operator CLI for the intake core: dead-letter replay,
// workflow cancellation and idempotency housekeeping against the live store.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-ap-intake/internal/config"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
	"github.com/pesio-ai/be-ap-intake/internal/idempotency"
	"github.com/pesio-ai/be-ap-intake/internal/ident"
	"github.com/pesio-ai/be-ap-intake/internal/lifecycle"
	"github.com/pesio-ai/be-ap-intake/internal/repository"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "apctl",
		Short:         "Operate the AP intake core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newReplayDLQCmd(), newCancelWorkflowCmd(), newSweepIdempotencyCmd())
	return root
}

// openStore connects using the same configuration as the server.
func openStore(ctx context.Context) (*repository.PG, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, cfg, err
	}
	pg, err := repository.NewPG(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, cfg, err
	}
	return pg, cfg, nil
}

func newReplayDLQCmd() *cobra.Command {
	var max int
	cmd := &cobra.Command{
		Use:   "replay-dlq <queue>",
		Short: "Move dead jobs back to their queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			queue := args[0]
			dead, err := store.DeadJobs(ctx, queue, max)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			n := 0
			for _, job := range dead {
				if err := store.RequeueDeadJob(ctx, job.ID, now); err != nil {
					return fmt.Errorf("requeue %s: %w", job.ID, err)
				}
				n++
			}
			fmt.Printf("replayed %d dead jobs on %q\n", n, queue)
			return nil
		},
	}
	cmd.Flags().IntVar(&max, "max", 100, "maximum jobs to replay")
	return cmd
}

func newCancelWorkflowCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel-workflow <invoice_id>",
		Short: "Cancel an in-flight invoice workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			invoiceID := args[0]
			err = store.InTx(ctx, func(st repository.Store) error {
				inv, err := st.GetInvoice(ctx, invoiceID)
				if err != nil {
					return err
				}
				if inv.State == domain.StateCancelled {
					fmt.Println("already cancelled")
					return nil
				}
				if inv.State.Terminal() {
					return fmt.Errorf("invoice already finished as %s", inv.State)
				}
				now := time.Now().UTC()
				if err := lifecycle.Transition(ctx, st, inv, domain.StateCancelled, now); err != nil {
					return err
				}
				return st.AppendAudit(ctx, &domain.AuditEntry{
					ID:          ident.NewID(),
					InvoiceID:   inv.ID,
					Action:      "workflow.cancel",
					PerformedBy: "apctl",
					PerformedAt: now,
					Metadata:    map[string]any{"reason": reason},
				})
			})
			if err != nil {
				return err
			}
			fmt.Printf("cancelled %s\n", invoiceID)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "operator reason recorded in the audit log")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newSweepIdempotencyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-idempotency",
		Short: "Delete expired idempotency records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, cfg, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			log := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
			mgr := idempotency.NewManager(store, ident.NewSystemClock(), cfg.IdempotencyTTL, cfg.IdempotencyMaxExecutions, log)
			n, err := mgr.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d expired records\n", n)
			return nil
		},
	}
}
