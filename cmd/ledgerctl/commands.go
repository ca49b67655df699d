package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tiply/ledger-service/internal/graph"
	"github.com/tiply/ledger-service/internal/logger"
	"github.com/tiply/ledger-service/internal/model"
	"github.com/tiply/ledger-service/internal/projection"
	"github.com/tiply/ledger-service/internal/worker"
)

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <transaction-id>",
		Short: "Re-read a pending transfer from the rail and settle it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			t, err := e.svc.Reconcile(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		},
	}
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation pass over stale pending transfers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			staleAfter, _ := cmd.Flags().GetDuration("stale-after")
			if staleAfter <= 0 {
				staleAfter = e.cfg.Worker.StaleAfter
			}
			batch, _ := cmd.Flags().GetInt("batch")
			if batch <= 0 {
				batch = e.cfg.Worker.SweepBatch
			}
			res, err := worker.NewSweeper(e.svc, staleAfter, batch, e.cfg.Worker.Workers, e.log).RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked=%d settled=%d errors=%d\n", res.Checked, res.Settled, res.Errors)
			return nil
		},
	}
	cmd.Flags().Duration("stale-after", 0, "minimum age of a pending transfer (defaults to worker.stale_after)")
	cmd.Flags().Int("batch", 0, "maximum transfers to check (defaults to worker.sweep_batch)")
	return cmd
}

// parseTargetStatus accepts the terminal statuses an operator may force.
func parseTargetStatus(s string) (model.Status, error) {
	st := model.Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case model.StatusCompleted, model.StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("status must be COMPLETED or FAILED, got %q", s)
}

func overrideCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "override <transaction-id> <COMPLETED|FAILED>",
		Short: "Force a pending transaction into a terminal status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := parseTargetStatus(args[1])
			if err != nil {
				return err
			}
			actor, _ := cmd.Flags().GetString("actor")
			reason, _ := cmd.Flags().GetString("reason")

			ctx := cmd.Context()
			e, err := openEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			t, err := e.svc.OverrideStatus(ctx, args[0], to, actor, reason)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		},
	}
	cmd.Flags().String("actor", "", "operator recorded as last_updated_by")
	cmd.Flags().String("reason", "", "failure reason recorded on FAILED")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func usersCmd() *cobra.Command {
	users := &cobra.Command{
		Use:   "users",
		Short: "Manage the recipient directory",
	}

	add := &cobra.Command{
		Use:   "add <username>",
		Short: "Create or update a user and their wallet addresses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deposit, _ := cmd.Flags().GetString("deposit")
			withdrawal, _ := cmd.Flags().GetString("withdrawal")
			u := &model.User{Username: args[0]}
			if deposit != "" {
				u.DepositWalletAddress = &deposit
			}
			if withdrawal != "" {
				u.WithdrawalWalletAddress = &withdrawal
			}

			ctx := cmd.Context()
			e, err := openEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.repo.AutoMigrate(); err != nil {
				return fmt.Errorf("auto-migrate: %w", err)
			}
			if err := e.repo.UpsertUser(ctx, e.repo.DB(ctx), u); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), u)
		},
	}
	add.Flags().String("deposit", "", "deposit wallet address")
	add.Flags().String("withdrawal", "", "withdrawal wallet address")

	users.AddCommand(add)
	return users
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <username>",
		Short: "Print a user's withdrawable balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			bal, err := e.svc.Balance(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), bal.String())
			return nil
		},
	}
}

func supportersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "supporters <username>",
		Short: "List a user's top supporters from the tip graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log, err := logger.NewLogger(cfg.Log)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			client, err := graph.NewNeo4jClient(ctx, graph.Options{
				URI:            cfg.Neo4j.URI,
				Database:       cfg.Neo4j.Database,
				Username:       cfg.Neo4j.Username,
				Password:       cfg.Neo4j.Password,
				MaxConnections: cfg.Neo4j.MaxConnections,
			})
			if err != nil {
				return err
			}
			defer client.Close(ctx)

			limit, _ := cmd.Flags().GetInt("limit")
			out, err := projection.NewProjector(client, log).TopSupporters(ctx, args[0], limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().IntP("limit", "n", 10, "maximum supporters")
	return cmd
}
