package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gwi.com/contract-assistant/internal/core"
)

var (
	reindexContracts []string
	reindexAll       bool
	reindexForce     bool
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Regenerate contract embeddings",
	Long: `Regenerate embeddings for the given contracts, or for every contract with --all.

Contracts whose embeddings are newer than their last edit are skipped
unless --force is set.`,
	RunE: runReindex,
}

func init() {
	reindexCmd.Flags().StringSliceVar(&reindexContracts, "contract", nil, "contract id to reindex (repeatable)")
	reindexCmd.Flags().BoolVar(&reindexAll, "all", false, "reindex every contract")
	reindexCmd.Flags().BoolVar(&reindexForce, "force", false, "regenerate even when embeddings are current")
	reindexCmd.MarkFlagsMutuallyExclusive("contract", "all")
	reindexCmd.MarkFlagsOneRequired("contract", "all")
}

func runReindex(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	ids := reindexContracts
	if reindexAll {
		if ids, err = a.store.ListAllContractIDs(ctx); err != nil {
			return err
		}
	}
	if len(ids) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No contracts to reindex.")
		return nil
	}

	var opts []core.IndexOption
	if reindexForce {
		opts = append(opts, core.WithForce())
	}

	queue := a.newQueue(len(ids))
	tasks := make(map[string]*core.IndexTask, len(ids))
	for _, id := range ids {
		task, err := queue.Enqueue(id, opts...)
		if err != nil {
			return err
		}
		tasks[id] = task
	}

	var failed []error
	for _, id := range ids {
		status, err := tasks[id].Wait(ctx)
		switch {
		case err != nil:
			a.logger.Error("reindex failed", zap.String("contract_id", id), zap.Error(err))
			failed = append(failed, fmt.Errorf("%s: %w", id, err))
		case status.Result.Skipped:
			fmt.Fprintf(cmd.OutOrStdout(), "%s: up to date (%d chunks)\n", id, status.Result.ChunkCount)
		default:
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d chunks\n", id, status.Result.ChunkCount)
		}
	}
	if err := queue.Close(ctx); err != nil {
		return err
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d contracts failed: %w", len(failed), len(ids), errors.Join(failed...))
	}
	return nil
}
