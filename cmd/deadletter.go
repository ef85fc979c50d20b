package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newDeadLetterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspects and replays dead-lettered tasks",
	}

	var listLimit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Prints dead-lettered tasks as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			q, err := openQueue(e.cfg, e.logger)
			if err != nil {
				return err
			}
			defer func() { _ = q.Close() }()

			entries, err := q.ListDeadLetters(cmd.Context(), listLimit)
			if err != nil {
				return fmt.Errorf("list dead letters: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, entry := range entries {
				if err := enc.Encode(entry); err != nil {
					return err
				}
			}
			return nil
		},
	}
	list.Flags().IntVar(&listLimit, "limit", 100, "maximum entries to print")

	var replayLimit int
	replay := &cobra.Command{
		Use:   "replay",
		Short: "Moves dead-lettered tasks back to pending with a fresh attempt budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			q, err := openQueue(e.cfg, e.logger)
			if err != nil {
				return err
			}
			defer func() { _ = q.Close() }()

			n, err := q.Replay(cmd.Context(), replayLimit)
			if err != nil {
				return fmt.Errorf("replay dead letters: %w", err)
			}
			e.logger.Info("dead letters replayed", zap.Int("count", n))
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d\n", n)
			return nil
		},
	}
	replay.Flags().IntVar(&replayLimit, "limit", 100, "maximum tasks to replay")

	cmd.AddCommand(list, replay)
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Prints queue depth per area",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			q, err := openQueue(e.cfg, e.logger)
			if err != nil {
				return err
			}
			defer func() { _ = q.Close() }()

			stats, err := q.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("queue stats: %w", err)
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(stats)
		},
	}
}
