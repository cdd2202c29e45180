package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <username>",
	Short: "Merge all of a user's canonical records into one",
	Long: `Merge collapses every canonical record a username has, across machines
and sources, into a single verified record. On overlapping dates an oauth
record takes precedence over a cli one. The user's profile is recomputed
before the command returns.`,
	Args: cobra.ExactArgs(1),
	RunE: runMerge,
}

func init() {
	rootCmd.AddCommand(mergeCmd)
}

func runMerge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	store, err := initStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	engine, err := initEngine(cfg, store, logger)
	if err != nil {
		return err
	}

	res, err := engine.MergeIdentityRecords(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	worker := initWorker(cfg, store, engine, logger)
	if err := worker.RunOnce(cmd.Context()); err != nil {
		return fmt.Errorf("run profile recompute: %w", err)
	}

	fmt.Printf("Merged %d records for %s into %s\n", res.Merged, args[0], res.SurvivorID)
	return nil
}
