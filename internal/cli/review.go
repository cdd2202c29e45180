package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Manage submissions flagged for manual review",
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List submissions awaiting review",
	RunE:  runReviewList,
}

var reviewFlagCmd = &cobra.Command{
	Use:   "flag <submission-id>",
	Short: "Flag a submission for review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReviewUpdate(cmd, args[0], true)
	},
}

var reviewClearCmd = &cobra.Command{
	Use:   "clear <submission-id>",
	Short: "Clear a submission's review flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReviewUpdate(cmd, args[0], false)
	},
}

func init() {
	rootCmd.AddCommand(reviewCmd)
	reviewCmd.AddCommand(reviewListCmd, reviewFlagCmd, reviewClearCmd)

	reviewListCmd.Flags().Int("limit", 20, "Maximum submissions to list")
	reviewFlagCmd.Flags().StringP("reason", "r", "", "Reviewer reason recorded with the flag")
	reviewClearCmd.Flags().StringP("reason", "r", "", "Reviewer reason recorded with the clear")
}

func runReviewList(cmd *cobra.Command, _ []string) error {
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

	limit, _ := cmd.Flags().GetInt("limit")
	flagged, err := engine.FlaggedQueue(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if len(flagged) == 0 {
		fmt.Println("No submissions awaiting review.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tUSER\tMACHINE\tCOST\tREASONS\n")
	for _, sub := range flagged {
		fmt.Fprintf(w, "%s\t%s\t%s\t$%.2f\t%s\n",
			sub.ID, sub.Username, sub.MachineID, sub.Totals.TotalCost, strings.Join(sub.FlagReasons, "; "))
	}
	return w.Flush()
}

func runReviewUpdate(cmd *cobra.Command, id string, flagged bool) error {
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

	reason, _ := cmd.Flags().GetString("reason")
	if err := engine.UpdateFlagStatus(cmd.Context(), id, flagged, reason); err != nil {
		return err
	}

	if flagged {
		fmt.Printf("Submission %s flagged for review.\n", id)
	} else {
		fmt.Printf("Submission %s cleared.\n", id)
	}
	return nil
}
