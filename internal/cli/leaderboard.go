package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/snuconnectome/viberank-connectomelab/pkg/reconcile"
	"github.com/snuconnectome/viberank-connectomelab/pkg/storage"
)

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard",
	Short: "Show the usage leaderboard",
	Long: `Show submissions ranked by total cost or total tokens. With --from and
--to, ranks are computed over the days inside that range only.`,
	RunE: runLeaderboard,
}

func init() {
	rootCmd.AddCommand(leaderboardCmd)
	leaderboardCmd.Flags().StringP("metric", "m", "cost", "Ranking metric (cost or tokens)")
	leaderboardCmd.Flags().Int("page", 1, "Page number")
	leaderboardCmd.Flags().Int("size", 20, "Page size (max 50)")
	leaderboardCmd.Flags().Bool("include-flagged", false, "Include submissions flagged for review")
	leaderboardCmd.Flags().String("from", "", "Range start date (YYYY-MM-DD)")
	leaderboardCmd.Flags().String("to", "", "Range end date (YYYY-MM-DD)")
}

func runLeaderboard(cmd *cobra.Command, _ []string) error {
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

	metric, _ := cmd.Flags().GetString("metric")
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")

	if from != "" || to != "" {
		size, _ := cmd.Flags().GetInt("size")
		entries, err := engine.LeaderboardByDateRange(cmd.Context(), from, to, storage.SortMetric(metric), size)
		if err != nil {
			return err
		}

		fmt.Printf("=== Leaderboard %s to %s (by %s) ===\n", from, to, metric)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "RANK\tUSER\tDEPARTMENT\tTOKENS\tCOST\tDAYS\n")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t$%.2f\t%d\n",
				e.Rank, e.Username, e.Department, e.Totals.TotalTokens, e.Totals.TotalCost, e.ActiveDays)
		}
		return w.Flush()
	}

	page, _ := cmd.Flags().GetInt("page")
	size, _ := cmd.Flags().GetInt("size")
	includeFlagged, _ := cmd.Flags().GetBool("include-flagged")

	board, err := engine.Leaderboard(cmd.Context(), reconcile.LeaderboardQuery{
		Metric:         storage.SortMetric(metric),
		Page:           page,
		PageSize:       size,
		IncludeFlagged: includeFlagged,
	})
	if err != nil {
		return err
	}

	fmt.Printf("=== Leaderboard (by %s, page %d/%d) ===\n", metric, board.Page, board.TotalPages)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "RANK\tUSER\tMACHINE\tSOURCE\tTOKENS\tCOST\tFLAGS\n")
	for _, e := range board.Entries {
		flags := ""
		if e.Submission.FlaggedForReview {
			flags = "review"
		} else if e.Submission.Verified {
			flags = "verified"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t$%.2f\t%s\n",
			e.Rank, e.Submission.Username, e.Submission.MachineID, e.Submission.Source,
			e.Submission.Totals.TotalTokens, e.Submission.Totals.TotalCost, flags)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if board.HasMore {
		fmt.Printf("\n%d total entries, use --page %d for more\n", board.TotalCount, board.Page+1)
	}
	return nil
}
