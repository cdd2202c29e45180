package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats [department]",
	Short: "Show lab-wide or per-department usage statistics",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
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

	if len(args) == 1 {
		stats, err := engine.DepartmentStats(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("=== Department: %s ===\n", stats.Department)
		fmt.Printf("Identities:      %d\n", stats.TotalIdentities)
		fmt.Printf("Total Tokens:    %d\n", stats.TotalTokens)
		fmt.Printf("Total Cost:      $%.2f\n", stats.TotalCost)
		fmt.Printf("Avg Cost/User:   $%.2f\n", stats.AvgCostPerIdentity)
		fmt.Printf("Avg Tokens/User: %.0f\n", stats.AvgTokensPerIdentity)
		if len(stats.ModelsUsed) > 0 {
			fmt.Printf("Models:          %s\n", strings.Join(stats.ModelsUsed, ", "))
		}
		return nil
	}

	stats, err := engine.LabStats(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("=== Lab Usage ===\n")
	fmt.Printf("Identities:      %d\n", stats.TotalIdentities)
	fmt.Printf("Departments:     %d\n", stats.TotalDepartments)
	fmt.Printf("Total Tokens:    %d\n", stats.TotalTokens)
	fmt.Printf("Total Cost:      $%.2f\n", stats.TotalCost)
	fmt.Printf("Avg Cost/User:   $%.2f\n", stats.AvgCostPerIdentity)
	if !stats.LastSubmissionAt.IsZero() {
		fmt.Printf("Last Submission: %s\n", stats.LastSubmissionAt.Format("2006-01-02 15:04:05"))
	}

	if len(stats.TopModels) > 0 {
		fmt.Printf("\nTop Models:\n")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "  MODEL\tSUBMISSIONS\n")
		for _, m := range stats.TopModels {
			fmt.Fprintf(w, "  %s\t%d\n", m.Model, m.UsageCount)
		}
		return w.Flush()
	}
	return nil
}
