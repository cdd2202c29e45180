package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/snuconnectome/viberank-connectomelab/pkg/usage"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a usage report from a JSON file",
	Long: `Submit reads a usage report (totals, date range, and per-day breakdown)
from a JSON file and reconciles it into the canonical record for the given
user, machine, and source. The profile recompute runs before the command
returns.`,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringP("file", "f", "", "Path to the report JSON file")
	submitCmd.Flags().StringP("user", "u", "", "Username the report belongs to")
	submitCmd.Flags().StringP("department", "d", "", "Department of the user")
	submitCmd.Flags().String("machine-id", "", "Stable machine identifier")
	submitCmd.Flags().String("machine-name", "", "Human-readable machine name")
	submitCmd.Flags().String("source", "cli", "Report source (cli or oauth)")
	submitCmd.Flags().String("policy", "", "Merge policy override (additive or overwrite)")
	_ = submitCmd.MarkFlagRequired("file")
	_ = submitCmd.MarkFlagRequired("user")
	_ = submitCmd.MarkFlagRequired("machine-id")
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	file, _ := cmd.Flags().GetString("file")
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read report file: %w", err)
	}
	var report usage.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return fmt.Errorf("parse report file: %w", err)
	}

	store, err := initStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	engine, err := initEngine(cfg, store, logger)
	if err != nil {
		return err
	}

	user, _ := cmd.Flags().GetString("user")
	department, _ := cmd.Flags().GetString("department")
	machineID, _ := cmd.Flags().GetString("machine-id")
	machineName, _ := cmd.Flags().GetString("machine-name")
	source, _ := cmd.Flags().GetString("source")
	policy, _ := cmd.Flags().GetString("policy")

	key := usage.IdentityKey{
		Username:    user,
		Department:  department,
		MachineID:   machineID,
		MachineName: machineName,
		Source:      usage.Source(source),
	}
	res, err := engine.Submit(cmd.Context(), key, &report, usage.MergePolicy(policy))
	if err != nil {
		return fmt.Errorf("submit report: %w", err)
	}

	// Drain the queued recompute so the profile is fresh when we exit.
	worker := initWorker(cfg, store, engine, logger)
	if err := worker.RunOnce(cmd.Context()); err != nil {
		return fmt.Errorf("run profile recompute: %w", err)
	}

	action := "merged into existing record"
	if res.IsNew {
		action = "created new record"
	}
	fmt.Printf("Submission %s (%s)\n", res.SubmissionID, action)
	if res.Flagged {
		fmt.Printf("Flagged for review:\n  %s\n", strings.Join(res.FlagReasons, "\n  "))
	}
	return nil
}
