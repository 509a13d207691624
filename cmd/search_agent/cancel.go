package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <run_id>",
	Short: "Request cancellation of a run",
	Long: `Sets the run's cancel flag in the store. The executing process stops the run at its
next checkpoint; cancelling a finished run has no effect.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	st, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := st.store.RequestCancel(ctx, args[0])
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		fmt.Fprintf(cmd.OutOrStdout(), "run %s already %s\n", run.ID, run.Status)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cancel requested for run %s (status %s)\n", run.ID, run.Status)
	return nil
}
