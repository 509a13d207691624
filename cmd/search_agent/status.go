package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/creator-pipeline/internal/observability"
	"github.com/jonathan/creator-pipeline/internal/types"
)

var (
	statusStage string
	statusJSON  bool
)

var statusCmd = &cobra.Command{
	Use:   "status <run_id>",
	Short: "Print a run's stored state",
	Long: `Reads a run and its stage summaries from the store. With --stage, prints that
stage's result list instead. Output is a summary box unless --json is set.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusStage, "stage", "", "Print the full results of one stage (search, enrich or score)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the stored records as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	runID := args[0]
	run, err := st.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	printer := observability.NewPrinter(cmd.OutOrStdout())

	if statusStage != "" {
		stage, err := types.ParseStage(statusStage)
		if err != nil {
			return err
		}
		res, err := st.store.GetStageResult(ctx, run.ID, stage)
		if err != nil {
			return err
		}
		if res == nil {
			return fmt.Errorf("stage %s has not started for run %s", stage, run.ID)
		}
		if res.Items, err = st.agg.Read(ctx, run.ID, stage); err != nil {
			return err
		}
		if !statusJSON {
			printer.PrintCreators(stage, res.Items)
			return nil
		}
		return enc.Encode(res)
	}

	results, err := st.store.ListStageResults(ctx, run.ID)
	if err != nil {
		return err
	}
	stages := make([]types.StageResult, 0, len(results))
	for i := range results {
		stages = append(stages, results[i].Summary())
	}
	if !statusJSON {
		printer.PrintRun(run, stages)
		return nil
	}
	return enc.Encode(map[string]any{"run": run, "stages": stages})
}
