package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/creator-pipeline/internal/metrics"
	"github.com/jonathan/creator-pipeline/internal/server"
	"github.com/jonathan/creator-pipeline/internal/stream"
	"github.com/jonathan/creator-pipeline/internal/types"
)

var runCommand = &cobra.Command{
	Use:   "run",
	Short: "Run a creator search pipeline locally and stream its progress",
	Long: `Creates a run, executes it in this process and prints its events to stdout:
search (query expansion + vector search) -> enrich -> score.

The request can be loaded from a JSON file with --request; flags override its values.`,
	RunE: runPipelineCmd,
}

var (
	runRequestPath string
	runQuery       string
	runBrief       string
	runMethod      string
	runLimit       int
	runMaxProfiles int
	runMaxPosts    int
	runModel       string
	runStopAt      string
	runDebug       bool
	runJSON        bool
)

func init() {
	runCommand.Flags().StringVar(&runRequestPath, "request", "", "Path to a run request JSON file")
	runCommand.Flags().StringVarP(&runQuery, "query", "q", "", "Creator search query")
	runCommand.Flags().StringVarP(&runBrief, "brief", "b", "", "Business-fit brief used for scoring")
	runCommand.Flags().StringVar(&runMethod, "method", "", "Search method: lexical, semantic or hybrid")
	runCommand.Flags().IntVar(&runLimit, "limit", 0, "Maximum search results")
	runCommand.Flags().IntVar(&runMaxProfiles, "max-profiles", 0, "Maximum profiles to enrich and score")
	runCommand.Flags().IntVar(&runMaxPosts, "max-posts", 0, "Maximum recent posts fetched per profile")
	runCommand.Flags().StringVar(&runModel, "model", "", "LLM model used for scoring")
	runCommand.Flags().StringVar(&runStopAt, "stop-at", "", "Last stage to run: search, enrich or score")
	runCommand.Flags().BoolVar(&runDebug, "debug", false, "Store sanitized debug payloads with each stage")
	runCommand.Flags().BoolVar(&runJSON, "json", false, "Print events as JSON lines")
	rootCmd.AddCommand(runCommand)
}

// buildRequest merges the request file with flag values.
func buildRequest() (*types.RunRequest, error) {
	req := &types.RunRequest{}
	if runRequestPath != "" {
		data, err := os.ReadFile(runRequestPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read request file: %w", err)
		}
		if err := json.Unmarshal(data, req); err != nil {
			return nil, fmt.Errorf("failed to parse request file: %w", err)
		}
	}

	if runQuery != "" {
		req.Search.Query = runQuery
	}
	if runBrief != "" {
		req.BusinessFitQuery = runBrief
	}
	if runMethod != "" {
		req.Search.Method = runMethod
	}
	if runLimit != 0 {
		req.Search.Limit = runLimit
	}
	if runMaxProfiles != 0 {
		req.MaxProfiles = runMaxProfiles
	}
	if runMaxPosts != 0 {
		req.MaxPosts = runMaxPosts
	}
	if runModel != "" {
		req.Model = runModel
	}
	if runStopAt != "" {
		req.StopAtStage = runStopAt
	}
	if runDebug {
		req.DebugMode = true
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.ApplyDefaults()
	return req, nil
}

func runPipelineCmd(cmd *cobra.Command, _ []string) error {
	req, err := buildRequest()
	if err != nil {
		return err
	}
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	defer a.Close()

	runID, err := a.store.CreateRun(ctx, &types.PipelineRun{
		ID:          uuid.NewString(),
		UserID:      server.AnonymousUser,
		CampaignID:  req.CampaignID,
		StopAtStage: req.StopStage(),
		Request:     req,
	})
	if err != nil {
		return err
	}
	metrics.RunsCreated.Inc()
	log.Info("run created", "run_id", runID)

	// Interrupting the command requests cancellation so the run ends in a
	// clean terminal state instead of being abandoned mid-stage.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		if _, err := a.store.RequestCancel(context.Background(), runID); err != nil {
			log.Warn("failed to request cancel", "run_id", runID, "error", err)
		}
	}()

	a.orchestrator.Submit(context.Background(), runID)

	sink := &lineSink{w: cmd.OutOrStdout(), asJSON: runJSON}
	if err := a.bridge.Serve(context.Background(), runID, sink); err != nil {
		return err
	}

	switch last := sink.Last(); last.Name {
	case stream.EventError:
		if data, ok := last.Data.(stream.ErrorData); ok {
			return fmt.Errorf("run %s failed: %s", runID, data.Message)
		}
		return fmt.Errorf("run %s failed", runID)
	case stream.EventCancelled:
		return fmt.Errorf("run %s was cancelled", runID)
	}
	return nil
}
