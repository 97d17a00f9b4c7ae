package cmd

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/duograde/duograde/grader"
	"github.com/duograde/duograde/infer"
)

var (
	gradeConfigPath     string
	gradeSubmissionPath string
	gradeRubricPath     string
	gradeSolutionPath   string
	gradeMaxTokens      int
	gradeTemperature    float64
)

var gradeCmd = &cobra.Command{
	Use:   "grade",
	Short: "Grade a single submission and print the result as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := infer.LoadConfig(gradeConfigPath)
		if err != nil {
			return configErr(err)
		}
		rubric, err := grader.LoadRubric(gradeRubricPath)
		if err != nil {
			return configErr(err)
		}
		sub, err := grader.LoadSubmission(gradeSubmissionPath)
		if err != nil {
			return configErr(err)
		}
		var solution *grader.ParsedSubmission
		if gradeSolutionPath != "" {
			if solution, err = grader.LoadSubmission(gradeSolutionPath); err != nil {
				return configErr(err)
			}
		}

		collector := infer.NewCollector()
		orch, err := infer.NewOrchestrator(cfg, collector)
		if err != nil {
			return configErr(err)
		}
		defer orch.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		orch.ProbeAll(ctx)
		if allOffline(orch.Health()) {
			return &exitError{code: exitAllServersDown, err: infer.ErrAllServersDown}
		}
		orch.Start(ctx)

		pipeline := grader.NewPipeline(orch, grader.PipelineConfig{
			Budget:      cfg.CallBudgetsMs.Pipeline(),
			MaxTokens:   gradeMaxTokens,
			Temperature: gradeTemperature,
		})
		result, err := pipeline.Grade(ctx, rubric, sub, solution)
		if err != nil {
			return fatalErr(err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return fatalErr(err)
		}
		return nil
	},
}

func init() {
	gradeCmd.Flags().StringVar(&gradeConfigPath, "config", "", "Path to the orchestrator config document")
	gradeCmd.Flags().StringVar(&gradeSubmissionPath, "submission", "", "Path to the parsed submission")
	gradeCmd.Flags().StringVar(&gradeRubricPath, "rubric", "", "Path to the rubric document")
	gradeCmd.Flags().StringVar(&gradeSolutionPath, "solution", "", "Path to the reference solution (optional)")
	gradeCmd.Flags().IntVar(&gradeMaxTokens, "max-tokens", 512, "Generation length for model calls")
	gradeCmd.Flags().Float64Var(&gradeTemperature, "temperature", 0.2, "Sampling temperature for model calls")
	_ = gradeCmd.MarkFlagRequired("config")
	_ = gradeCmd.MarkFlagRequired("submission")
	_ = gradeCmd.MarkFlagRequired("rubric")
	rootCmd.AddCommand(gradeCmd)
}
