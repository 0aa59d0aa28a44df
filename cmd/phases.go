package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
	"github.com/JakeFAU/contract-harvester/internal/metrics"
	"github.com/JakeFAU/contract-harvester/internal/pipeline"
)

type phaseBuilder func(App, context.Context) (pipeline.Phase, error)

// newPhaseCmd runs a single phase to completion.
func newPhaseCmd(name, short string, build phaseBuilder) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			phase, err := build(appInstance, cmd.Context())
			if err != nil {
				return fmt.Errorf("build %s phase: %w", name, err)
			}
			return runPhases(cmd, appInstance, phase)
		},
	}
}

func newPipelineCmd() *cobra.Command {
	var inProcess bool
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run search, fetch and extract in order, stopping at the first failed phase",
		Long: `pipeline runs the three phases one after another. By default each phase runs
as a child process of this binary so the browser is torn down between phases.
--in-process runs them on one shared browser session instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if !inProcess {
				var extra []string
				if cfgFile != "" {
					extra = append(extra, "--config", cfgFile)
				}
				phases, err := pipeline.SelfPhases([]string{"search", "fetch", "extract"}, extra...)
				if err != nil {
					return err
				}
				return runPhases(cmd, appInstance, phases...)
			}

			var phases []pipeline.Phase
			for _, build := range []phaseBuilder{App.SearchPhase, App.FetchPhase, App.ExtractPhase} {
				phase, err := build(appInstance, cmd.Context())
				if err != nil {
					return fmt.Errorf("build pipeline: %w", err)
				}
				phases = append(phases, phase)
			}
			return runPhases(cmd, appInstance, phases...)
		},
	}
	cmd.Flags().BoolVar(&inProcess, "in-process", false, "run every phase inside this process")
	return cmd
}

func runPhases(cmd *cobra.Command, a App, phases ...pipeline.Phase) error {
	logger := a.GetLogger().With(zap.String("run_id", a.RunID()))
	report, err := pipeline.New(logger, phases...).
		WithObserver(metrics.ObservePhase).
		Run(cmd.Context())
	total := report.Total()
	fmt.Fprintf(cmd.OutOrStdout(), "processed=%d succeeded=%d abandoned=%d retried=%d\n",
		total.Processed, total.Succeeded, total.Abandoned, total.Retried)
	return err
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print how many records each phase still has to process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			counts, err := appInstance.GetStore().Counts(cmd.Context())
			if err != nil {
				return fmt.Errorf("count records: %w", err)
			}
			metrics.SetPending(counts)
			printCounts(cmd, counts)
			return nil
		},
	}
}

func printCounts(cmd *cobra.Command, c harvest.Counts) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "total:      %d\n", c.Total)
	fmt.Fprintf(out, "to fetch:   %d\n", c.Incomplete)
	fmt.Fprintf(out, "to extract: %d\n", c.Unenriched)
}
