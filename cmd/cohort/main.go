// Command cohort runs the retention analysis from the terminal: it prints the
// summary, writes the heatmap and exports the matrix, and can ask the model
// for commentary.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cohort-dashboard/internal/config"
	"cohort-dashboard/internal/llm"
	"cohort-dashboard/internal/observability"
	"cohort-dashboard/internal/report"
	"cohort-dashboard/internal/services"
)

type rootOptions struct {
	sheet    string
	logLevel string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "cohort",
		Short: "Customer cohort retention from a spreadsheet of transactions",
		Long: `Group customers by the month of their first purchase and measure how many
come back in each later month.

The input is an .xlsx or .csv file with Customer_ID and Date columns.

Examples:
  cohort analyze sales.xlsx
  cohort analyze sales.xlsx --heatmap retention.png --output exports/
  cohort comment sales.xlsx --question "Which cohort churns fastest?"`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.sheet, "sheet", "", "Worksheet to read (default: first sheet)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level written to stderr (debug, info, warn, error)")

	cmd.AddCommand(newAnalyzeCommand(opts))
	cmd.AddCommand(newCommentCommand(opts))

	return cmd
}

func (o *rootOptions) logger(cmd *cobra.Command) *slog.Logger {
	return observability.NewLoggerTo(cmd.ErrOrStderr(), config.LoggerConfig{Level: o.logLevel, Format: "text"})
}

func newAnalyzeCommand(root *rootOptions) *cobra.Command {
	var (
		heatmapPath string
		outputDir   string
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "analyze <file>",
		Short: "Print the cohort retention summary for a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := root.logger(cmd)
			cohorts := services.NewCohorts(nil, services.Options{Sheet: root.sheet}, logger)

			analysis, err := cohorts.LoadFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if heatmapPath != "" {
				png, err := cohorts.Heatmap()
				if err != nil {
					return err
				}
				if err := os.WriteFile(heatmapPath, png, 0o644); err != nil {
					return fmt.Errorf("write heatmap: %w", err)
				}
				logger.Info("heatmap written", "path", heatmapPath, "bytes", len(png))
			}

			if outputDir != "" {
				name := report.TimestampedFilename(outputDir, "cohort_analysis", "json", time.Now())
				if err := report.ExportJSON(name, analysis); err != nil {
					return err
				}
				logger.Info("analysis exported", "path", name)
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(analysis)
			}

			summary, err := cohorts.Summary()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), summary)
			return nil
		},
	}

	cmd.Flags().StringVar(&heatmapPath, "heatmap", "", "Write the retention heatmap PNG to this path")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Export the analysis as timestamped JSON into this directory")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the analysis as JSON instead of the text summary")

	return cmd
}

func newCommentCommand(root *rootOptions) *cobra.Command {
	var question string

	cmd := &cobra.Command{
		Use:   "comment <file>",
		Short: "Ask the model for commentary on a file's retention",
		Long: `Analyze the file, send its summary and a question to the model once, and
print the answer. Reads GROQ_API_KEY and the other GROQ_* settings from the
environment or a .env file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := root.logger(cmd)

			client := llm.NewClient(llm.Config{
				APIKey:   cfg.LLM.APIKey,
				Model:    cfg.LLM.Model,
				Endpoint: cfg.LLM.Endpoint,
				Timeout:  cfg.LLM.Timeout,
			}, logger)
			cohorts := services.NewCohorts(client, services.Options{Sheet: root.sheet}, logger)

			if _, err := cohorts.LoadFile(cmd.Context(), args[0]); err != nil {
				return err
			}

			text, err := cohorts.Commentary(cmd.Context(), question)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}

	cmd.Flags().StringVarP(&question, "question", "q", llm.DefaultQuestion, "Question to ask about the retention data")

	return cmd
}
