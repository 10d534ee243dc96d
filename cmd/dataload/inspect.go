package main

import (
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/dataload/internal/ingest"
	"github.com/JonMunkholm/dataload/internal/pipeline"
	"github.com/JonMunkholm/dataload/internal/schema"
)

func init() {
	rootCmd.AddCommand(inspectCmd, previewCmd)

	inspectCmd.Flags().String("format", "", "file format (csv, excel, json); detected from the extension when empty")
	inspectCmd.Flags().Int("rows", 10, "sample rows to print")

	previewCmd.Flags().String("format", "", "file format (csv, excel, json); detected from the extension when empty")
	previewCmd.Flags().String("target", schema.Auto, "target key or auto")
	previewCmd.Flags().Int("batch-size", 1000, "rows in the validated sample")
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Show format, headers, row count, a sample and lint issues",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := formatFlag(cmd)
		if err != nil {
			return err
		}
		rows, _ := cmd.Flags().GetInt("rows")

		insp, err := ingest.Inspect(args[0], format, rows)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), insp)
	},
}

var previewCmd = &cobra.Command{
	Use:   "preview <file>",
	Short: "Validate the first batch against a target without loading",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := formatFlag(cmd)
		if err != nil {
			return err
		}
		target, _ := cmd.Flags().GetString("target")
		batchSize, _ := cmd.Flags().GetInt("batch-size")

		runner := pipeline.NewRunner(pipeline.Deps{}, pipeline.Config{BatchSize: batchSize})
		result, err := runner.Preview(cmd.Context(), pipeline.Job{
			Path:   args[0],
			Format: format,
			Target: target,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	},
}

func formatFlag(cmd *cobra.Command) (ingest.Format, error) {
	s, _ := cmd.Flags().GetString("format")
	if s == "" {
		return "", nil
	}
	return ingest.ParseFormat(s)
}
