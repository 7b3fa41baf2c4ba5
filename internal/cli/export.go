package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aerugo/SimCash-sub000/internal/app"
)

var (
	exportRunID     string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a run's tick summaries as CSV and agent balances as a PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportRunID == "" {
			return fmt.Errorf("--run must be provided")
		}
		id, err := uuid.Parse(exportRunID)
		if err != nil {
			return fmt.Errorf("invalid --run value: %w", err)
		}

		opts := app.ExportOptions{
			RunID:     id,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportRunID, "run", "", "Run id to export")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum ticks to export (defaults to config)")
}
