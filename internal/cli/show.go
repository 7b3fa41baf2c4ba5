package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aerugo/SimCash-sub000/internal/app"
)

var (
	showLimit int
	showRunID string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent runs, or the ticks of one run",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
		}
		if showRunID != "" {
			id, err := uuid.Parse(showRunID)
			if err != nil {
				return fmt.Errorf("invalid --run value: %w", err)
			}
			opts.RunID = id
		}

		return getApp().Show(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().StringVar(&showRunID, "run", "", "Show the ticks of this run id")
}
