package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aerugo/SimCash-sub000/internal/app"
)

var (
	resumeRunID string
	resumeTicks int64
	resumePaced bool
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue a stored run from its latest checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		if resumeRunID == "" {
			return fmt.Errorf("--run must be provided")
		}
		id, err := uuid.Parse(resumeRunID)
		if err != nil {
			return fmt.Errorf("invalid --run value: %w", err)
		}
		if resumeTicks < 0 {
			return fmt.Errorf("--ticks must not be negative")
		}

		opts := app.ResumeOptions{
			RunID: id,
			Ticks: resumeTicks,
			Paced: resumePaced,
		}
		return getApp().Resume(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

func init() {
	resumeCmd.Flags().StringVar(&resumeRunID, "run", "", "Run id to resume")
	resumeCmd.Flags().Int64Var(&resumeTicks, "ticks", 0, "Stop after this many ticks (0 runs to the configured end)")
	resumeCmd.Flags().BoolVar(&resumePaced, "paced", false, "Pace ticks with scheduler.tick_interval")
}
