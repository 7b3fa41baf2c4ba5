package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/aerugo/SimCash-sub000/internal/app"
)

var (
	simulateTicks   int64
	simulatePersist bool
	simulateEvents  string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the scenario unpaced and print final agent positions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateTicks < 0 {
			return errors.New("--ticks must not be negative")
		}
		opts := app.SimulateOptions{
			Ticks:      simulateTicks,
			Persist:    simulatePersist,
			EventsPath: simulateEvents,
		}
		return getApp().Simulate(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

func init() {
	simulateCmd.Flags().Int64Var(&simulateTicks, "ticks", 0, "Stop after this many ticks (0 runs to the configured end)")
	simulateCmd.Flags().BoolVar(&simulatePersist, "persist", false, "Write ticks and checkpoints to the database")
	simulateCmd.Flags().StringVar(&simulateEvents, "events", "", "Path to write every event as JSON lines")
}
