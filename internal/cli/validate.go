package cli

import (
	"github.com/spf13/cobra"

	"github.com/aerugo/SimCash-sub000/internal/app"
	"github.com/aerugo/SimCash-sub000/internal/policy"
)

var validateMaxDepth int

var validatePolicyCmd = &cobra.Command{
	Use:   "validate-policy <file>",
	Short: "Check a policy definition and list every problem found",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.ValidatePolicy(args[0], validateMaxDepth, cmd.OutOrStdout())
	},
}

func init() {
	validatePolicyCmd.Flags().IntVar(&validateMaxDepth, "max-depth", policy.DefaultMaxDepth, "Maximum tree depth")
}
