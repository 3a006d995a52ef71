package fallback

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/clipguard/internal/analysis"
	"github.com/tphakala/clipguard/internal/conf"
	"github.com/tphakala/clipguard/internal/handoff"
)

// Command creates the fallback command, which prints the placeholder result
// used when the analysis service cannot answer.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "fallback",
		Short: "Print the fallback analysis result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return handoff.WriteResult(cmd.OutOrStdout(), settings.Handoff.Output, analysis.Fallback(time.Now()))
		},
	}
}
