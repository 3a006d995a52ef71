package result

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/clipguard/internal/analysis"
	"github.com/tphakala/clipguard/internal/conf"
	"github.com/tphakala/clipguard/internal/handoff"
	"github.com/tphakala/clipguard/internal/httpclient"
)

// Command creates the result command, which fetches a stored analysis
// result by video id.
func Command(settings *conf.Settings) *cobra.Command {
	var poll bool

	cmd := &cobra.Command{
		Use:   "result [videoId]",
		Short: "Fetch a stored analysis result",
		Long: `Fetch the analysis result for a video id from the service. With --poll the
request is retried until the result becomes available.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := httpclient.New(nil)
			defer client.Close()

			fetcher := analysis.NewResultFetcher(client, analysis.FetcherConfig{
				BaseURL:      settings.Analysis.BaseURL,
				CacheTTL:     settings.Analysis.ResultCacheTTL,
				PollInterval: settings.Analysis.PollInterval,
				PollAttempts: settings.Analysis.PollAttempts,
			})

			fetch := fetcher.Fetch
			if poll {
				fetch = fetcher.Poll
			}
			res, err := fetch(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			return handoff.WriteResult(cmd.OutOrStdout(), settings.Handoff.Output, res)
		},
	}

	cmd.Flags().BoolVar(&poll, "poll", false, "Retry until the result is available")
	cmd.Flags().IntVar(&settings.Analysis.PollAttempts, "attempts", viper.GetInt("analysis.pollattempts"), "Maximum poll attempts")
	cmd.Flags().DurationVar(&settings.Analysis.PollInterval, "interval", viper.GetDuration("analysis.pollinterval"), "Minimum spacing between polls")

	if err := viper.BindPFlag("analysis.pollattempts", cmd.Flags().Lookup("attempts")); err != nil {
		fmt.Printf("error binding flags: %v\n", err)
		os.Exit(1)
	}
	if err := viper.BindPFlag("analysis.pollinterval", cmd.Flags().Lookup("interval")); err != nil {
		fmt.Printf("error binding flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}
