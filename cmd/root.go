package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/clipguard/cmd/analyze"
	"github.com/tphakala/clipguard/cmd/fallback"
	"github.com/tphakala/clipguard/cmd/record"
	"github.com/tphakala/clipguard/cmd/result"
	"github.com/tphakala/clipguard/cmd/version"
	"github.com/tphakala/clipguard/internal/buildinfo"
	"github.com/tphakala/clipguard/internal/conf"
	"github.com/tphakala/clipguard/internal/logger"
	"github.com/tphakala/clipguard/internal/telemetry"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "clipguard",
		Short:         "Capture video clips and submit them for deepfake analysis",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Set up the global flags for the root command.
	if err := setupFlags(rootCmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	versionCmd := version.Command(build)
	subcommands := []*cobra.Command{
		analyze.Command(settings),
		record.Command(settings),
		result.Command(settings),
		fallback.Command(settings),
		versionCmd,
	}
	rootCmd.AddCommand(subcommands...)

	var central *logger.CentralLogger

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Skip setup for the version command
		if cmd.Name() == versionCmd.Name() {
			return nil
		}

		var err error
		central, err = initialize(settings, build)
		return err
	}

	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		telemetry.Flush(telemetry.DefaultFlushTimeout)
		if central != nil {
			return central.Close()
		}
		return nil
	}

	return rootCmd
}

// initialize validates the settings after flag parsing and sets up logging
// and error reporting. It runs before every subcommand except version.
func initialize(settings *conf.Settings, build *buildinfo.Context) (*logger.CentralLogger, error) {
	if settings.Debug {
		settings.Logging.DefaultLevel = "debug"
		if settings.Logging.Console != nil {
			settings.Logging.Console.Level = "debug"
		}
	}

	if err := conf.ValidateSettings(settings); err != nil {
		return nil, err
	}

	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(central)

	if _, err := telemetry.InitSentry(&settings.Sentry, build.GetVersion()); err != nil {
		central.Module("main").Warn("error reporting disabled", logger.Error(err))
	}

	return central, nil
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) error {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")
	rootCmd.PersistentFlags().StringVar(&settings.Main.UserID, "userid", viper.GetString("main.userid"), "User identifier sent with every analysis request")
	rootCmd.PersistentFlags().StringVar(&settings.Analysis.BaseURL, "server", viper.GetString("analysis.baseurl"), "Base URL of the analysis service")
	rootCmd.PersistentFlags().StringVar(&settings.Analysis.Encoding, "encoding", viper.GetString("analysis.encoding"), "Submission encoding: multipart or json")
	rootCmd.PersistentFlags().DurationVar(&settings.Analysis.Timeout, "timeout", viper.GetDuration("analysis.timeout"), "Hard bound on a single analysis submission")
	rootCmd.PersistentFlags().StringVarP(&settings.Handoff.Output, "output", "o", viper.GetString("handoff.output"), "Outcome output format: json or yaml")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}
