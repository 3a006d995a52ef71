package analyze

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/clipguard/internal/app"
	"github.com/tphakala/clipguard/internal/capture"
	"github.com/tphakala/clipguard/internal/conf"
	"github.com/tphakala/clipguard/internal/errors"
	"github.com/tphakala/clipguard/internal/permission"
	"github.com/tphakala/clipguard/internal/telemetry"
)

// flags holds command-line options that are not part of Settings.
type flags struct {
	duration      time.Duration
	deny          []string
	request       bool
	dumpMetrics   bool
	metricsListen string
}

// Command creates the analyze command, which runs a media library pick
// through the capture session and the analysis pipeline.
func Command(settings *conf.Settings) *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "analyze [video.mp4]",
		Short: "Analyze a video file picked from the media library",
		Long: `Select an existing video as a gallery pick, persist it, submit it for
analysis and print the outcome. The clip is handed off even when the upload
or the analysis service fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, settings, &f, args[0])
		},
	}

	// Set up flags specific to the 'analyze' command
	if err := setupFlags(cmd, settings, &f); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

func run(cmd *cobra.Command, settings *conf.Settings, f *flags, path string) error {
	var (
		prompter permission.Prompter
		err      error
	)
	if f.request {
		prompter, err = app.RetryingPrompter(f.deny, cmd.InOrStdin(), cmd.ErrOrStderr())
	} else {
		prompter, err = app.Prompter(f.deny)
	}
	if err != nil {
		return err
	}

	a, err := app.New(app.Options{
		Settings:  settings,
		Out:       cmd.OutOrStdout(),
		Telemetry: telemetry.Enabled(),
	})
	if err != nil {
		return err
	}
	defer a.Close()

	stopMetrics, err := a.ServeMetrics(f.metricsListen)
	if err != nil {
		return err
	}
	defer stopMetrics()

	notices := app.NewNoticeLog(nil)
	ctrl, err := a.NewController(nil, capture.FilePicker{Path: path, Duration: f.duration}, prompter, notices.Listen)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if err := ctrl.SelectGallery(); err != nil {
		return err
	}
	ctx := cmd.Context()
	pick := func() error { return ctrl.PickFromGallery(ctx) }
	if f.request {
		err = app.RetryDenied(ctx, ctrl, permission.MediaLibrary, pick)
	} else {
		err = pick()
	}
	if err != nil {
		return err
	}
	ctrl.Wait()

	if f.dumpMetrics {
		if err := a.Metrics.WriteText(cmd.ErrOrStderr()); err != nil {
			return err
		}
	}

	if err := notices.Err(); err != nil {
		return err
	}
	if _, ok := a.Pipeline.Last(); !ok {
		return errors.Newf("no outcome was produced for %s", path).
			Component("cli").
			Category(errors.CategoryState).
			Build()
	}
	return nil
}

// setupFlags configures flags specific to the analyze command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings, f *flags) error {
	cmd.Flags().DurationVar(&f.duration, "duration", 0, "Clip duration, checked against capture.gallerymaxduration")
	cmd.Flags().DurationVar(&settings.Capture.GalleryMaxDuration, "max-duration", viper.GetDuration("capture.gallerymaxduration"), "Longest gallery clip accepted, 0 disables the check")
	cmd.Flags().StringSliceVar(&f.deny, "deny", nil, "Capabilities to deny: camera, microphone, media-library")
	cmd.Flags().BoolVar(&f.request, "request-permission", false, "Ask again on the terminal when a capability is denied")
	cmd.Flags().BoolVar(&f.dumpMetrics, "metrics", false, "Print Prometheus metrics to stderr when done")
	cmd.Flags().StringVar(&f.metricsListen, "metrics-listen", "", "Serve Prometheus metrics on this address while running")

	// Bind flags to the viper settings
	if err := viper.BindPFlag("capture.gallerymaxduration", cmd.Flags().Lookup("max-duration")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}
