package record

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/clipguard/internal/app"
	"github.com/tphakala/clipguard/internal/capture"
	"github.com/tphakala/clipguard/internal/conf"
	"github.com/tphakala/clipguard/internal/permission"
	"github.com/tphakala/clipguard/internal/telemetry"
)

const defaultRecordDuration = 3 * time.Second

type flags struct {
	duration      time.Duration
	deny          []string
	request       bool
	dumpMetrics   bool
	metricsListen string
}

// Command creates the record command, which simulates a camera recording
// with an existing video file.
func Command(settings *conf.Settings) *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "record [source.mp4]",
		Short: "Record a clip with a simulated camera and analyze it",
		Long: `Mount a simulated camera backed by the source file, record for the given
duration and run the clip through persistence, analysis and handoff.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, settings, &f, args[0])
		},
	}

	if err := setupFlags(cmd, settings, &f); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

func run(cmd *cobra.Command, settings *conf.Settings, f *flags, source string) error {
	prompter, err := newPrompter(cmd, f)
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
	camera := capture.NewFileCamera(source, f.duration)
	ctrl, err := a.NewController(camera, nil, prompter, notices.Listen)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	ctx := cmd.Context()
	if err := withRequest(ctx, ctrl, f, permission.Camera, func() error { return ctrl.SelectCamera(ctx) }); err != nil {
		return err
	}
	// forced-ready fires after the init timeout, so one extra second is enough
	if err := app.WaitReady(ctx, ctrl, settings.Capture.InitTimeout+time.Second); err != nil {
		return err
	}
	if err := withRequest(ctx, ctrl, f, permission.Microphone, func() error { return ctrl.StartRecording(ctx) }); err != nil {
		return err
	}
	ctrl.Wait()

	if f.dumpMetrics {
		if err := a.Metrics.WriteText(cmd.ErrOrStderr()); err != nil {
			return err
		}
	}
	return notices.Err()
}

// newPrompter stands in for the permission dialog. With --request-permission a
// denied capability is asked again on the terminal.
func newPrompter(cmd *cobra.Command, f *flags) (permission.Prompter, error) {
	if f.request {
		return app.RetryingPrompter(f.deny, cmd.InOrStdin(), cmd.ErrOrStderr())
	}
	return app.Prompter(f.deny)
}

func withRequest(ctx context.Context, ctrl *capture.Controller, f *flags, capability permission.Capability, op func() error) error {
	if !f.request {
		return op()
	}
	return app.RetryDenied(ctx, ctrl, capability, op)
}

// setupFlags configures flags specific to the record command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings, f *flags) error {
	cmd.Flags().DurationVar(&f.duration, "duration", defaultRecordDuration, "Recording length")
	cmd.Flags().StringVar(&settings.Capture.Facing, "facing", viper.GetString("capture.facing"), "Camera facing: front or back")
	cmd.Flags().DurationVar(&settings.Capture.StabilizationDelay, "stabilization", viper.GetDuration("capture.stabilizationdelay"), "Delay between the record request and hardware start")
	cmd.Flags().StringSliceVar(&f.deny, "deny", nil, "Capabilities to deny: camera, microphone, media-library")
	cmd.Flags().BoolVar(&f.request, "request-permission", false, "Ask again on the terminal when a capability is denied")
	cmd.Flags().BoolVar(&f.dumpMetrics, "metrics", false, "Print Prometheus metrics to stderr when done")
	cmd.Flags().StringVar(&f.metricsListen, "metrics-listen", "", "Serve Prometheus metrics on this address while running")

	// Bind flags to the viper settings
	if err := viper.BindPFlag("capture.facing", cmd.Flags().Lookup("facing")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	if err := viper.BindPFlag("capture.stabilizationdelay", cmd.Flags().Lookup("stabilization")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}
