// Package app assembles the capture, persistence, analysis and handoff
// services from settings. The CLI commands share one App per run.
package app

import (
	"io"
	"net/http"
	"time"

	"github.com/tphakala/clipguard/internal/analysis"
	"github.com/tphakala/clipguard/internal/capture"
	"github.com/tphakala/clipguard/internal/conf"
	"github.com/tphakala/clipguard/internal/errors"
	"github.com/tphakala/clipguard/internal/events"
	"github.com/tphakala/clipguard/internal/handoff"
	"github.com/tphakala/clipguard/internal/httpclient"
	"github.com/tphakala/clipguard/internal/logger"
	"github.com/tphakala/clipguard/internal/observability"
	"github.com/tphakala/clipguard/internal/permission"
	"github.com/tphakala/clipguard/internal/pipeline"
	"github.com/tphakala/clipguard/internal/storage"
)

const busShutdownTimeout = 5 * time.Second

// Options configures New. Settings and Out are required.
type Options struct {
	Settings *conf.Settings
	Out      io.Writer // writer sink destination

	// Transport overrides the HTTP transport for analysis and uploads.
	Transport http.RoundTripper
	// Telemetry registers the Sentry consumer on the event bus.
	Telemetry bool
	Logger    logger.Logger
}

// App holds the wired services.
type App struct {
	Settings *conf.Settings
	Client   *httpclient.Client
	Metrics  *observability.Metrics
	Bus      *events.Bus
	Pipeline *pipeline.Pipeline
	Fetcher  *analysis.ResultFetcher

	sinks []handoff.Sink
	log   logger.Logger
}

// New wires every service. The errors package publishes to the returned
// App's event bus until Close.
func New(opts Options) (*App, error) {
	if opts.Settings == nil || opts.Out == nil {
		return nil, errors.Newf("app requires settings and an output writer").
			Component("app").
			Category(errors.CategoryConfiguration).
			Build()
	}
	s := opts.Settings

	log := opts.Logger
	if log == nil {
		log = logger.Global().Module("app")
	}

	m, err := observability.NewMetrics()
	if err != nil {
		return nil, err
	}

	client := httpclient.New(&httpclient.Config{Transport: opts.Transport})

	bus, err := newBus(s, opts.Telemetry, log)
	if err != nil {
		client.Close()
		return nil, err
	}

	a := &App{
		Settings: s,
		Client:   client,
		Metrics:  m,
		Bus:      bus,
		log:      log,
	}

	if err := a.wire(opts.Out); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func newBus(s *conf.Settings, telemetry bool, log logger.Logger) (*events.Bus, error) {
	bus := events.New(events.DefaultConfig(), log.Module("events"))

	consumers := []events.Consumer{events.NewLogConsumer(log.Module("events"))}
	if s.Notification.Enabled {
		nc, err := events.NewNotifyConsumer(s.Notification.URLs, s.Notification.Timeout)
		if err != nil {
			return nil, err
		}
		consumers = append(consumers, nc)
	}
	if telemetry {
		consumers = append(consumers, events.TelemetryConsumer{})
	}

	for _, c := range consumers {
		if err := bus.RegisterConsumer(c); err != nil {
			_ = bus.Shutdown(busShutdownTimeout)
			return nil, err
		}
	}
	errors.SetEventPublisher(events.NewPublisherAdapter(bus))
	return bus, nil
}

func (a *App) wire(out io.Writer) error {
	s := a.Settings

	uploader, err := storage.NewUploader(&s.Storage, a.Client)
	if err != nil {
		return err
	}
	persister := storage.NewPersister(uploader, storage.WithMetrics(a.Metrics.Pipeline))

	encoder, err := analysis.NewEncoder(s.Analysis.Encoding, a.Client)
	if err != nil {
		return err
	}
	submitter := analysis.NewSubmitter(a.Client, s.Analysis.BaseURL,
		analysis.WithEncoder(encoder),
		analysis.WithTimeout(s.Analysis.Timeout),
		analysis.WithMetrics(a.Metrics.Pipeline))

	a.Fetcher = analysis.NewResultFetcher(a.Client, analysis.FetcherConfig{
		BaseURL:      s.Analysis.BaseURL,
		CacheTTL:     s.Analysis.ResultCacheTTL,
		PollInterval: s.Analysis.PollInterval,
		PollAttempts: s.Analysis.PollAttempts,
	})

	a.sinks, err = handoff.NewSinks(&s.Handoff, s.Main.Name, out)
	if err != nil {
		return err
	}

	a.Pipeline, err = pipeline.New(pipeline.Config{
		Persister: persister,
		Submitter: submitter,
		Sinks:     a.sinks,
		UserID:    s.Main.UserID,
		Publisher: a.Bus,
		Recorder:  a.Metrics.Pipeline,
	})
	if err != nil {
		return err
	}

	a.log.Debug("services wired",
		logger.String("storage", persister.Backend()),
		logger.String("encoding", submitter.Encoding()),
		logger.Int("sinks", len(a.sinks)))
	return nil
}

// NewController creates a capture controller feeding the pipeline.
func (a *App) NewController(camera capture.Camera, gallery capture.GalleryPicker, prompter permission.Prompter, listener capture.Listener) (*capture.Controller, error) {
	s := a.Settings.Capture
	return capture.NewController(capture.Options{
		Camera:             camera,
		Gallery:            gallery,
		Permissions:        permission.NewCoordinator(prompter),
		Pipeline:           a.Pipeline,
		Listener:           listener,
		Metrics:            a.Metrics.Capture,
		InitTimeout:        s.InitTimeout,
		StabilizationDelay: s.StabilizationDelay,
		GalleryMaxDuration: s.GalleryMaxDuration,
		Facing:             capture.Facing(s.Facing),
	})
}

// Close detaches the event bus from the errors package, drains it and
// releases network resources.
func (a *App) Close() {
	errors.SetEventPublisher(nil)
	if err := a.Bus.Shutdown(busShutdownTimeout); err != nil {
		a.log.Warn("event bus shutdown incomplete", logger.Error(err))
	}
	for _, sink := range a.sinks {
		if c, ok := sink.(interface{ Close() }); ok {
			c.Close()
		}
	}
	a.Client.Close()
}
