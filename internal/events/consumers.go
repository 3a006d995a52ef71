package events

import (
	"fmt"
	"io"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/tphakala/clipguard/internal/errors"
	"github.com/tphakala/clipguard/internal/logger"
)

// LogConsumer writes every event to a logger. Advisories log at warn level,
// errors at error level.
type LogConsumer struct {
	log logger.Logger
}

// NewLogConsumer creates a log consumer.
func NewLogConsumer(log logger.Logger) *LogConsumer {
	if log == nil {
		log = logger.Global().Module("events")
	}
	return &LogConsumer{log: log}
}

func (c *LogConsumer) Name() string { return "log" }

func (c *LogConsumer) ProcessEvent(event Event) error {
	fields := []logger.Field{
		logger.String("component", event.GetComponent()),
		logger.String("category", event.GetCategory()),
	}
	for k, v := range event.GetContext() {
		fields = append(fields, logger.Any(k, v))
	}

	if event.GetCategory() == CategoryAdvisory {
		c.log.Warn(event.GetMessage(), fields...)
		return nil
	}
	c.log.Error(event.GetMessage(), fields...)
	return nil
}

// sender is the subset of shoutrrr's router used for delivery.
type sender interface {
	Send(message string, params *stypes.Params) []error
}

// quietCategories are user-driven outcomes that never warrant a push.
var quietCategories = []string{
	string(errors.CategoryValidation),
	string(errors.CategoryState),
	string(errors.CategoryCancellation),
	string(errors.CategoryPermission),
	string(errors.CategoryNotFound),
}

// NotifyConsumer forwards advisories and operational errors to shoutrrr
// service URLs.
type NotifyConsumer struct {
	sender sender
}

// NewNotifyConsumer creates a consumer for the given shoutrrr URLs.
func NewNotifyConsumer(urls []string, timeout time.Duration) (*NotifyConsumer, error) {
	if len(urls) == 0 {
		return nil, errors.Newf("at least one notification URL is required").
			Component("events").
			Category(errors.CategoryConfiguration).
			Build()
	}

	router, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		// service URLs carry tokens
		return nil, errors.Newf("invalid notification URL: %s", logger.RedactSensitiveData(err.Error())).
			Component("events").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if timeout > 0 {
		router.Timeout = timeout
	}
	router.SetLogger(log.New(io.Discard, "", 0))

	return &NotifyConsumer{sender: router}, nil
}

func (c *NotifyConsumer) Name() string { return "notify" }

func (c *NotifyConsumer) ProcessEvent(event Event) error {
	if slices.Contains(quietCategories, event.GetCategory()) {
		return nil
	}

	params := stypes.Params{}
	params.SetTitle(notificationTitle(event))

	for _, err := range c.sender.Send(event.GetMessage(), &params) {
		if err != nil {
			return fmt.Errorf("notification delivery failed: %s", logger.RedactSensitiveData(err.Error()))
		}
	}
	return nil
}

func notificationTitle(event Event) string {
	if event.GetCategory() == CategoryAdvisory {
		code, _ := event.GetContext()["code"].(string)
		return "clipguard: " + strings.ReplaceAll(code, "_", " ")
	}
	return fmt.Sprintf("clipguard %s error", event.GetCategory())
}

// TelemetryConsumer forwards enhanced errors to the errors package's
// telemetry reporter. Errors published on the bus bypass direct reporting,
// so this consumer must be registered whenever Sentry is enabled.
type TelemetryConsumer struct{}

func (TelemetryConsumer) Name() string { return "telemetry" }

func (TelemetryConsumer) ProcessEvent(event Event) error {
	ee, ok := event.(*errors.EnhancedError)
	if !ok {
		return nil
	}
	errors.ReportError(ee)
	return nil
}
