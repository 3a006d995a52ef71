package handoff

import (
	"io"

	"github.com/tphakala/clipguard/internal/conf"
	"github.com/tphakala/clipguard/internal/errors"
)

// NewSinks builds the sinks enabled in settings. The writer sink is always
// present; the MQTT sink is added when enabled.
func NewSinks(settings *conf.HandoffSettings, clientName string, w io.Writer) ([]Sink, error) {
	ws, err := NewWriterSink(w, settings.Output)
	if err != nil {
		return nil, err
	}
	sinks := []Sink{ws}

	if settings.MQTT.Enabled {
		if settings.MQTT.QoS < 0 || settings.MQTT.QoS > 2 {
			return nil, errors.Newf("invalid mqtt qos %d", settings.MQTT.QoS).
				Component("handoff").
				Category(errors.CategoryConfiguration).
				Build()
		}
		cfg := DefaultMQTTConfig()
		cfg.Broker = settings.MQTT.Broker
		cfg.ClientID = clientName
		cfg.Username = settings.MQTT.Username
		cfg.Password = settings.MQTT.Password
		cfg.Topic = settings.MQTT.Topic
		cfg.QoS = byte(settings.MQTT.QoS)
		cfg.Retain = settings.MQTT.Retain

		ms, err := NewMQTTSink(cfg)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ms)
	}
	return sinks, nil
}
