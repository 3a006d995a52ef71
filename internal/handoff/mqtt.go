package handoff

import (
	"context"
	"encoding/json"
	"net"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/tphakala/clipguard/internal/errors"
	"github.com/tphakala/clipguard/internal/logger"
)

// MQTTConfig holds the broker settings for MQTTSink.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
	Retain   bool

	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
}

// DefaultMQTTConfig returns a config with the default timeouts.
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		ConnectTimeout:    30 * time.Second,
		PublishTimeout:    10 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
	}
}

// MQTTSink publishes outcomes as JSON to a broker topic. It connects lazily
// on the first delivery and relies on paho's auto-reconnect afterwards.
type MQTTSink struct {
	config    MQTTConfig
	newClient func(*mqtt.ClientOptions) mqtt.Client
	resolve   func(ctx context.Context, host string) error
	log       logger.Logger

	mu     sync.Mutex
	client mqtt.Client
}

// NewMQTTSink validates cfg and creates a sink.
func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	defaults := DefaultMQTTConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaults.PublishTimeout
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = defaults.DisconnectTimeout
	}
	if cfg.Broker == "" || cfg.Topic == "" {
		return nil, errors.Newf("mqtt broker and topic are required").
			Component("handoff").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.QoS > 2 {
		return nil, errors.Newf("invalid mqtt qos %d", cfg.QoS).
			Component("handoff").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "clipguard"
	}
	// brokers drop an existing session when a second client reuses its id
	cfg.ClientID += "-" + uuid.NewString()[:8]

	return &MQTTSink{
		config:    cfg,
		newClient: mqtt.NewClient,
		resolve:   resolveHost,
		log:       logger.Global().Module("handoff"),
	}, nil
}

// Name implements Sink.
func (s *MQTTSink) Name() string { return "mqtt" }

// Connect establishes the broker connection. The broker hostname is resolved
// first so DNS failures surface as such instead of as a connect timeout.
func (s *MQTTSink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *MQTTSink) connectLocked(ctx context.Context) error {
	if s.client != nil && s.client.IsConnected() {
		return nil
	}

	u, err := url.Parse(s.config.Broker)
	if err != nil {
		return s.publishError(err, "parse_broker")
	}
	if host := u.Hostname(); host != "" && net.ParseIP(host) == nil {
		if err := s.resolve(ctx, host); err != nil {
			return s.publishError(err, "resolve_broker")
		}
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.config.Broker)
	opts.SetClientID(s.config.ClientID)
	opts.SetUsername(s.config.Username)
	opts.SetPassword(s.config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(s.config.ConnectTimeout)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		s.log.Info("connected to mqtt broker", logger.String("broker", s.config.Broker))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.log.Warn("mqtt connection lost",
			logger.String("broker", s.config.Broker),
			logger.Error(err))
	})

	client := s.newClient(opts)
	if err := waitToken(ctx, client.Connect(), s.config.ConnectTimeout); err != nil {
		return s.publishError(err, "connect")
	}
	s.client = client
	return nil
}

// Deliver implements Sink.
func (s *MQTTSink) Deliver(ctx context.Context, out Outcome) error {
	payload, err := json.Marshal(out)
	if err != nil {
		return s.publishError(err, "marshal")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.connectLocked(ctx); err != nil {
		return err
	}

	token := s.client.Publish(s.config.Topic, s.config.QoS, s.config.Retain, payload)
	if err := waitToken(ctx, token, s.config.PublishTimeout); err != nil {
		return s.publishError(err, "publish")
	}

	s.log.Debug("outcome published",
		logger.String("topic", s.config.Topic),
		logger.String("video_id", out.Result.VideoID),
		logger.Int("bytes", len(payload)))
	return nil
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(uint(s.config.DisconnectTimeout.Milliseconds()))
	}
	s.client = nil
}

func (s *MQTTSink) publishError(err error, op string) error {
	return errors.New(err).
		Component("handoff").
		Category(errors.CategoryMQTTPublish).
		Context("operation", op).
		Context("broker", s.config.Broker).
		Build()
}

// waitToken waits for token completion, the timeout or ctx, whichever
// comes first.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.NewStd("mqtt operation timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func resolveHost(ctx context.Context, host string) error {
	_, err := net.DefaultResolver.LookupHost(ctx, host)
	return err
}
