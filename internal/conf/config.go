// Package conf loads clipguard settings from config.yaml, environment
// variables and command-line flags through viper.
package conf

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/tphakala/clipguard/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// Settings contains all configuration options for clipguard.
type Settings struct {
	Debug bool // true to enable debug mode

	Main struct {
		Name   string // instance name, reported as the MQTT client id prefix
		UserID string // user identifier sent with every analysis request
	}

	Capture      CaptureSettings
	Storage      StorageSettings
	Analysis     AnalysisSettings
	Handoff      HandoffSettings
	Notification NotificationSettings
	Sentry       SentrySettings
	Logging      logger.LoggingConfig
}

// CaptureSettings controls the capture session timers and limits.
type CaptureSettings struct {
	InitTimeout        time.Duration // forced-ready delay after camera mount starts
	StabilizationDelay time.Duration // wait between recording request and hardware start
	GalleryMaxDuration time.Duration // longest gallery clip accepted, 0 disables the check
	Facing             string        // initial camera facing: front or back
}

// StorageSettings selects and configures the remote persistence backend.
type StorageSettings struct {
	Enabled bool   // false keeps every asset local
	Type    string // local, sftp, ftp or http
	Local   LocalStorageSettings
	SFTP    SFTPSettings
	FTP     FTPSettings
	HTTP    HTTPUploadSettings
}

// LocalStorageSettings copies assets into a directory served under BaseURL.
type LocalStorageSettings struct {
	Path      string
	BaseURL   string
	MinFreeMB int // uploads are refused when the volume has less free space
}

// SFTPSettings configures the SFTP upload backend.
type SFTPSettings struct {
	Host           string
	Port           int
	Username       string
	Password       string
	KeyFile        string // private key path, preferred over password
	KnownHostsFile string
	Path           string // remote directory
	PublicBaseURL  string // URL prefix under which uploaded files are fetchable
	Timeout        time.Duration
}

// FTPSettings configures the FTP upload backend.
type FTPSettings struct {
	Host          string
	Port          int
	Username      string
	Password      string
	Path          string
	PublicBaseURL string
	Timeout       time.Duration
}

// HTTPUploadSettings configures the HTTP PUT upload backend.
type HTTPUploadSettings struct {
	UploadURL     string // PUT target, the filename is appended
	PublicBaseURL string // defaults to UploadURL when empty
	Timeout       time.Duration
}

// AnalysisSettings configures the remote analysis service client.
type AnalysisSettings struct {
	BaseURL        string
	Encoding       string        // multipart (default) or json (legacy remote-URL contract)
	Timeout        time.Duration // hard bound on a single submission
	ResultCacheTTL time.Duration // how long fetched results stay cached
	PollInterval   time.Duration // minimum spacing between get-result polls
	PollAttempts   int
}

// HandoffSettings configures where finished outcomes are delivered.
type HandoffSettings struct {
	Output string // json or yaml for the CLI writer sink
	MQTT   MQTTSettings
}

// MQTTSettings contains settings for publishing outcomes to an MQTT broker.
type MQTTSettings struct {
	Enabled  bool
	Broker   string
	Topic    string
	Username string
	Password string
	Retain   bool
	QoS      int
}

// NotificationSettings configures shoutrrr push notifications for advisories.
type NotificationSettings struct {
	Enabled bool
	URLs    []string
	Timeout time.Duration
}

// SentrySettings contains settings for Sentry error reporting.
type SentrySettings struct {
	Enabled bool
	DSN     string
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables into Settings.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper sets defaults, binds the environment and reads the config file.
// An explicit file set with viper.SetConfigFile wins over the search paths;
// without any file the embedded config.yaml is used.
func initViper() error {
	setDefaultConfig()

	if err := bindEnvVars(); err != nil {
		return err
	}

	if viper.ConfigFileUsed() == "" {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")

		configPaths, err := GetDefaultConfigPaths()
		if err != nil {
			return fmt.Errorf("error getting default config paths: %w", err)
		}
		for _, path := range configPaths {
			viper.AddConfigPath(path)
		}
	}

	err := viper.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return loadEmbeddedDefaults()
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// loadEmbeddedDefaults reads the embedded config.yaml in place of a config file
func loadEmbeddedDefaults() error {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		return fmt.Errorf("error reading embedded config: %w", err)
	}
	viper.SetConfigType("yaml")
	return viper.ReadConfig(bytes.NewReader(data))
}

// DefaultConfigYAML returns the embedded default configuration.
func DefaultConfigYAML() []byte {
	data, _ := fs.ReadFile(configFiles, "config.yaml")
	return data
}

// GetSettings returns the current settings instance, nil before Load.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}
