// env.go - environment variable configuration and validation
package conf

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envPrefix is prepended to every environment variable name.
const envPrefix = "CLIPGUARD"

// envBinding holds metadata for environment variable bindings
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns all environment variable bindings with validation
func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "CLIPGUARD_DEBUG", validateEnvBool},
		{"main.userid", "CLIPGUARD_MAIN_USERID", nil},

		{"capture.inittimeout", "CLIPGUARD_CAPTURE_INITTIMEOUT", validateEnvDuration},
		{"capture.stabilizationdelay", "CLIPGUARD_CAPTURE_STABILIZATIONDELAY", validateEnvDuration},

		{"storage.enabled", "CLIPGUARD_STORAGE_ENABLED", validateEnvBool},
		{"storage.type", "CLIPGUARD_STORAGE_TYPE", validateEnvStorageType},
		{"storage.sftp.password", "CLIPGUARD_STORAGE_SFTP_PASSWORD", nil},
		{"storage.ftp.password", "CLIPGUARD_STORAGE_FTP_PASSWORD", nil},
		{"storage.http.uploadurl", "CLIPGUARD_STORAGE_HTTP_UPLOADURL", validateEnvURL},

		{"analysis.baseurl", "CLIPGUARD_ANALYSIS_BASEURL", validateEnvURL},
		{"analysis.encoding", "CLIPGUARD_ANALYSIS_ENCODING", validateEnvEncoding},
		{"analysis.timeout", "CLIPGUARD_ANALYSIS_TIMEOUT", validateEnvDuration},

		{"handoff.mqtt.password", "CLIPGUARD_HANDOFF_MQTT_PASSWORD", nil},
		{"sentry.dsn", "CLIPGUARD_SENTRY_DSN", nil},
	}
}

// bindEnvVars sets up environment variable bindings with validation
func bindEnvVars() error {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := viper.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate != nil {
			if envValue := os.Getenv(binding.EnvVar); envValue != "" {
				if err := binding.Validate(envValue); err != nil {
					warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
				}
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}

	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("invalid boolean value '%s': must be true/false, 1/0, t/f", value)
	}
	return nil
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	if d < 0 {
		return fmt.Errorf("duration must not be negative, got %s", d)
	}
	return nil
}

func validateEnvURL(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

func validateEnvStorageType(value string) error {
	if !isOneOf(value, storageTypes) {
		return fmt.Errorf("must be one of: %s", strings.Join(storageTypes, ", "))
	}
	return nil
}

func validateEnvEncoding(value string) error {
	if !isOneOf(value, analysisEncodings) {
		return fmt.Errorf("must be one of: %s", strings.Join(analysisEncodings, ", "))
	}
	return nil
}
