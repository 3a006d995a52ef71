// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Default timer values for the capture session and analysis submission.
const (
	DefaultInitTimeout        = 10 * time.Second
	DefaultStabilizationDelay = 1 * time.Second
	DefaultGalleryMaxDuration = 60 * time.Second
	DefaultAnalysisTimeout    = 120 * time.Second
	DefaultUserID             = "user123"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "clipguard")
	viper.SetDefault("main.userid", DefaultUserID)

	viper.SetDefault("capture.inittimeout", DefaultInitTimeout)
	viper.SetDefault("capture.stabilizationdelay", DefaultStabilizationDelay)
	viper.SetDefault("capture.gallerymaxduration", DefaultGalleryMaxDuration)
	viper.SetDefault("capture.facing", "back")

	viper.SetDefault("storage.enabled", false)
	viper.SetDefault("storage.type", "local")
	viper.SetDefault("storage.local.path", "uploads/")
	viper.SetDefault("storage.local.baseurl", "")
	viper.SetDefault("storage.local.minfreemb", 100)
	viper.SetDefault("storage.sftp.port", 22)
	viper.SetDefault("storage.sftp.path", "uploads")
	viper.SetDefault("storage.sftp.timeout", 30*time.Second)
	viper.SetDefault("storage.ftp.port", 21)
	viper.SetDefault("storage.ftp.path", "uploads")
	viper.SetDefault("storage.ftp.timeout", 30*time.Second)
	viper.SetDefault("storage.http.timeout", 60*time.Second)

	viper.SetDefault("analysis.baseurl", "http://localhost:8000")
	viper.SetDefault("analysis.encoding", "multipart")
	viper.SetDefault("analysis.timeout", DefaultAnalysisTimeout)
	viper.SetDefault("analysis.resultcachettl", 10*time.Minute)
	viper.SetDefault("analysis.pollinterval", 2*time.Second)
	viper.SetDefault("analysis.pollattempts", 30)

	viper.SetDefault("handoff.output", "json")
	viper.SetDefault("handoff.mqtt.enabled", false)
	viper.SetDefault("handoff.mqtt.topic", "clipguard/results")
	viper.SetDefault("handoff.mqtt.qos", 1)
	viper.SetDefault("handoff.mqtt.retain", false)

	viper.SetDefault("notification.enabled", false)
	viper.SetDefault("notification.urls", []string{})
	viper.SetDefault("notification.timeout", 10*time.Second)

	viper.SetDefault("sentry.enabled", false)
	viper.SetDefault("sentry.dsn", "")

	viper.SetDefault("logging.default_level", "info")
	viper.SetDefault("logging.timezone", "Local")
	viper.SetDefault("logging.console.enabled", true)
	viper.SetDefault("logging.console.level", "info")
	viper.SetDefault("logging.file_output.enabled", false)
	viper.SetDefault("logging.file_output.path", "logs/clipguard.log")
	viper.SetDefault("logging.file_output.level", "debug")
}
