// conf/validate.go

package conf

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

var (
	storageTypes      = []string{"local", "sftp", "ftp", "http"}
	analysisEncodings = []string{"multipart", "json"}
	outputFormats     = []string{"json", "yaml"}
	cameraFacings     = []string{"front", "back"}
)

func isOneOf(value string, allowed []string) bool {
	return slices.Contains(allowed, value)
}

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	for _, validate := range []func(*Settings) error{
		validateMainSettings,
		validateCaptureSettings,
		validateStorageSettings,
		validateAnalysisSettings,
		validateHandoffSettings,
		validateNotificationSettings,
	} {
		if err := validate(settings); err != nil {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateMainSettings(s *Settings) error {
	if strings.TrimSpace(s.Main.UserID) == "" {
		return fmt.Errorf("main.userid must not be empty")
	}
	return nil
}

func validateCaptureSettings(s *Settings) error {
	var errs []string

	if s.Capture.InitTimeout <= 0 {
		errs = append(errs, "capture.inittimeout must be positive")
	}
	if s.Capture.StabilizationDelay < 0 {
		errs = append(errs, "capture.stabilizationdelay must not be negative")
	}
	if s.Capture.GalleryMaxDuration < 0 {
		errs = append(errs, "capture.gallerymaxduration must not be negative")
	}
	if !isOneOf(s.Capture.Facing, cameraFacings) {
		errs = append(errs, fmt.Sprintf("capture.facing must be one of %v", cameraFacings))
	}

	return joinErrs("capture", errs)
}

func validateStorageSettings(s *Settings) error {
	if !s.Storage.Enabled {
		return nil
	}

	var errs []string

	switch s.Storage.Type {
	case "local":
		if s.Storage.Local.Path == "" {
			errs = append(errs, "storage.local.path is required")
		}
		if s.Storage.Local.MinFreeMB < 0 {
			errs = append(errs, "storage.local.minfreemb cannot be negative")
		}
	case "sftp":
		if s.Storage.SFTP.Host == "" {
			errs = append(errs, "storage.sftp.host is required")
		}
		if s.Storage.SFTP.Port <= 0 || s.Storage.SFTP.Port > 65535 {
			errs = append(errs, "storage.sftp.port must be between 1 and 65535")
		}
		if s.Storage.SFTP.Username == "" {
			errs = append(errs, "storage.sftp.username is required")
		}
		if s.Storage.SFTP.PublicBaseURL == "" {
			errs = append(errs, "storage.sftp.publicbaseurl is required")
		}
	case "ftp":
		if s.Storage.FTP.Host == "" {
			errs = append(errs, "storage.ftp.host is required")
		}
		if s.Storage.FTP.Port <= 0 || s.Storage.FTP.Port > 65535 {
			errs = append(errs, "storage.ftp.port must be between 1 and 65535")
		}
		if s.Storage.FTP.PublicBaseURL == "" {
			errs = append(errs, "storage.ftp.publicbaseurl is required")
		}
	case "http":
		if err := validateHTTPURL(s.Storage.HTTP.UploadURL); err != nil {
			errs = append(errs, "storage.http.uploadurl: "+err.Error())
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.type must be one of %v, got %q", storageTypes, s.Storage.Type))
	}

	return joinErrs("storage", errs)
}

func validateAnalysisSettings(s *Settings) error {
	var errs []string

	if err := validateHTTPURL(s.Analysis.BaseURL); err != nil {
		errs = append(errs, "analysis.baseurl: "+err.Error())
	}
	if !isOneOf(s.Analysis.Encoding, analysisEncodings) {
		errs = append(errs, fmt.Sprintf("analysis.encoding must be one of %v", analysisEncodings))
	}
	if s.Analysis.Timeout <= 0 {
		errs = append(errs, "analysis.timeout must be positive")
	}
	if s.Analysis.PollAttempts < 0 {
		errs = append(errs, "analysis.pollattempts must not be negative")
	}

	return joinErrs("analysis", errs)
}

func validateHandoffSettings(s *Settings) error {
	var errs []string

	if !isOneOf(s.Handoff.Output, outputFormats) {
		errs = append(errs, fmt.Sprintf("handoff.output must be one of %v", outputFormats))
	}
	if s.Handoff.MQTT.Enabled {
		if s.Handoff.MQTT.Broker == "" {
			errs = append(errs, "handoff.mqtt.broker is required")
		}
		if s.Handoff.MQTT.Topic == "" {
			errs = append(errs, "handoff.mqtt.topic is required")
		}
		if s.Handoff.MQTT.QoS < 0 || s.Handoff.MQTT.QoS > 2 {
			errs = append(errs, "handoff.mqtt.qos must be 0, 1 or 2")
		}
	}

	return joinErrs("handoff", errs)
}

func validateNotificationSettings(s *Settings) error {
	if s.Notification.Enabled && len(s.Notification.URLs) == 0 {
		return fmt.Errorf("notification settings errors: notification.urls must list at least one service URL")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is missing")
	}
	return nil
}

func joinErrs(section string, errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%s settings errors: %v", section, strings.Join(errs, "; "))
}
