package storage

import (
	"context"
	"net/url"
	"time"

	"github.com/tphakala/clipguard/internal/conf"
	"github.com/tphakala/clipguard/internal/errors"
	"github.com/tphakala/clipguard/internal/httpclient"
)

const (
	permDir            = 0o755
	permFile           = 0o644
	maxComponentLength = 255
	defaultTimeout     = 30 * time.Second
	defaultFTPPort     = 21
	defaultSSHPort     = 22
)

// Uploader copies a local file to remote storage and returns the URL it can
// be fetched from.
type Uploader interface {
	Name() string
	Upload(ctx context.Context, localPath, filename string) (remoteURL string, err error)
}

// NewUploader builds the backend selected in settings. It returns nil when
// remote storage is disabled.
func NewUploader(settings *conf.StorageSettings, hc *httpclient.Client) (Uploader, error) {
	if settings == nil || !settings.Enabled {
		return nil, nil
	}

	var (
		u   Uploader
		err error
	)
	switch settings.Type {
	case "local":
		var local *LocalUploader
		local, err = NewLocalUploader(settings.Local.Path, settings.Local.BaseURL)
		if err == nil {
			if settings.Local.MinFreeMB > 0 {
				local.MinFree = uint64(settings.Local.MinFreeMB) * 1024 * 1024
			}
			u = local
		}
	case "sftp":
		u, err = NewSFTPUploader(&SFTPConfig{
			Host:           settings.SFTP.Host,
			Port:           settings.SFTP.Port,
			Username:       settings.SFTP.Username,
			Password:       settings.SFTP.Password,
			KeyFile:        settings.SFTP.KeyFile,
			KnownHostsFile: settings.SFTP.KnownHostsFile,
			BasePath:       settings.SFTP.Path,
			PublicBaseURL:  settings.SFTP.PublicBaseURL,
			Timeout:        settings.SFTP.Timeout,
		})
	case "ftp":
		u, err = NewFTPUploader(&FTPConfig{
			Host:          settings.FTP.Host,
			Port:          settings.FTP.Port,
			Username:      settings.FTP.Username,
			Password:      settings.FTP.Password,
			BasePath:      settings.FTP.Path,
			PublicBaseURL: settings.FTP.PublicBaseURL,
			Timeout:       settings.FTP.Timeout,
		})
	case "http":
		u, err = NewHTTPUploader(hc, settings.HTTP.UploadURL, settings.HTTP.PublicBaseURL, settings.HTTP.Timeout)
	default:
		err = errors.Newf("unsupported storage type %q", settings.Type).
			Component("storage").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// publicURL joins the public base URL and a filename.
func publicURL(base, filename string) (string, error) {
	joined, err := url.JoinPath(base, url.PathEscape(filename))
	if err != nil {
		return "", errors.New(err).
			Component("storage").
			Category(errors.CategoryConfiguration).
			Context("base_url", base).
			Build()
	}
	return joined, nil
}

func configError(backend, msg string) error {
	return errors.Newf("%s: %s", backend, msg).
		Component("storage").
		Category(errors.CategoryConfiguration).
		Context("backend", backend).
		Build()
}

func uploadError(backend, operation string, err error) error {
	return errors.New(err).
		Component("storage").
		Category(errors.CategoryUpload).
		Context("backend", backend).
		Context("operation", operation).
		Build()
}
