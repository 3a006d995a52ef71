package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tphakala/clipguard/internal/errors"
	"github.com/tphakala/clipguard/internal/httpclient"
)

// HTTPUploader PUTs assets to an upload endpoint, e.g. a presigned bucket
// prefix or a WebDAV directory.
type HTTPUploader struct {
	client        *httpclient.Client
	uploadURL     string
	publicBaseURL string
	timeout       time.Duration
}

// NewHTTPUploader creates an HTTP PUT backend. A nil client gets a default one.
func NewHTTPUploader(client *httpclient.Client, uploadURL, publicBaseURL string, timeout time.Duration) (*HTTPUploader, error) {
	if uploadURL == "" {
		return nil, configError("http", "upload url is required")
	}
	if publicBaseURL == "" {
		publicBaseURL = uploadURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if client == nil {
		client = httpclient.New(&httpclient.Config{DefaultTimeout: timeout})
	}
	return &HTTPUploader{
		client:        client,
		uploadURL:     uploadURL,
		publicBaseURL: publicBaseURL,
		timeout:       timeout,
	}, nil
}

// Name returns the backend name.
func (u *HTTPUploader) Name() string { return "http" }

// Upload streams localPath to uploadURL/filename.
func (u *HTTPUploader) Upload(ctx context.Context, localPath, filename string) (string, error) {
	if !validateFilename(filename) {
		return "", errors.ValidationError(fmt.Sprintf("invalid filename %q", filename))
	}

	target, err := publicURL(u.uploadURL, filename)
	if err != nil {
		return "", err
	}

	src, err := os.Open(localPath) //nolint:gosec // local capture path owned by this process
	if err != nil {
		return "", errors.New(err).
			Component("storage").
			Category(errors.CategoryFileIO).
			FileContext(localPath, 0).
			Build()
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	resp, err := u.client.Put(ctx, target, "video/mp4", io.Reader(src))
	if err != nil {
		return "", errors.NetworkError(err, target, u.timeout)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", errors.Newf("upload rejected with status %d", resp.StatusCode).
			Component("storage").
			Category(errors.CategoryUpload).
			Context("backend", "http").
			Context("status_code", resp.StatusCode).
			Build()
	}

	return publicURL(u.publicBaseURL, filename)
}
