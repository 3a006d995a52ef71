// Package storage promotes local media to remote storage. Uploads are best
// effort: a failure leaves the asset local and the flow continues.
package storage

import (
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// MediaAsset is a captured or selected clip. RemoteURL is set only after a
// successful upload; its absence is an expected state.
type MediaAsset struct {
	LocalURI  string    `json:"localUri" yaml:"localUri"`
	RemoteURL string    `json:"remoteUrl,omitempty" yaml:"remoteUrl,omitempty"`
	Filename  string    `json:"filename" yaml:"filename"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
}

// HasRemote reports whether the asset was persisted remotely.
func (a MediaAsset) HasRemote() bool {
	return a.RemoteURL != ""
}

// Reference returns the best available reference: the remote URL when
// present, otherwise the local URI.
func (a MediaAsset) Reference() string {
	if a.RemoteURL != "" {
		return a.RemoteURL
	}
	return a.LocalURI
}

// LocalPath converts a local URI (file:// or a plain path) to a filesystem path.
func LocalPath(uri string) string {
	if !strings.HasPrefix(uri, "file:") {
		return uri
	}
	u, err := url.Parse(uri)
	if err != nil || u.Path == "" {
		return strings.TrimPrefix(strings.TrimPrefix(uri, "file://"), "file:")
	}
	return filepath.FromSlash(u.Path)
}

// validateFilename rejects names that could escape the target directory.
func validateFilename(name string) bool {
	if name == "" || name == "." || name == ".." || len(name) > maxComponentLength {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.Contains(name, "\x00")
}
