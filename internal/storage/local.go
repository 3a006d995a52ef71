package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/tphakala/clipguard/internal/errors"
)

// LocalUploader copies assets into a directory that is served under BaseURL,
// e.g. a shared volume behind a static file server.
type LocalUploader struct {
	dir     string
	baseURL string

	// MinFree is the free space in bytes that must remain after the copy.
	// Zero disables the check.
	MinFree uint64
	// usage reports the free bytes of the volume holding dir.
	usage func(path string) (uint64, error)
}

// NewLocalUploader creates a local directory backend.
func NewLocalUploader(dir, baseURL string) (*LocalUploader, error) {
	if dir == "" {
		return nil, configError("local", "path is required")
	}
	if baseURL == "" {
		return nil, configError("local", "base url is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.New(err).
			Component("storage").
			Category(errors.CategoryConfiguration).
			Context("path", dir).
			Build()
	}
	return &LocalUploader{dir: abs, baseURL: baseURL, usage: freeSpace}, nil
}

func freeSpace(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Name returns the backend name.
func (u *LocalUploader) Name() string { return "local" }

// Upload copies localPath into the target directory atomically.
func (u *LocalUploader) Upload(ctx context.Context, localPath, filename string) (string, error) {
	if !validateFilename(filename) {
		return "", errors.ValidationError(fmt.Sprintf("invalid filename %q", filename))
	}
	if err := ctx.Err(); err != nil {
		return "", uploadError("local", "upload", err)
	}

	if err := os.MkdirAll(u.dir, permDir); err != nil {
		return "", uploadError("local", "mkdir", err)
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

	if err := u.checkSpace(src); err != nil {
		return "", err
	}

	target := filepath.Join(u.dir, filename)
	err = atomicWriteFile(target, "upload-*.tmp", permFile, func(f *os.File) error {
		_, copyErr := io.Copy(f, contextReader{ctx: ctx, r: src})
		return copyErr
	})
	if err != nil {
		return "", uploadError("local", "write", err)
	}

	return publicURL(u.baseURL, filename)
}

// checkSpace refuses the copy when it would leave less than MinFree bytes on
// the target volume.
func (u *LocalUploader) checkSpace(src *os.File) error {
	if u.MinFree == 0 || u.usage == nil {
		return nil
	}
	info, err := src.Stat()
	if err != nil {
		return uploadError("local", "stat", err)
	}
	free, err := u.usage(u.dir)
	if err != nil {
		return uploadError("local", "disk usage", err)
	}
	// #nosec G115 -- Size() of a regular file is never negative
	required := uint64(info.Size()) + u.MinFree
	if free < required {
		return errors.Newf("insufficient disk space: need %d bytes, have %d", required, free).
			Component("storage").
			Category(errors.CategoryUpload).
			Context("backend", "local").
			Context("path", u.dir).
			Build()
	}
	return nil
}

// atomicWriteFile writes to a temporary file next to targetPath and renames
// it into place once fully written.
func atomicWriteFile(targetPath, tempPattern string, perm os.FileMode, write func(*os.File) error) error {
	tempFile, err := os.CreateTemp(filepath.Dir(targetPath), tempPattern)
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tempFile.Close()
			_ = os.Remove(tempPath)
		}
	}()

	if err := tempFile.Chmod(perm); err != nil {
		return fmt.Errorf("failed to set file permissions: %w", err)
	}
	if err := write(tempFile); err != nil {
		return err
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Rename(tempPath, targetPath); err != nil {
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	success = true
	return nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
