package storage

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/tphakala/clipguard/internal/errors"
	"github.com/tphakala/clipguard/internal/logger"
)

// FTPConfig holds configuration for the FTP backend.
type FTPConfig struct {
	Host          string
	Port          int
	Username      string
	Password      string
	BasePath      string
	PublicBaseURL string
	Timeout       time.Duration
}

// ftpConn is the subset of *ftp.ServerConn used for uploads.
type ftpConn interface {
	CurrentDir() (string, error)
	ChangeDir(path string) error
	MakeDir(path string) error
	Stor(path string, r io.Reader) error
	Rename(from, to string) error
	Delete(path string) error
	Quit() error
}

// FTPUploader uploads assets over FTP.
type FTPUploader struct {
	config FTPConfig
	log    logger.Logger
	dial   func(ctx context.Context) (ftpConn, error)
}

// NewFTPUploader validates config and creates an FTP backend.
func NewFTPUploader(config *FTPConfig) (*FTPUploader, error) {
	if config == nil || config.Host == "" {
		return nil, configError("ftp", "host is required")
	}
	if config.PublicBaseURL == "" {
		return nil, configError("ftp", "public base url is required")
	}

	u := &FTPUploader{
		config: *config,
		log:    logger.Global().Module("storage").Module("ftp"),
	}
	if u.config.Port == 0 {
		u.config.Port = defaultFTPPort
	}
	if u.config.Timeout == 0 {
		u.config.Timeout = defaultTimeout
	}
	u.config.BasePath = strings.TrimRight(u.config.BasePath, "/")
	u.dial = u.connect

	return u, nil
}

// Name returns the backend name.
func (u *FTPUploader) Name() string { return "ftp" }

func (u *FTPUploader) connect(ctx context.Context) (ftpConn, error) {
	addr := net.JoinHostPort(u.config.Host, strconv.Itoa(u.config.Port))
	conn, err := ftp.Dial(addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(u.config.Timeout))
	if err != nil {
		return nil, fmt.Errorf("ftp: connection failed: %w", err)
	}

	if u.config.Username != "" {
		if err := conn.Login(u.config.Username, u.config.Password); err != nil {
			if quitErr := conn.Quit(); quitErr != nil {
				u.log.Debug("quitting ftp connection after login error failed", logger.Error(quitErr))
			}
			return nil, fmt.Errorf("ftp: login failed: %w", err)
		}
	}

	return conn, nil
}

// Upload stores localPath under a temporary name and renames it into place.
func (u *FTPUploader) Upload(ctx context.Context, localPath, filename string) (string, error) {
	if !validateFilename(filename) {
		return "", errors.ValidationError(fmt.Sprintf("invalid filename %q", filename))
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

	conn, err := u.dial(ctx)
	if err != nil {
		return "", uploadError("ftp", "connect", err)
	}
	defer func() {
		if err := conn.Quit(); err != nil {
			u.log.Debug("closing ftp connection failed", logger.Error(err))
		}
	}()

	if err := u.createDirectory(conn, u.config.BasePath); err != nil {
		return "", uploadError("ftp", "mkdir", err)
	}

	remotePath := path.Join(u.config.BasePath, filename)
	tempPath := path.Join(u.config.BasePath, fmt.Sprintf("ftp-upload-%d-%s", time.Now().UnixNano(), filename))

	if err := conn.Stor(tempPath, contextReader{ctx: ctx, r: src}); err != nil {
		_ = conn.Delete(tempPath)
		return "", uploadError("ftp", "store", err)
	}
	if err := conn.Rename(tempPath, remotePath); err != nil {
		_ = conn.Delete(tempPath)
		return "", uploadError("ftp", "rename", err)
	}

	u.log.Debug("uploaded asset",
		logger.String("host", u.config.Host),
		logger.String("remote_path", remotePath))

	return publicURL(u.config.PublicBaseURL, filename)
}

// createDirectory ensures dirPath exists, treating "already exists" replies as success.
func (u *FTPUploader) createDirectory(conn ftpConn, dirPath string) error {
	if dirPath == "" {
		return nil
	}

	currentDir, err := conn.CurrentDir()
	if err != nil {
		return fmt.Errorf("ftp: failed to get current directory: %w", err)
	}

	if err := conn.ChangeDir(dirPath); err == nil {
		_ = conn.ChangeDir(currentDir)
		return nil
	}

	if err := conn.MakeDir(dirPath); err != nil {
		errStr := strings.ToLower(err.Error())
		if strings.Contains(errStr, "file exists") ||
			strings.Contains(errStr, "already exists") ||
			strings.Contains(errStr, "550") {
			return nil
		}
		return fmt.Errorf("ftp: failed to create directory %s: %w", dirPath, err)
	}

	return nil
}
