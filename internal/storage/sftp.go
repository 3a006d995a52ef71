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

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tphakala/clipguard/internal/errors"
	"github.com/tphakala/clipguard/internal/logger"
)

// SFTPConfig holds configuration for the SFTP backend.
type SFTPConfig struct {
	Host           string
	Port           int
	Username       string
	Password       string
	KeyFile        string
	KnownHostsFile string
	BasePath       string
	PublicBaseURL  string
	Timeout        time.Duration
}

// sftpSession is an open SFTP client plus whatever must be closed with it.
type sftpSession struct {
	client *sftp.Client
	closer io.Closer
}

func (s *sftpSession) Close() error {
	err := s.client.Close()
	if s.closer != nil {
		err = errors.Join(err, s.closer.Close())
	}
	return err
}

// SFTPUploader uploads assets over SFTP.
type SFTPUploader struct {
	config SFTPConfig
	log    logger.Logger
	dial   func(ctx context.Context) (*sftpSession, error)
}

// NewSFTPUploader validates config and creates an SFTP backend.
func NewSFTPUploader(config *SFTPConfig) (*SFTPUploader, error) {
	if config == nil || config.Host == "" {
		return nil, configError("sftp", "host is required")
	}
	if config.PublicBaseURL == "" {
		return nil, configError("sftp", "public base url is required")
	}
	if config.KeyFile == "" && config.Password == "" {
		return nil, configError("sftp", "no authentication method provided")
	}

	u := &SFTPUploader{
		config: *config,
		log:    logger.Global().Module("storage").Module("sftp"),
	}
	if u.config.Port == 0 {
		u.config.Port = defaultSSHPort
	}
	if u.config.Timeout == 0 {
		u.config.Timeout = defaultTimeout
	}
	if u.config.BasePath == "" {
		u.config.BasePath = "uploads"
	}
	u.config.BasePath = strings.TrimRight(u.config.BasePath, "/")
	u.dial = u.connect

	return u, nil
}

// Name returns the backend name.
func (u *SFTPUploader) Name() string { return "sftp" }

func (u *SFTPUploader) clientConfig() (*ssh.ClientConfig, error) {
	config := &ssh.ClientConfig{
		User:    u.config.Username,
		Timeout: u.config.Timeout,
	}

	if u.config.KnownHostsFile != "" {
		callback, err := knownhosts.New(u.config.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("sftp: failed to load known hosts: %w", err)
		}
		config.HostKeyCallback = callback
	} else {
		u.log.Warn("sftp host key verification disabled, set storage.sftp.knownhostsfile",
			logger.String("host", u.config.Host))
		config.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in via missing known hosts file
	}

	switch {
	case u.config.KeyFile != "":
		key, err := os.ReadFile(u.config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("sftp: failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("sftp: failed to parse private key: %w", err)
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	default:
		config.Auth = []ssh.AuthMethod{ssh.Password(u.config.Password)}
	}

	return config, nil
}

// connect establishes an SFTP session honoring ctx.
func (u *SFTPUploader) connect(ctx context.Context) (*sftpSession, error) {
	config, err := u.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(u.config.Host, strconv.Itoa(u.config.Port))
	dialer := net.Dialer{Timeout: u.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sftp: failed to connect: %w", err)
	}

	// The handshake has no context of its own; bound it by the deadline.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sftp: handshake failed: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("sftp: failed to create client: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = sshClient.Close() })
	return &sftpSession{client: client, closer: closerFunc(func() error {
		stop()
		return sshClient.Close()
	})}, nil
}

// Upload writes localPath to a temporary remote name and renames it into place.
func (u *SFTPUploader) Upload(ctx context.Context, localPath, filename string) (string, error) {
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

	session, err := u.dial(ctx)
	if err != nil {
		return "", uploadError("sftp", "connect", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			u.log.Debug("closing sftp session failed", logger.Error(cerr))
		}
	}()

	if err := session.client.MkdirAll(u.config.BasePath); err != nil {
		return "", uploadError("sftp", "mkdir", err)
	}

	remotePath := path.Join(u.config.BasePath, filename)
	tempPath := path.Join(u.config.BasePath, ".upload-"+filename)

	dst, err := session.client.Create(tempPath)
	if err != nil {
		return "", uploadError("sftp", "create", err)
	}
	if _, err := io.Copy(dst, contextReader{ctx: ctx, r: src}); err != nil {
		_ = dst.Close()
		_ = session.client.Remove(tempPath)
		return "", uploadError("sftp", "write", err)
	}
	if err := dst.Close(); err != nil {
		_ = session.client.Remove(tempPath)
		return "", uploadError("sftp", "close", err)
	}
	if err := session.client.Rename(tempPath, remotePath); err != nil {
		_ = session.client.Remove(tempPath)
		return "", uploadError("sftp", "rename", err)
	}

	u.log.Debug("uploaded asset",
		logger.String("host", u.config.Host),
		logger.String("remote_path", remotePath))

	return publicURL(u.config.PublicBaseURL, filename)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
