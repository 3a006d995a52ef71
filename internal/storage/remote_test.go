package storage

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/clipguard/internal/errors"
	"github.com/tphakala/clipguard/internal/httpclient"
)

func TestHTTPUploader(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		received string
		path     string
		ctype    string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received, path, ctype = string(body), r.URL.Path, r.Header.Get("Content-Type")
		mu.Unlock()
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)

	u, err := NewHTTPUploader(httpclient.New(nil), srv.URL+"/bucket", "https://cdn.example.com/bucket", time.Second)
	require.NoError(t, err)

	url, err := u.Upload(t.Context(), writeClip(t, "frames"), "recorded_7.mp4")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/bucket/recorded_7.mp4", url)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "frames", received)
	assert.Equal(t, "/bucket/recorded_7.mp4", path)
	assert.Equal(t, "video/mp4", ctype)
}

func TestHTTPUploader_RejectedStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	u, err := NewHTTPUploader(nil, srv.URL, "", time.Second)
	require.NoError(t, err)

	_, err = u.Upload(t.Context(), writeClip(t, "frames"), "recorded_7.mp4")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryUpload))
	assert.Contains(t, err.Error(), "403")
}

// inMemorySFTP serves an in-memory filesystem over net.Pipe so uploads run
// through the real client without a network.
type inMemorySFTP struct {
	handlers sftp.Handlers
}

func (s *inMemorySFTP) dial(context.Context) (*sftpSession, error) {
	serverConn, clientConn := net.Pipe()
	server := sftp.NewRequestServer(serverConn, s.handlers)
	go func() { _ = server.Serve() }()

	client, err := sftp.NewClientPipe(clientConn, clientConn)
	if err != nil {
		_ = server.Close()
		return nil, err
	}
	return &sftpSession{client: client, closer: server}, nil
}

func (s *inMemorySFTP) read(t *testing.T, p string) string {
	t.Helper()
	session, err := s.dial(t.Context())
	require.NoError(t, err)
	defer session.Close()

	f, err := session.client.Open(p)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return string(data)
}

func TestSFTPUploader_InMemory(t *testing.T) {
	t.Parallel()

	u, err := NewSFTPUploader(&SFTPConfig{
		Host:          "sftp.example.com",
		Username:      "clipguard",
		Password:      "secret",
		BasePath:      "/videos/incoming/",
		PublicBaseURL: "https://media.example.com/incoming",
	})
	require.NoError(t, err)
	assert.Equal(t, defaultSSHPort, u.config.Port)
	assert.Equal(t, "/videos/incoming", u.config.BasePath)

	fs := &inMemorySFTP{handlers: sftp.InMemHandler()}
	u.dial = fs.dial

	url, err := u.Upload(t.Context(), writeClip(t, "frames"), "video_9.mp4")
	require.NoError(t, err)
	assert.Equal(t, "https://media.example.com/incoming/video_9.mp4", url)
	assert.Equal(t, "frames", fs.read(t, "/videos/incoming/video_9.mp4"))
}

func TestSFTPUploader_ConnectFailure(t *testing.T) {
	t.Parallel()

	u, err := NewSFTPUploader(&SFTPConfig{
		Host:          "sftp.example.com",
		Password:      "secret",
		PublicBaseURL: "https://media.example.com",
	})
	require.NoError(t, err)
	u.dial = func(context.Context) (*sftpSession, error) {
		return nil, errors.NewStd("sftp: failed to connect: connection refused")
	}

	_, err = u.Upload(t.Context(), writeClip(t, "frames"), "video_9.mp4")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryUpload))
}

func TestNewSFTPUploader_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewSFTPUploader(&SFTPConfig{PublicBaseURL: "https://x"})
	require.Error(t, err)
	_, err = NewSFTPUploader(&SFTPConfig{Host: "h", Password: "p"})
	require.Error(t, err)
	_, err = NewSFTPUploader(&SFTPConfig{Host: "h", PublicBaseURL: "https://x"})
	require.Error(t, err)
}

// fakeFTP records commands issued by the uploader.
type fakeFTP struct {
	mu       sync.Mutex
	dirs     map[string]bool
	files    map[string]string
	storErr  error
	commands []string
}

func newFakeFTP() *fakeFTP {
	return &fakeFTP{dirs: map[string]bool{"/": true}, files: map[string]string{}}
}

func (f *fakeFTP) log(cmd string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
}

func (f *fakeFTP) CurrentDir() (string, error) { return "/", nil }

func (f *fakeFTP) ChangeDir(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dirs[p] {
		return errors.NewStd("550 no such directory")
	}
	return nil
}

func (f *fakeFTP) MakeDir(p string) error {
	f.log("MKD " + p)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs[p] = true
	return nil
}

func (f *fakeFTP) Stor(p string, r io.Reader) error {
	f.log("STOR " + p)
	if f.storErr != nil {
		return f.storErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[p] = string(data)
	return nil
}

func (f *fakeFTP) Rename(from, to string) error {
	f.log("RNTO " + to)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[to] = f.files[from]
	delete(f.files, from)
	return nil
}

func (f *fakeFTP) Delete(p string) error {
	f.log("DELE " + p)
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, p)
	return nil
}

func (f *fakeFTP) Quit() error {
	f.log("QUIT")
	return nil
}

func TestFTPUploader(t *testing.T) {
	t.Parallel()

	u, err := NewFTPUploader(&FTPConfig{
		Host:          "ftp.example.com",
		BasePath:      "/clips",
		PublicBaseURL: "https://media.example.com/clips",
	})
	require.NoError(t, err)
	assert.Equal(t, defaultFTPPort, u.config.Port)

	server := newFakeFTP()
	u.dial = func(context.Context) (ftpConn, error) { return server, nil }

	url, err := u.Upload(t.Context(), writeClip(t, "frames"), "recorded_3.mp4")
	require.NoError(t, err)
	assert.Equal(t, "https://media.example.com/clips/recorded_3.mp4", url)
	assert.Equal(t, map[string]string{"/clips/recorded_3.mp4": "frames"}, server.files)
	assert.Equal(t, "MKD /clips", server.commands[0])
	assert.Equal(t, "QUIT", server.commands[len(server.commands)-1])
}

func TestFTPUploader_StoreFailureCleansUp(t *testing.T) {
	t.Parallel()

	u, err := NewFTPUploader(&FTPConfig{Host: "ftp.example.com", PublicBaseURL: "https://m"})
	require.NoError(t, err)

	server := newFakeFTP()
	server.storErr = errors.NewStd("452 insufficient storage")
	u.dial = func(context.Context) (ftpConn, error) { return server, nil }

	_, err = u.Upload(t.Context(), writeClip(t, "frames"), "recorded_3.mp4")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryUpload))
	assert.Empty(t, server.files)

	var deleted bool
	for _, cmd := range server.commands {
		deleted = deleted || strings.HasPrefix(cmd, "DELE ")
	}
	assert.True(t, deleted, "temporary file should be removed")
}
