package capture

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/tphakala/clipguard/internal/errors"
	"github.com/tphakala/clipguard/internal/permission"
)

// MountSignals receives the asynchronous outcome of a camera mount. Every
// signal carries the generation it was issued for.
type MountSignals interface {
	OnMountReady(gen Generation)
	OnMountError(gen Generation, err error)
}

// Camera is the camera hardware collaborator.
type Camera interface {
	// Mount starts initialization and returns without waiting for it.
	// The outcome arrives later through signals.
	Mount(gen Generation, facing Facing, signals MountSignals) error
	// Unmount tears down the given generation.
	Unmount(gen Generation)
	// Record starts hardware recording and blocks until it completes,
	// either through StopRecording or the hardware's own limits.
	Record(ctx context.Context) (localURI string, err error)
	// StopRecording asks an in-progress recording to finish.
	StopRecording() error
}

// GalleryAsset is a clip chosen from the media library.
type GalleryAsset struct {
	URI      string
	Duration time.Duration // zero when unknown
}

// GalleryPicker is the media library dialog. Pick reports ok=false when the
// user cancelled.
type GalleryPicker interface {
	Pick(ctx context.Context) (asset GalleryAsset, ok bool, err error)
}

// PermissionChecker is satisfied by *permission.Coordinator.
type PermissionChecker interface {
	Ensure(ctx context.Context, c permission.Capability) (permission.State, error)
	Request(ctx context.Context, c permission.Capability) (permission.State, error)
}

// Pipeline consumes a finished clip. Process blocks until the clip has been
// persisted, submitted and handed off; the session stays busy meanwhile.
type Pipeline interface {
	Process(ctx context.Context, clip Clip) error
}

// PipelineFunc adapts a function to the Pipeline interface.
type PipelineFunc func(ctx context.Context, clip Clip) error

// Process calls f.
func (f PipelineFunc) Process(ctx context.Context, clip Clip) error { return f(ctx, clip) }

// FileCamera simulates camera hardware with an existing video file. Mounts
// complete after MountDelay; a recording yields the source file once
// stopped or after MaxDuration.
type FileCamera struct {
	Source      string
	MountDelay  time.Duration
	MaxDuration time.Duration

	mu     sync.Mutex
	stopCh chan struct{}
}

// NewFileCamera creates a simulated camera backed by source.
func NewFileCamera(source string, maxDuration time.Duration) *FileCamera {
	return &FileCamera{Source: source, MountDelay: 100 * time.Millisecond, MaxDuration: maxDuration}
}

// Mount reports ready after MountDelay, or a mount error when the source is missing.
func (f *FileCamera) Mount(gen Generation, _ Facing, signals MountSignals) error {
	_, statErr := os.Stat(f.Source)
	time.AfterFunc(f.MountDelay, func() {
		if statErr != nil {
			signals.OnMountError(gen, statErr)
			return
		}
		signals.OnMountReady(gen)
	})
	return nil
}

// Unmount is a no-op for the simulated camera.
func (f *FileCamera) Unmount(Generation) {}

// Record blocks until StopRecording, MaxDuration or ctx cancellation.
func (f *FileCamera) Record(ctx context.Context) (string, error) {
	if _, err := os.Stat(f.Source); err != nil {
		return "", errors.New(err).
			Component("capture").
			Category(errors.CategoryRecording).
			Context("operation", "record_start").
			Build()
	}

	stop := make(chan struct{})
	f.mu.Lock()
	f.stopCh = stop
	f.mu.Unlock()

	var limit <-chan time.Time
	if f.MaxDuration > 0 {
		timer := time.NewTimer(f.MaxDuration)
		defer timer.Stop()
		limit = timer.C
	}

	select {
	case <-stop:
	case <-limit:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return f.Source, nil
}

// StopRecording ends the current recording.
func (f *FileCamera) StopRecording() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopCh == nil {
		return errors.New(ErrNotRecording).
			Component("capture").
			Category(errors.CategoryRecording).
			Build()
	}
	close(f.stopCh)
	f.stopCh = nil
	return nil
}

// FilePicker stands in for the media library dialog by returning a fixed
// file. An empty Path means the user cancelled.
type FilePicker struct {
	Path     string
	Duration time.Duration
}

// Pick returns the configured file.
func (p FilePicker) Pick(ctx context.Context) (GalleryAsset, bool, error) {
	if err := ctx.Err(); err != nil {
		return GalleryAsset{}, false, err
	}
	if p.Path == "" {
		return GalleryAsset{}, false, nil
	}
	if _, err := os.Stat(p.Path); err != nil {
		return GalleryAsset{}, false, errors.New(err).
			Component("capture").
			Category(errors.CategoryFileIO).
			FileContext(p.Path, 0).
			Build()
	}
	return GalleryAsset{URI: p.Path, Duration: p.Duration}, true, nil
}
