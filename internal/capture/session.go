// Package capture implements the capture session state machine: mode
// selection, generation-tagged camera mounts, recording with a
// stabilization delay, gallery picks, and the busy flag that keeps at most
// one record/upload/submit pipeline in flight per session.
package capture

import (
	"time"

	"github.com/tphakala/clipguard/internal/errors"
)

// Mode is the screen mode selected by the user.
type Mode int

const (
	ModeSelect Mode = iota
	ModeCamera
	ModeGallery
)

func (m Mode) String() string {
	switch m {
	case ModeCamera:
		return "camera"
	case ModeGallery:
		return "gallery"
	default:
		return "select"
	}
}

// Phase is a state of the session state machine.
type Phase int

const (
	PhaseSelect Phase = iota
	PhaseInitializing
	PhaseReady
	PhaseRecording
	PhaseGallery
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseReady:
		return "ready"
	case PhaseRecording:
		return "recording"
	case PhaseGallery:
		return "gallery"
	default:
		return "select"
	}
}

// Facing selects the front or back camera.
type Facing string

const (
	FacingBack  Facing = "back"
	FacingFront Facing = "front"
)

// Readiness reports whether the current camera mount can record.
type Readiness int

const (
	NotReady Readiness = iota
	Ready
)

func (r Readiness) String() string {
	if r == Ready {
		return "ready"
	}
	return "not-ready"
}

// Generation tags one camera (re)initialization. Signals carrying an older
// generation are stale and ignored.
type Generation uint64

// Source tells where a clip came from.
type Source string

const (
	SourceCamera  Source = "camera"
	SourceGallery Source = "gallery"
)

// Session is the single owned record of a capture session's flags.
// Controller hands out copies; it is never shared by reference.
type Session struct {
	ID              string     `json:"id"`
	Mode            Mode       `json:"mode"`
	Phase           Phase      `json:"phase"`
	Facing          Facing     `json:"facing"`
	Readiness       Readiness  `json:"readiness"`
	Recording       bool       `json:"recording"`
	Busy            bool       `json:"busy"`
	MountGeneration Generation `json:"mountGeneration"`
	LastError       string     `json:"lastError,omitempty"`
	StartedAt       time.Time  `json:"startedAt"`
}

// Clip is a local media reference produced by a recording or a gallery pick.
type Clip struct {
	LocalURI  string
	Filename  string
	Source    Source
	Duration  time.Duration
	CreatedAt time.Time
}

// Sentinel errors returned by Controller operations. Match them with
// errors.Is; the returned errors are enhanced with a category.
var (
	ErrClosed            = errors.NewStd("capture session closed")
	ErrBusy              = errors.NewStd("capture session busy")
	ErrNotReady          = errors.NewStd("camera not ready")
	ErrAlreadyRecording  = errors.NewStd("recording already in progress")
	ErrNotRecording      = errors.NewStd("no recording in progress")
	ErrInvalidTransition = errors.NewStd("transition not allowed")
	ErrPermissionDenied  = errors.NewStd("permission denied")
	ErrNoCamera          = errors.NewStd("no camera attached")
	ErrNoGallery         = errors.NewStd("no gallery picker attached")
	ErrClipTooLong       = errors.NewStd("clip exceeds maximum duration")
)

// categoryOf maps sentinels to error categories.
func categoryOf(sentinel error) errors.ErrorCategory {
	switch sentinel {
	case ErrPermissionDenied:
		return errors.CategoryPermission
	case ErrNoCamera:
		return errors.CategoryCameraMount
	case ErrNoGallery:
		return errors.CategoryConfiguration
	case ErrClipTooLong:
		return errors.CategoryLimit
	default:
		return errors.CategoryState
	}
}

// fail builds an enhanced error around a sentinel.
func fail(sentinel error, kv ...any) error {
	b := errors.New(sentinel).Component("capture").Category(categoryOf(sentinel))
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			b.Context(key, kv[i+1])
		}
	}
	return b.Build()
}
