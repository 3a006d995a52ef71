package capture

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/clipguard/internal/errors"
	"github.com/tphakala/clipguard/internal/logger"
	"github.com/tphakala/clipguard/internal/permission"
)

type recordResult struct {
	uri string
	err error
}

// fakeCamera records mounts and lets tests drive recording results.
type fakeCamera struct {
	mu       sync.Mutex
	mounts   []Generation
	unmounts []Generation
	facings  []Facing
	mountErr error
	stopErr  error
	stops    int

	started chan struct{}
	results chan recordResult
}

func newFakeCamera() *fakeCamera {
	return &fakeCamera{
		started: make(chan struct{}, 4),
		results: make(chan recordResult, 4),
	}
}

func (f *fakeCamera) Mount(gen Generation, facing Facing, _ MountSignals) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mounts = append(f.mounts, gen)
	f.facings = append(f.facings, facing)
	return f.mountErr
}

func (f *fakeCamera) Unmount(gen Generation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmounts = append(f.unmounts, gen)
}

func (f *fakeCamera) Record(ctx context.Context) (string, error) {
	f.started <- struct{}{}
	select {
	case r := <-f.results:
		return r.uri, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *fakeCamera) StopRecording() error {
	f.mu.Lock()
	f.stops++
	stopErr := f.stopErr
	f.mu.Unlock()
	if stopErr != nil {
		return stopErr
	}
	f.results <- recordResult{uri: "file:///data/rec.mp4"}
	return nil
}

func (f *fakeCamera) mountCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mounts)
}

func (f *fakeCamera) lastFacing() Facing {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.facings[len(f.facings)-1]
}

// gatedPipeline records clips and blocks until released.
type gatedPipeline struct {
	clips   chan Clip
	release chan struct{}
	err     error
}

func newGatedPipeline() *gatedPipeline {
	return &gatedPipeline{clips: make(chan Clip, 4), release: make(chan struct{})}
}

func (p *gatedPipeline) Process(_ context.Context, clip Clip) error {
	p.clips <- clip
	<-p.release
	return p.err
}

type noticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

func (l *noticeLog) listen(n Notice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notices = append(l.notices, n)
}

func (l *noticeLog) kinds() []NoticeKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make([]NoticeKind, 0, len(l.notices))
	for _, n := range l.notices {
		kinds = append(kinds, n.Kind)
	}
	return kinds
}

func (l *noticeLog) last(kind NoticeKind) (Notice, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.notices) - 1; i >= 0; i-- {
		if l.notices[i].Kind == kind {
			return l.notices[i], true
		}
	}
	return Notice{}, false
}

type busyMetrics struct {
	mu       sync.Mutex
	busy     bool
	stale    map[string]int
	recorded map[string]int
}

func newBusyMetrics() *busyMetrics {
	return &busyMetrics{stale: map[string]int{}, recorded: map[string]int{}}
}

func (m *busyMetrics) RecordStaleSignal(signal string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stale[signal]++
}

func (m *busyMetrics) RecordRecording(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded[status]++
}

func (m *busyMetrics) SetBusy(busy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = busy
}

func (m *busyMetrics) isBusy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy
}

func (m *busyMetrics) staleCount(signal string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stale[signal]
}

func (m *busyMetrics) recordings(status string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recorded[status]
}

type harness struct {
	ctrl     *Controller
	camera   *fakeCamera
	pipeline *gatedPipeline
	clock    *ManualClock
	notices  *noticeLog
	metrics  *busyMetrics
}

type harnessOption func(*Options, *harness)

func withPrompter(p permission.Prompter) harnessOption {
	return func(o *Options, _ *harness) { o.Permissions = permission.NewCoordinator(p) }
}

func withGallery(asset GalleryAsset) harnessOption {
	return func(o *Options, _ *harness) {
		o.Gallery = galleryFunc(func(context.Context) (GalleryAsset, bool, error) {
			return asset, asset.URI != "", nil
		})
	}
}

func withGalleryMax(d time.Duration) harnessOption {
	return func(o *Options, _ *harness) { o.GalleryMaxDuration = d }
}

func withStuckCamera(cam *stuckCamera) harnessOption {
	return func(o *Options, h *harness) {
		h.camera = cam.fakeCamera
		o.Camera = cam
	}
}

type galleryFunc func(ctx context.Context) (GalleryAsset, bool, error)

func (f galleryFunc) Pick(ctx context.Context) (GalleryAsset, bool, error) { return f(ctx) }

func allGranted() permission.Prompter {
	return permission.StaticPrompter{
		permission.Camera:       true,
		permission.Microphone:   true,
		permission.MediaLibrary: true,
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		camera:   newFakeCamera(),
		pipeline: newGatedPipeline(),
		clock:    NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		notices:  &noticeLog{},
		metrics:  newBusyMetrics(),
	}
	o := Options{
		Camera:      h.camera,
		Permissions: permission.NewCoordinator(allGranted()),
		Pipeline:    h.pipeline,
		Clock:       h.clock,
		Listener:    h.notices.listen,
		Metrics:     h.metrics,
		Logger:      logger.NewSlogLogger(io.Discard, logger.LogLevelDebug, time.UTC),
	}
	for _, opt := range opts {
		opt(&o, h)
	}

	ctrl, err := NewController(o)
	require.NoError(t, err)
	h.ctrl = ctrl

	t.Cleanup(func() {
		ctrl.Close()
		ctrl.Wait()
	})
	return h
}

// ready drives the session into Ready through a genuine mount signal.
func (h *harness) ready(t *testing.T) {
	t.Helper()
	require.NoError(t, h.ctrl.SelectCamera(t.Context()))
	h.ctrl.OnMountReady(h.ctrl.Snapshot().MountGeneration)
	require.Equal(t, PhaseReady, h.ctrl.Snapshot().Phase)
}

// startHardware starts a recording and waits for the camera to begin.
func (h *harness) startHardware(t *testing.T) {
	t.Helper()
	require.NoError(t, h.ctrl.StartRecording(t.Context()))
	h.clock.Advance(time.Second)
	select {
	case <-h.camera.started:
	case <-time.After(2 * time.Second):
		t.Fatal("camera recording never started")
	}
}

func (h *harness) awaitClip(t *testing.T) Clip {
	t.Helper()
	select {
	case clip := <-h.pipeline.clips:
		return clip
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline never received a clip")
		return Clip{}
	}
}

func TestNewController_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := NewController(Options{Pipeline: PipelineFunc(func(context.Context, Clip) error { return nil })})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	_, err = NewController(Options{Permissions: permission.NewCoordinator(allGranted())})
	require.Error(t, err)
}

func TestNewController_InitialSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	s := h.ctrl.Snapshot()
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, ModeSelect, s.Mode)
	assert.Equal(t, PhaseSelect, s.Phase)
	assert.Equal(t, FacingBack, s.Facing)
	assert.Equal(t, NotReady, s.Readiness)
	assert.False(t, s.Busy)
	assert.False(t, s.Recording)
}

func TestSelectCamera_MountsNewGeneration(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	require.NoError(t, h.ctrl.SelectCamera(t.Context()))

	s := h.ctrl.Snapshot()
	assert.Equal(t, PhaseInitializing, s.Phase)
	assert.Equal(t, ModeCamera, s.Mode)
	assert.Equal(t, Generation(1), s.MountGeneration)
	assert.Equal(t, NotReady, s.Readiness)
	assert.Equal(t, 1, h.camera.mountCount())
	assert.Equal(t, 1, h.clock.Pending(), "init timeout should be armed")

	h.ctrl.OnMountReady(1)
	s = h.ctrl.Snapshot()
	assert.Equal(t, PhaseReady, s.Phase)
	assert.Equal(t, Ready, s.Readiness)
	assert.Equal(t, 0, h.clock.Pending(), "init timeout should be cancelled")
}

func TestSelectCamera_PermissionDeniedIsExplicit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withPrompter(permission.StaticPrompter{permission.MediaLibrary: true}))

	err := h.ctrl.SelectCamera(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.True(t, errors.IsCategory(err, errors.CategoryPermission))

	s := h.ctrl.Snapshot()
	assert.Equal(t, PhaseSelect, s.Phase, "denial must not redirect silently")
	assert.Equal(t, 0, h.camera.mountCount())

	n, ok := h.notices.last(NoticePermissionDenied)
	require.True(t, ok)
	assert.ElementsMatch(t, []Action{ActionRequestPermission, ActionUseGallery}, n.Actions)
}

func TestRequestPermission_GrantThenSelectCamera(t *testing.T) {
	t.Parallel()
	var cameraPrompts atomic.Int32
	h := newHarness(t, withPrompter(permission.PrompterFunc(func(_ context.Context, c permission.Capability) (bool, error) {
		if c != permission.Camera {
			return true, nil
		}
		// the first answer denies, the explicit re-request grants
		return cameraPrompts.Add(1) > 1, nil
	})))

	require.ErrorIs(t, h.ctrl.SelectCamera(t.Context()), ErrPermissionDenied)
	require.ErrorIs(t, h.ctrl.SelectCamera(t.Context()), ErrPermissionDenied)
	assert.Equal(t, int32(1), cameraPrompts.Load(), "a denial is not re-asked implicitly")

	require.NoError(t, h.ctrl.RequestPermission(t.Context(), permission.Camera))
	assert.Equal(t, int32(2), cameraPrompts.Load())

	require.NoError(t, h.ctrl.SelectCamera(t.Context()))
	assert.Equal(t, PhaseInitializing, h.ctrl.Snapshot().Phase)
	assert.Equal(t, 1, h.camera.mountCount())
}

func TestRequestPermission_StillDenied(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withPrompter(permission.StaticPrompter{permission.MediaLibrary: true}))

	err := h.ctrl.RequestPermission(t.Context(), permission.Camera)
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, PhaseSelect, h.ctrl.Snapshot().Phase)

	h.ctrl.Close()
	require.ErrorIs(t, h.ctrl.RequestPermission(t.Context(), permission.Camera), ErrClosed)
}

// Camera denied, the user picks the gallery and a 10 s clip; the session is
// busy for the whole pipeline and idle afterwards.
func TestGalleryAfterCameraDenied(t *testing.T) {
	t.Parallel()
	h := newHarness(t,
		withPrompter(permission.StaticPrompter{permission.MediaLibrary: true}),
		withGallery(GalleryAsset{URI: "file:///gallery/clip.mp4", Duration: 10 * time.Second}))

	require.ErrorIs(t, h.ctrl.SelectCamera(t.Context()), ErrPermissionDenied)
	require.NoError(t, h.ctrl.SelectGallery())
	assert.Equal(t, ModeGallery, h.ctrl.Snapshot().Mode)

	require.NoError(t, h.ctrl.PickFromGallery(t.Context()))
	clip := h.awaitClip(t)
	assert.Equal(t, "file:///gallery/clip.mp4", clip.LocalURI)
	assert.Equal(t, SourceGallery, clip.Source)
	assert.Equal(t, "video_1772366400000.mp4", clip.Filename)
	assert.Equal(t, 10*time.Second, clip.Duration)

	assert.True(t, h.ctrl.Snapshot().Busy)
	assert.ErrorIs(t, h.ctrl.PickFromGallery(t.Context()), ErrBusy)
	assert.ErrorIs(t, h.ctrl.ReturnToSelect(), ErrBusy)

	close(h.pipeline.release)
	h.ctrl.Wait()

	assert.False(t, h.ctrl.Snapshot().Busy)
	assert.Contains(t, h.notices.kinds(), NoticePipelineFinished)
	assert.False(t, h.metrics.isBusy())
}

func TestPickFromGallery_RejectsLongClipWithoutBusy(t *testing.T) {
	t.Parallel()
	h := newHarness(t,
		withGallery(GalleryAsset{URI: "file:///gallery/long.mp4", Duration: 90 * time.Second}),
		withGalleryMax(60*time.Second))

	require.NoError(t, h.ctrl.SelectGallery())
	err := h.ctrl.PickFromGallery(t.Context())
	require.ErrorIs(t, err, ErrClipTooLong)
	assert.True(t, errors.IsCategory(err, errors.CategoryLimit))
	assert.False(t, h.ctrl.Snapshot().Busy)
}

func TestPickFromGallery_ZeroMaxAcceptsAnyLength(t *testing.T) {
	t.Parallel()
	h := newHarness(t,
		withGallery(GalleryAsset{URI: "file:///gallery/long.mp4", Duration: 90 * time.Second}),
		withGalleryMax(0))

	require.NoError(t, h.ctrl.SelectGallery())
	require.NoError(t, h.ctrl.PickFromGallery(t.Context()))
	clip := h.awaitClip(t)
	assert.Equal(t, 90*time.Second, clip.Duration)
	close(h.pipeline.release)
}

func TestPickFromGallery_CancelIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withGallery(GalleryAsset{}))

	require.NoError(t, h.ctrl.SelectGallery())
	require.NoError(t, h.ctrl.PickFromGallery(t.Context()))
	assert.False(t, h.ctrl.Snapshot().Busy)
	assert.Empty(t, h.pipeline.clips)
}

func TestPickFromGallery_RequiresMediaLibrary(t *testing.T) {
	t.Parallel()
	h := newHarness(t,
		withPrompter(permission.StaticPrompter{permission.Camera: true}),
		withGallery(GalleryAsset{URI: "file:///gallery/clip.mp4"}))

	require.NoError(t, h.ctrl.SelectGallery())
	require.ErrorIs(t, h.ctrl.PickFromGallery(t.Context()), ErrPermissionDenied)
	assert.False(t, h.ctrl.Snapshot().Busy)
}

func TestPickFromGallery_WrongPhase(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withGallery(GalleryAsset{URI: "file:///gallery/clip.mp4"}))

	assert.ErrorIs(t, h.ctrl.PickFromGallery(t.Context()), ErrInvalidTransition)
}

// Camera, gallery, camera in quick succession while the first mount signal
// is still pending: only the latest generation's readiness counts.
func TestRapidModeSwitch_DiscardsStaleMountSignal(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	require.NoError(t, h.ctrl.SelectCamera(t.Context()))
	first := h.ctrl.Snapshot().MountGeneration

	require.NoError(t, h.ctrl.SwitchMode(t.Context(), ModeGallery))
	require.NoError(t, h.ctrl.SwitchMode(t.Context(), ModeCamera))
	second := h.ctrl.Snapshot().MountGeneration
	require.Greater(t, second, first)

	h.ctrl.OnMountReady(first)
	s := h.ctrl.Snapshot()
	assert.Equal(t, PhaseInitializing, s.Phase)
	assert.Equal(t, NotReady, s.Readiness)
	assert.Equal(t, 1, h.metrics.staleCount("mount_ready"))

	h.ctrl.OnMountError(first, assert.AnError)
	assert.Empty(t, h.ctrl.Snapshot().LastError)
	assert.Equal(t, 1, h.metrics.staleCount("mount_error"))

	h.ctrl.OnMountReady(second)
	s = h.ctrl.Snapshot()
	assert.Equal(t, PhaseReady, s.Phase)
	assert.Equal(t, Ready, s.Readiness)

	h.camera.mu.Lock()
	assert.Equal(t, []Generation{first}, h.camera.unmounts)
	h.camera.mu.Unlock()
}

func TestInitTimeout_ForcesReady(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	require.NoError(t, h.ctrl.SelectCamera(t.Context()))
	h.clock.Advance(9 * time.Second)
	assert.Equal(t, PhaseInitializing, h.ctrl.Snapshot().Phase)

	h.clock.Advance(time.Second)
	s := h.ctrl.Snapshot()
	assert.Equal(t, PhaseReady, s.Phase)
	assert.Equal(t, Ready, s.Readiness)
	assert.Contains(t, h.notices.kinds(), NoticeForcedReady)
}

func TestInitTimeout_StaleGenerationIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	require.NoError(t, h.ctrl.SelectCamera(t.Context()))
	h.clock.Advance(5 * time.Second)
	require.NoError(t, h.ctrl.ToggleFacing())

	// The first timer was cancelled by the re-mount; only the new one fires.
	h.clock.Advance(5 * time.Second)
	assert.Equal(t, PhaseInitializing, h.ctrl.Snapshot().Phase)

	h.clock.Advance(5 * time.Second)
	assert.Equal(t, PhaseReady, h.ctrl.Snapshot().Phase)
}

func TestMountError_SurfacedThenForcedReady(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.camera.mountErr = errors.NewStd("camera busy")

	require.NoError(t, h.ctrl.SelectCamera(t.Context()))

	n, ok := h.notices.last(NoticeMountError)
	require.True(t, ok)
	assert.True(t, errors.IsCategory(n.Err, errors.CategoryCameraMount))
	assert.Equal(t, []Action{ActionUseGallery}, n.Actions)
	assert.Equal(t, "camera busy", h.ctrl.Snapshot().LastError)
	assert.Equal(t, PhaseInitializing, h.ctrl.Snapshot().Phase)

	h.clock.Advance(10 * time.Second)
	n, ok = h.notices.last(NoticeForcedReady)
	require.True(t, ok)
	require.Error(t, n.Err)
	assert.Equal(t, PhaseReady, h.ctrl.Snapshot().Phase)
}

func TestStartRecording_Guards(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	assert.ErrorIs(t, h.ctrl.StartRecording(t.Context()), ErrNotReady)

	require.NoError(t, h.ctrl.SelectCamera(t.Context()))
	assert.ErrorIs(t, h.ctrl.StartRecording(t.Context()), ErrNotReady)
	assert.False(t, h.ctrl.Snapshot().Busy)
}

func TestStartRecording_MicrophoneDenied(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withPrompter(permission.StaticPrompter{permission.Camera: true}))
	h.ready(t)

	err := h.ctrl.StartRecording(t.Context())
	require.ErrorIs(t, err, ErrPermissionDenied)
	s := h.ctrl.Snapshot()
	assert.False(t, s.Busy)
	assert.False(t, s.Recording)
	assert.Equal(t, PhaseReady, s.Phase)
}

func TestStartRecording_StabilizationDelay(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.ready(t)

	require.NoError(t, h.ctrl.StartRecording(t.Context()))
	s := h.ctrl.Snapshot()
	assert.True(t, s.Busy, "busy must be set before the hardware starts")
	assert.True(t, s.Recording)
	assert.Equal(t, PhaseRecording, s.Phase)
	assert.True(t, h.metrics.isBusy())

	assert.ErrorIs(t, h.ctrl.StartRecording(t.Context()), ErrAlreadyRecording)

	h.clock.Advance(999 * time.Millisecond)
	select {
	case <-h.camera.started:
		t.Fatal("hardware started before the stabilization delay")
	case <-time.After(20 * time.Millisecond):
	}

	h.clock.Advance(time.Millisecond)
	select {
	case <-h.camera.started:
	case <-time.After(2 * time.Second):
		t.Fatal("hardware never started")
	}

	require.NoError(t, h.ctrl.StopRecording())
	h.awaitClip(t)
	close(h.pipeline.release)
	h.ctrl.Wait()
}

// A recorded clip flows into the pipeline; busy stays set until the
// pipeline returns even though recording has ended.
func TestRecording_BusyUntilPipelineFinishes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.ready(t)
	h.startHardware(t)

	require.NoError(t, h.ctrl.StopRecording())
	clip := h.awaitClip(t)
	assert.Equal(t, "file:///data/rec.mp4", clip.LocalURI)
	assert.Equal(t, SourceCamera, clip.Source)
	assert.Regexp(t, `^recorded_\d+\.mp4$`, clip.Filename)

	s := h.ctrl.Snapshot()
	assert.False(t, s.Recording)
	assert.True(t, s.Busy)
	assert.Equal(t, PhaseReady, s.Phase)
	assert.ErrorIs(t, h.ctrl.StartRecording(t.Context()), ErrBusy)
	assert.ErrorIs(t, h.ctrl.ToggleFacing(), ErrBusy)

	close(h.pipeline.release)
	h.ctrl.Wait()

	s = h.ctrl.Snapshot()
	assert.False(t, s.Busy)
	assert.False(t, h.metrics.isBusy())
	assert.Equal(t, 1, h.metrics.recordings("completed"))
	assert.Equal(t,
		[]NoticeKind{NoticeRecordingStarted, NoticeRecordingFinished, NoticePipelineFinished},
		h.notices.kinds())
}

func TestRecording_PipelineErrorStillClearsBusy(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.pipeline.err = errors.NewStd("handoff failed")
	h.ready(t)
	h.startHardware(t)

	require.NoError(t, h.ctrl.StopRecording())
	h.awaitClip(t)
	close(h.pipeline.release)
	h.ctrl.Wait()

	assert.False(t, h.ctrl.Snapshot().Busy)
	n, ok := h.notices.last(NoticePipelineFailed)
	require.True(t, ok)
	assert.EqualError(t, n.Err, "handoff failed")
}

func TestStopRecording_DuringStabilizationCancels(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.ready(t)

	require.NoError(t, h.ctrl.StartRecording(t.Context()))
	require.NoError(t, h.ctrl.StopRecording())
	h.ctrl.Wait()

	s := h.ctrl.Snapshot()
	assert.False(t, s.Busy)
	assert.False(t, s.Recording)
	assert.Equal(t, PhaseReady, s.Phase)
	assert.Contains(t, h.notices.kinds(), NoticeRecordingCancelled)
	assert.Empty(t, h.camera.started)
	assert.Empty(t, h.pipeline.clips)
}

func TestStopRecording_HardwareFailureResetsFlags(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.ready(t)
	h.startHardware(t)

	h.camera.mu.Lock()
	h.camera.stopErr = errors.NewStd("stop failed")
	h.camera.mu.Unlock()

	err := h.ctrl.StopRecording()
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryRecording))

	s := h.ctrl.Snapshot()
	assert.False(t, s.Recording)
	assert.False(t, s.Busy)
	assert.Equal(t, PhaseReady, s.Phase)

	// The hardware finishing later must not revive the old attempt.
	h.camera.results <- recordResult{uri: "file:///data/late.mp4"}
	h.ctrl.Wait()
	assert.Empty(t, h.pipeline.clips)
	assert.False(t, h.ctrl.Snapshot().Busy)
}

// waitReturns fails the test if Wait does not return promptly.
func waitReturns(t *testing.T, ctrl *Controller) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		ctrl.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return")
	}
}

// stuckCamera ignores cancellation and only returns once released.
type stuckCamera struct {
	*fakeCamera
	release chan struct{}
}

func (c *stuckCamera) Record(context.Context) (string, error) {
	c.started <- struct{}{}
	<-c.release
	return "file:///data/stuck.mp4", nil
}

func TestStopRecording_HardwareFailureCancelsRecord(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.ready(t)
	h.startHardware(t)

	h.camera.mu.Lock()
	h.camera.stopErr = errors.NewStd("stop failed")
	h.camera.mu.Unlock()
	require.Error(t, h.ctrl.StopRecording())

	// No result is ever delivered; the attempt's context must end Record.
	waitReturns(t, h.ctrl)
	assert.Empty(t, h.pipeline.clips)

	h.camera.mu.Lock()
	h.camera.stopErr = nil
	h.camera.mu.Unlock()
	h.startHardware(t)
	require.NoError(t, h.ctrl.StopRecording())
	h.awaitClip(t)
	close(h.pipeline.release)
	waitReturns(t, h.ctrl)
}

func TestStartRecording_WaitsForPreviousHardwareRecord(t *testing.T) {
	t.Parallel()
	cam := &stuckCamera{fakeCamera: newFakeCamera(), release: make(chan struct{})}
	h := newHarness(t, withStuckCamera(cam))
	h.ready(t)
	h.startHardware(t)

	h.camera.mu.Lock()
	h.camera.stopErr = errors.NewStd("stop failed")
	h.camera.mu.Unlock()
	require.Error(t, h.ctrl.StopRecording())
	assert.False(t, h.ctrl.Snapshot().Busy)

	err := h.ctrl.StartRecording(t.Context())
	require.ErrorIs(t, err, ErrBusy)
	assert.Empty(t, h.camera.started, "a second Record must not start")

	close(cam.release)
	waitReturns(t, h.ctrl)
	assert.Empty(t, h.pipeline.clips, "the abandoned attempt yields no clip")

	h.startHardware(t)
	assert.Equal(t, "file:///data/stuck.mp4", h.awaitClip(t).LocalURI)
	close(h.pipeline.release)
	waitReturns(t, h.ctrl)
}

func TestClose_CancelsRecordWhenStopFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.ready(t)
	h.startHardware(t)

	h.camera.mu.Lock()
	h.camera.stopErr = errors.NewStd("stop failed")
	h.camera.mu.Unlock()

	h.ctrl.Close()
	waitReturns(t, h.ctrl)

	assert.Empty(t, h.pipeline.clips)
	assert.False(t, h.ctrl.Snapshot().Busy)
	_, ok := h.notices.last(NoticeRecordingCancelled)
	assert.True(t, ok)
}

func TestRecord_HardwareFailureResetsFlags(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.ready(t)
	h.startHardware(t)

	h.camera.results <- recordResult{err: errors.NewStd("encoder crashed")}
	h.ctrl.Wait()

	s := h.ctrl.Snapshot()
	assert.False(t, s.Recording)
	assert.False(t, s.Busy)
	assert.Equal(t, PhaseReady, s.Phase)
	n, ok := h.notices.last(NoticeRecordingFailed)
	require.True(t, ok)
	assert.True(t, errors.IsCategory(n.Err, errors.CategoryRecording))
	assert.Equal(t, 1, h.metrics.recordings("failed"))

	// The session remains usable.
	h.startHardware(t)
	require.NoError(t, h.ctrl.StopRecording())
	h.awaitClip(t)
	close(h.pipeline.release)
	h.ctrl.Wait()
}

func TestStopRecording_NotRecording(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.ready(t)

	assert.ErrorIs(t, h.ctrl.StopRecording(), ErrNotRecording)
}

func TestSwitchMode_AllowedWhilePipelineRunsButNotWhileRecording(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.ready(t)

	require.NoError(t, h.ctrl.StartRecording(t.Context()))
	assert.ErrorIs(t, h.ctrl.SwitchMode(t.Context(), ModeGallery), ErrInvalidTransition)

	h.clock.Advance(time.Second)
	<-h.camera.started
	require.NoError(t, h.ctrl.StopRecording())
	h.awaitClip(t)

	require.NoError(t, h.ctrl.SwitchMode(t.Context(), ModeGallery))
	s := h.ctrl.Snapshot()
	assert.Equal(t, ModeGallery, s.Mode)
	assert.True(t, s.Busy)

	close(h.pipeline.release)
	h.ctrl.Wait()
	assert.False(t, h.ctrl.Snapshot().Busy)
}

func TestReturnToSelect_TearsDownCamera(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.ready(t)
	gen := h.ctrl.Snapshot().MountGeneration

	require.NoError(t, h.ctrl.ReturnToSelect())
	s := h.ctrl.Snapshot()
	assert.Equal(t, PhaseSelect, s.Phase)
	assert.Greater(t, s.MountGeneration, gen)

	h.camera.mu.Lock()
	assert.Equal(t, []Generation{gen}, h.camera.unmounts)
	h.camera.mu.Unlock()

	// A late signal from the torn-down camera changes nothing.
	h.ctrl.OnMountReady(gen)
	assert.Equal(t, PhaseSelect, h.ctrl.Snapshot().Phase)
}

func TestToggleFacing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	require.NoError(t, h.ctrl.ToggleFacing())
	assert.Equal(t, FacingFront, h.ctrl.Snapshot().Facing)
	assert.Equal(t, 0, h.camera.mountCount())

	h.ready(t)
	assert.Equal(t, FacingFront, h.camera.lastFacing())

	require.NoError(t, h.ctrl.ToggleFacing())
	s := h.ctrl.Snapshot()
	assert.Equal(t, FacingBack, s.Facing)
	assert.Equal(t, PhaseInitializing, s.Phase)
	assert.Equal(t, NotReady, s.Readiness)
	assert.Equal(t, 2, h.camera.mountCount())
	assert.Equal(t, FacingBack, h.camera.lastFacing())
}

func TestClose_StopsRecordingAndDiscardsClip(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.ready(t)
	h.startHardware(t)

	h.ctrl.Close()
	h.ctrl.Wait()

	h.camera.mu.Lock()
	assert.Equal(t, 1, h.camera.stops)
	h.camera.mu.Unlock()
	assert.Empty(t, h.pipeline.clips)
	s := h.ctrl.Snapshot()
	assert.False(t, s.Busy)
	assert.False(t, s.Recording)
	assert.ErrorIs(t, h.ctrl.SelectCamera(t.Context()), ErrClosed)
}

func TestClose_DuringStabilization(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.ready(t)

	require.NoError(t, h.ctrl.StartRecording(t.Context()))
	h.ctrl.Close()
	h.ctrl.Wait()

	assert.Empty(t, h.camera.started)
	assert.False(t, h.ctrl.Snapshot().Busy)
}

// No two pipelines ever overlap within one session.
func TestSingleFlight_ConcurrentStarts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.ready(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	started := 0
	for range 16 {
		wg.Go(func() {
			if h.ctrl.StartRecording(context.Background()) == nil {
				mu.Lock()
				started++
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	assert.Equal(t, 1, started)

	require.NoError(t, h.ctrl.StopRecording())
	h.ctrl.Wait()
	assert.False(t, h.ctrl.Snapshot().Busy)
}

func TestFilePicker(t *testing.T) {
	t.Parallel()

	path := t.TempDir() + "/clip.mp4"
	_, _, err := FilePicker{Path: path}.Pick(t.Context())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))

	asset, ok, err := FilePicker{}.Pick(t.Context())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, asset.URI)
}
