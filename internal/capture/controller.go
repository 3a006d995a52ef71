package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/clipguard/internal/errors"
	"github.com/tphakala/clipguard/internal/logger"
	"github.com/tphakala/clipguard/internal/permission"
)

const (
	defaultInitTimeout        = 10 * time.Second
	defaultStabilizationDelay = 1 * time.Second
)

// NoticeKind classifies asynchronous session notices.
type NoticeKind string

const (
	NoticePermissionDenied   NoticeKind = "permission_denied"
	NoticeMountError         NoticeKind = "mount_error"
	NoticeForcedReady        NoticeKind = "forced_ready"
	NoticeRecordingStarted   NoticeKind = "recording_started"
	NoticeRecordingFinished  NoticeKind = "recording_finished"
	NoticeRecordingCancelled NoticeKind = "recording_cancelled"
	NoticeRecordingFailed    NoticeKind = "recording_failed"
	NoticePipelineFinished   NoticeKind = "pipeline_finished"
	NoticePipelineFailed     NoticeKind = "pipeline_failed"
)

// Action names a recovery the caller may offer the user.
type Action string

const (
	ActionRequestPermission Action = "request_permission"
	ActionUseGallery        Action = "use_gallery"
)

// Notice reports something the caller should surface. Session is the state
// right after the notice was raised.
type Notice struct {
	Kind    NoticeKind
	Session Session
	Err     error
	Actions []Action
}

// Listener receives notices. It is called without the controller lock held
// and must not block for long.
type Listener func(Notice)

// Metrics is the subset of the metrics recorder used by the controller.
type Metrics interface {
	RecordStaleSignal(signal string)
	RecordRecording(status string)
	SetBusy(busy bool)
}

type noopMetrics struct{}

func (noopMetrics) RecordStaleSignal(string) {}
func (noopMetrics) RecordRecording(string)   {}
func (noopMetrics) SetBusy(bool)             {}

// Options configures a Controller. Permissions and Pipeline are required.
type Options struct {
	Camera      Camera
	Gallery     GalleryPicker
	Permissions PermissionChecker
	Pipeline    Pipeline
	Clock       Clock
	Listener    Listener
	Metrics     Metrics
	Logger      logger.Logger

	InitTimeout        time.Duration
	StabilizationDelay time.Duration
	GalleryMaxDuration time.Duration // zero accepts clips of any length
	Facing             Facing
}

// Controller owns one capture session. All exported methods are safe for
// concurrent use; hardware callbacks may arrive on any goroutine.
type Controller struct {
	camera   Camera
	gallery  GalleryPicker
	perms    PermissionChecker
	pipeline Pipeline
	clock    Clock
	listener Listener
	metrics  Metrics
	log      logger.Logger

	initTimeout   time.Duration
	stabilization time.Duration
	galleryMax    time.Duration

	mu        sync.Mutex
	session   Session
	initTimer Timer
	attempt   uint64             // current recording attempt
	stopRec   chan struct{}      // closed to stop a recording still in stabilization
	cancelRec context.CancelFunc // cancels camera.Record of the current attempt
	hwStarted bool               // hardware recording of the current attempt has begun
	hwRunning bool               // a camera.Record call has not returned yet
	closed    bool
	done      chan struct{}

	wg sync.WaitGroup
}

// NewController creates a controller in the Select phase.
func NewController(opts Options) (*Controller, error) {
	if opts.Permissions == nil {
		return nil, errors.Newf("capture controller requires a permission checker").
			Component("capture").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if opts.Pipeline == nil {
		return nil, errors.Newf("capture controller requires a pipeline").
			Component("capture").
			Category(errors.CategoryConfiguration).
			Build()
	}

	c := &Controller{
		camera:        opts.Camera,
		gallery:       opts.Gallery,
		perms:         opts.Permissions,
		pipeline:      opts.Pipeline,
		clock:         opts.Clock,
		listener:      opts.Listener,
		metrics:       opts.Metrics,
		log:           opts.Logger,
		initTimeout:   opts.InitTimeout,
		stabilization: opts.StabilizationDelay,
		galleryMax:    opts.GalleryMaxDuration,
		done:          make(chan struct{}),
	}
	if c.clock == nil {
		c.clock = RealClock{}
	}
	if c.metrics == nil {
		c.metrics = noopMetrics{}
	}
	if c.log == nil {
		c.log = logger.Global().Module("capture")
	}
	if c.initTimeout <= 0 {
		c.initTimeout = defaultInitTimeout
	}
	if c.stabilization < 0 {
		c.stabilization = 0
	} else if c.stabilization == 0 {
		c.stabilization = defaultStabilizationDelay
	}
	facing := opts.Facing
	if facing != FacingFront {
		facing = FacingBack
	}

	c.session = Session{
		ID:        uuid.NewString(),
		Mode:      ModeSelect,
		Phase:     PhaseSelect,
		Facing:    facing,
		Readiness: NotReady,
		StartedAt: c.clock.Now(),
	}
	c.log = c.log.With(logger.String("session_id", c.session.ID))

	return c, nil
}

// Snapshot returns a copy of the session record.
func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// mountPlan is the hardware work decided under the lock and carried out
// after releasing it.
type mountPlan struct {
	unmount    bool
	unmountGen Generation
	mount      bool
	mountGen   Generation
	facing     Facing
}

// applyLocked moves the session along tr and returns the resulting hardware work.
func (c *Controller) applyLocked(tr Transition) mountPlan {
	var plan mountPlan
	from := c.session.Phase

	c.session.Phase = tr.To
	c.session.Mode = modeFor(tr.To)

	if tr.Bumps {
		c.stopInitTimerLocked()
		if mountsCamera(from) {
			plan.unmount = true
			plan.unmountGen = c.session.MountGeneration
		}
		c.session.MountGeneration++
		c.session.Readiness = NotReady
		c.session.LastError = ""
	}

	if tr.To == PhaseInitializing {
		gen := c.session.MountGeneration
		plan.mount = true
		plan.mountGen = gen
		plan.facing = c.session.Facing
		c.initTimer = c.clock.AfterFunc(c.initTimeout, func() { c.onInitTimeout(gen) })
	}

	return plan
}

func (c *Controller) stopInitTimerLocked() {
	if c.initTimer != nil {
		c.initTimer.Stop()
		c.initTimer = nil
	}
}

// execute performs the hardware side of a plan. Must be called without the lock.
func (c *Controller) execute(plan mountPlan) {
	if plan.unmount && c.camera != nil {
		c.camera.Unmount(plan.unmountGen)
	}
	if !plan.mount || c.camera == nil {
		return
	}

	c.log.Debug("mounting camera",
		logger.Uint64("generation", uint64(plan.mountGen)),
		logger.String("facing", string(plan.facing)))

	if err := c.camera.Mount(plan.mountGen, plan.facing, c); err != nil {
		c.OnMountError(plan.mountGen, err)
	}
}

func (c *Controller) emit(n Notice) {
	if c.listener != nil {
		c.listener(n)
	}
}

// transitionLocked looks up the edge for ev from the current phase.
func (c *Controller) transitionLocked(ev EventKind) (Transition, error) {
	if c.closed {
		return Transition{}, fail(ErrClosed)
	}
	tr, ok := TransitionFor(c.session.Phase, ev)
	if !ok {
		return Transition{}, fail(ErrInvalidTransition,
			"phase", c.session.Phase.String(),
			"event", string(ev))
	}
	return tr, nil
}

// ensure checks a capability and converts a denial into an explicit error
// carrying the recovery actions.
func (c *Controller) ensure(ctx context.Context, capability permission.Capability, actions ...Action) error {
	state, err := c.perms.Ensure(ctx, capability)
	if err != nil {
		return err
	}
	if state == permission.Granted {
		return nil
	}

	denied := fail(ErrPermissionDenied, "capability", string(capability))
	c.log.Info("permission not granted",
		logger.String("capability", string(capability)),
		logger.String("state", state.String()))
	c.emit(Notice{Kind: NoticePermissionDenied, Session: c.Snapshot(), Err: denied, Actions: actions})
	return denied
}

// RequestPermission re-asks for capability exactly once, the recovery behind
// ActionRequestPermission. The session phase is unchanged; the caller retries
// the operation that was denied.
func (c *Controller) RequestPermission(ctx context.Context, capability permission.Capability) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fail(ErrClosed)
	}

	state, err := c.perms.Request(ctx, capability)
	if err != nil {
		return err
	}
	c.log.Info("permission re-requested",
		logger.String("capability", string(capability)),
		logger.String("state", state.String()))
	if state != permission.Granted {
		return fail(ErrPermissionDenied, "capability", string(capability))
	}
	return nil
}

// SelectCamera leaves the picker for camera mode. Camera permission must be
// granted; a denial is returned with request and gallery actions and the
// session stays in Select.
func (c *Controller) SelectCamera(ctx context.Context) error {
	c.mu.Lock()
	_, err := c.transitionLocked(EvChooseCamera)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if c.camera == nil {
		return fail(ErrNoCamera)
	}

	if err := c.ensure(ctx, permission.Camera, ActionRequestPermission, ActionUseGallery); err != nil {
		return err
	}

	c.mu.Lock()
	tr, err := c.transitionLocked(EvChooseCamera)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	plan := c.applyLocked(tr)
	c.mu.Unlock()

	c.execute(plan)
	return nil
}

// SelectGallery leaves the picker for gallery mode.
func (c *Controller) SelectGallery() error {
	c.mu.Lock()
	tr, err := c.transitionLocked(EvChooseGallery)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	plan := c.applyLocked(tr)
	c.mu.Unlock()

	c.execute(plan)
	return nil
}

// SwitchMode moves between camera and gallery, always starting a new mount
// generation. Switching is allowed while the follow-on pipeline runs but
// not while recording. ModeSelect is equivalent to ReturnToSelect.
func (c *Controller) SwitchMode(ctx context.Context, mode Mode) error {
	switch mode {
	case ModeSelect:
		return c.ReturnToSelect()
	case ModeCamera:
		c.mu.Lock()
		_, err := c.transitionLocked(EvSwitchToCamera)
		c.mu.Unlock()
		if err != nil {
			return err
		}
		if c.camera == nil {
			return fail(ErrNoCamera)
		}
		if err := c.ensure(ctx, permission.Camera, ActionRequestPermission, ActionUseGallery); err != nil {
			return err
		}
		return c.fire(EvSwitchToCamera)
	case ModeGallery:
		return c.fire(EvSwitchToGallery)
	default:
		return fail(ErrInvalidTransition, "mode", mode.String())
	}
}

func (c *Controller) fire(ev EventKind) error {
	c.mu.Lock()
	tr, err := c.transitionLocked(ev)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	plan := c.applyLocked(tr)
	gen := c.session.MountGeneration
	c.mu.Unlock()

	c.log.Debug("mode switched",
		logger.String("event", string(ev)),
		logger.Uint64("generation", uint64(gen)))
	c.execute(plan)
	return nil
}

// ReturnToSelect tears down the camera and returns to the picker. It is
// rejected while the session is busy.
func (c *Controller) ReturnToSelect() error {
	c.mu.Lock()
	if c.session.Busy {
		c.mu.Unlock()
		return fail(ErrBusy, "operation", "return_to_select")
	}
	tr, err := c.transitionLocked(EvReset)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	plan := c.applyLocked(tr)
	c.mu.Unlock()

	c.execute(plan)
	return nil
}

// ToggleFacing flips between front and back camera. Outside camera mode only
// the preference changes; in camera mode the camera is re-mounted.
func (c *Controller) ToggleFacing() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fail(ErrClosed)
	}
	if c.session.Recording || c.session.Busy {
		c.mu.Unlock()
		return fail(ErrBusy, "operation", "toggle_facing")
	}

	if c.session.Facing == FacingBack {
		c.session.Facing = FacingFront
	} else {
		c.session.Facing = FacingBack
	}

	tr, ok := TransitionFor(c.session.Phase, EvFacingToggled)
	if !ok {
		c.mu.Unlock()
		return nil
	}
	plan := c.applyLocked(tr)
	c.mu.Unlock()

	c.execute(plan)
	return nil
}

// OnMountReady is the camera's mount-complete signal. Signals for any
// generation but the current one are discarded.
func (c *Controller) OnMountReady(gen Generation) {
	c.mu.Lock()
	if c.closed || gen != c.session.MountGeneration {
		current := c.session.MountGeneration
		c.mu.Unlock()
		c.metrics.RecordStaleSignal("mount_ready")
		c.log.Debug("discarding stale mount ready signal",
			logger.Uint64("generation", uint64(gen)),
			logger.Uint64("current_generation", uint64(current)))
		return
	}

	tr, ok := TransitionFor(c.session.Phase, EvMountReady)
	if !ok {
		c.mu.Unlock()
		return
	}
	c.stopInitTimerLocked()
	c.applyLocked(tr)
	c.session.Readiness = Ready
	c.mu.Unlock()

	c.log.Info("camera ready", logger.Uint64("generation", uint64(gen)))
}

// OnMountError is the camera's mount-failure signal. The error is surfaced
// with a gallery action and the pending init timeout still forces readiness.
func (c *Controller) OnMountError(gen Generation, mountErr error) {
	c.mu.Lock()
	if c.closed || gen != c.session.MountGeneration {
		c.mu.Unlock()
		c.metrics.RecordStaleSignal("mount_error")
		c.log.Debug("discarding stale mount error signal",
			logger.Uint64("generation", uint64(gen)),
			logger.Error(mountErr))
		return
	}
	if c.session.Phase != PhaseInitializing {
		c.mu.Unlock()
		return
	}

	enhanced := errors.New(mountErr).
		Component("capture").
		Category(errors.CategoryCameraMount).
		Context("generation", uint64(gen)).
		Build()
	c.session.LastError = mountErr.Error()
	snap := c.session
	c.mu.Unlock()

	c.log.Warn("camera mount failed",
		logger.Uint64("generation", uint64(gen)),
		logger.Error(mountErr))
	c.emit(Notice{Kind: NoticeMountError, Session: snap, Err: enhanced, Actions: []Action{ActionUseGallery}})
}

func (c *Controller) onInitTimeout(gen Generation) {
	c.mu.Lock()
	if c.closed || gen != c.session.MountGeneration {
		c.mu.Unlock()
		return
	}
	tr, ok := TransitionFor(c.session.Phase, EvMountTimeout)
	if !ok {
		c.mu.Unlock()
		return
	}
	c.initTimer = nil
	c.applyLocked(tr)
	c.session.Readiness = Ready
	snap := c.session
	c.mu.Unlock()

	c.log.Warn("camera init timed out, forcing ready",
		logger.Uint64("generation", uint64(gen)),
		logger.Duration("timeout", c.initTimeout))

	var cause error
	if snap.LastError != "" {
		cause = errors.Newf("%s", snap.LastError).
			Component("capture").
			Category(errors.CategoryCameraMount).
			Build()
	}
	c.emit(Notice{Kind: NoticeForcedReady, Session: snap, Err: cause, Actions: []Action{ActionUseGallery}})
}

func (c *Controller) recordGuardLocked() error {
	switch {
	case c.closed:
		return fail(ErrClosed)
	case c.session.Recording:
		return fail(ErrAlreadyRecording)
	case c.session.Busy, c.hwRunning:
		return fail(ErrBusy, "operation", "start_recording")
	case c.session.Phase != PhaseReady:
		return fail(ErrNotReady, "phase", c.session.Phase.String())
	case c.camera == nil:
		return fail(ErrNoCamera)
	}
	return nil
}

// StartRecording begins a recording. The session becomes busy immediately;
// the hardware is started after the stabilization delay and the finished
// clip flows into the pipeline. StartRecording returns once the attempt is
// scheduled.
func (c *Controller) StartRecording(ctx context.Context) error {
	c.mu.Lock()
	err := c.recordGuardLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if err := c.ensure(ctx, permission.Microphone, ActionRequestPermission); err != nil {
		return err
	}

	c.mu.Lock()
	if err := c.recordGuardLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	tr, err := c.transitionLocked(EvRecordRequested)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.session.Busy = true
	c.session.Recording = true
	c.applyLocked(tr)

	c.attempt++
	attempt := c.attempt
	stop := make(chan struct{})
	c.stopRec = stop
	c.hwStarted = false
	wait := c.clock.After(c.stabilization)
	snap := c.session

	c.metrics.SetBusy(true)

	// The pipeline outlives the caller's context; the hardware recording
	// can additionally be cancelled per attempt.
	runCtx := context.WithoutCancel(ctx)
	recCtx, cancel := context.WithCancel(runCtx)
	c.cancelRec = cancel
	c.wg.Go(func() {
		defer cancel()
		c.runRecording(runCtx, recCtx, attempt, wait, stop)
	})
	c.mu.Unlock()

	c.log.Info("recording requested",
		logger.Uint64("attempt", attempt),
		logger.Duration("stabilization", c.stabilization))
	c.emit(Notice{Kind: NoticeRecordingStarted, Session: snap})
	return nil
}

func (c *Controller) runRecording(ctx, recCtx context.Context, attempt uint64, wait <-chan time.Time, stop <-chan struct{}) {
	defer c.recoverAttempt(attempt)

	select {
	case <-wait:
	case <-stop:
		c.resetAttempt(attempt, NoticeRecordingCancelled, nil)
		c.metrics.RecordRecording("cancelled")
		return
	case <-c.done:
		c.resetAttempt(attempt, NoticeRecordingCancelled, nil)
		c.metrics.RecordRecording("cancelled")
		return
	}

	c.mu.Lock()
	if attempt != c.attempt || !c.session.Recording {
		c.mu.Unlock()
		return
	}
	if c.closed {
		c.mu.Unlock()
		c.resetAttempt(attempt, NoticeRecordingCancelled, nil)
		c.metrics.RecordRecording("cancelled")
		return
	}
	c.hwStarted = true
	c.hwRunning = true
	c.stopRec = nil
	c.mu.Unlock()

	localURI, recErr := c.record(recCtx)
	c.onRecordingFinished(ctx, attempt, localURI, recErr)
}

// record runs the hardware recording and marks the camera free once it
// returns, including by panic.
func (c *Controller) record(ctx context.Context) (string, error) {
	defer func() {
		c.mu.Lock()
		c.hwRunning = false
		c.mu.Unlock()
	}()
	return c.camera.Record(ctx)
}

// onRecordingFinished handles the hardware's completion of an attempt,
// whether it ended by an explicit stop or the camera's own limits.
func (c *Controller) onRecordingFinished(ctx context.Context, attempt uint64, localURI string, recErr error) {
	c.mu.Lock()
	if attempt != c.attempt || !c.session.Recording {
		c.mu.Unlock()
		c.log.Debug("discarding late recording result", logger.Uint64("attempt", attempt))
		return
	}

	if closed := c.closed; recErr != nil || closed {
		c.mu.Unlock()
		if closed {
			c.log.Info("session closed during recording, discarding clip")
			c.resetAttempt(attempt, NoticeRecordingCancelled, nil)
			c.metrics.RecordRecording("cancelled")
			return
		}
		err := errors.New(recErr).
			Component("capture").
			Category(errors.CategoryRecording).
			Context("operation", "record").
			Build()
		c.log.Error("recording failed", logger.Error(recErr))
		c.resetAttempt(attempt, NoticeRecordingFailed, err)
		c.metrics.RecordRecording("failed")
		return
	}

	tr, _ := TransitionFor(PhaseRecording, EvRecordingFinished)
	c.session.Recording = false
	c.hwStarted = false
	c.cancelRec = nil
	c.applyLocked(tr)
	now := c.clock.Now()
	clip := Clip{
		LocalURI:  localURI,
		Filename:  fmt.Sprintf("recorded_%d.mp4", now.UnixMilli()),
		Source:    SourceCamera,
		CreatedAt: now,
	}
	snap := c.session
	c.mu.Unlock()

	c.metrics.RecordRecording("completed")
	c.log.Info("recording finished",
		logger.String("local_uri", localURI),
		logger.String("filename", clip.Filename))
	c.emit(Notice{Kind: NoticeRecordingFinished, Session: snap})

	c.runPipeline(ctx, clip)
}

// resetAttempt clears recording and busy for attempt if it is still current.
func (c *Controller) resetAttempt(attempt uint64, kind NoticeKind, cause error) {
	c.mu.Lock()
	if attempt != c.attempt || !c.session.Recording {
		c.mu.Unlock()
		return
	}
	c.resetRecordingLocked()
	snap := c.session
	c.mu.Unlock()

	c.metrics.SetBusy(false)
	c.emit(Notice{Kind: kind, Session: snap, Err: cause})
}

func (c *Controller) resetRecordingLocked() {
	c.session.Recording = false
	c.session.Busy = false
	c.hwStarted = false
	c.stopRec = nil
	if c.cancelRec != nil {
		c.cancelRec()
		c.cancelRec = nil
	}
	if c.session.Phase == PhaseRecording {
		c.session.Phase = PhaseReady
		c.session.Mode = modeFor(PhaseReady)
	}
}

func (c *Controller) recoverAttempt(attempt uint64) {
	r := recover()
	if r == nil {
		return
	}
	err := errors.Newf("recording panicked: %v", r).
		Component("capture").
		Category(errors.CategoryRecording).
		Priority(errors.PriorityHigh).
		Build()
	c.log.Error("recovered panic in recording", logger.Error(err))

	c.mu.Lock()
	if attempt == c.attempt {
		c.resetRecordingLocked()
	}
	snap := c.session
	c.mu.Unlock()

	c.metrics.SetBusy(false)
	c.emit(Notice{Kind: NoticeRecordingFailed, Session: snap, Err: err})
}

// StopRecording ends the current recording. A stop during the stabilization
// delay cancels the attempt without a clip. A hardware stop failure is
// returned and unconditionally resets recording and busy.
func (c *Controller) StopRecording() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fail(ErrClosed)
	}
	if !c.session.Recording {
		c.mu.Unlock()
		return fail(ErrNotRecording)
	}
	if !c.hwStarted {
		if c.stopRec != nil {
			close(c.stopRec)
			c.stopRec = nil
		}
		c.mu.Unlock()
		return nil
	}
	attempt := c.attempt
	c.mu.Unlock()

	stopErr := c.camera.StopRecording()
	if stopErr == nil {
		return nil
	}

	err := errors.New(stopErr).
		Component("capture").
		Category(errors.CategoryRecording).
		Context("operation", "stop_recording").
		Build()
	c.log.Error("stopping recording failed", logger.Error(stopErr))

	c.mu.Lock()
	if attempt == c.attempt && c.session.Recording {
		c.resetRecordingLocked()
		// A result arriving later for this attempt is stale.
		c.attempt++
	}
	snap := c.session
	c.mu.Unlock()

	c.metrics.SetBusy(false)
	c.metrics.RecordRecording("failed")
	c.emit(Notice{Kind: NoticeRecordingFailed, Session: snap, Err: err})
	return err
}

// PickFromGallery asks the gallery picker for a clip and hands it to the
// pipeline. A cancelled pick is a no-op. Clips longer than the configured
// maximum are rejected before the session becomes busy.
func (c *Controller) PickFromGallery(ctx context.Context) error {
	if err := c.galleryGuard(); err != nil {
		return err
	}

	if err := c.ensure(ctx, permission.MediaLibrary, ActionRequestPermission); err != nil {
		return err
	}

	asset, ok, err := c.gallery.Pick(ctx)
	if err != nil {
		return errors.New(err).
			Component("capture").
			Category(errors.CategoryFileIO).
			Context("operation", "gallery_pick").
			Build()
	}
	if !ok {
		c.log.Debug("gallery pick cancelled")
		return nil
	}
	if c.galleryMax > 0 && asset.Duration > c.galleryMax {
		return fail(ErrClipTooLong,
			"duration", asset.Duration.String(),
			"max_duration", c.galleryMax.String())
	}

	c.mu.Lock()
	if err := c.galleryGuardLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.session.Busy = true
	now := c.clock.Now()
	clip := Clip{
		LocalURI:  asset.URI,
		Filename:  fmt.Sprintf("video_%d.mp4", now.UnixMilli()),
		Source:    SourceGallery,
		Duration:  asset.Duration,
		CreatedAt: now,
	}
	c.metrics.SetBusy(true)

	runCtx := context.WithoutCancel(ctx)
	c.wg.Go(func() {
		defer c.recoverPipeline()
		c.runPipeline(runCtx, clip)
	})
	c.mu.Unlock()

	c.log.Info("gallery clip selected",
		logger.String("local_uri", asset.URI),
		logger.Duration("duration", asset.Duration))
	return nil
}

func (c *Controller) galleryGuard() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.galleryGuardLocked()
}

func (c *Controller) galleryGuardLocked() error {
	switch {
	case c.closed:
		return fail(ErrClosed)
	case c.gallery == nil:
		return fail(ErrNoGallery)
	case c.session.Phase != PhaseGallery:
		return fail(ErrInvalidTransition, "phase", c.session.Phase.String(), "operation", "gallery_pick")
	case c.session.Busy:
		return fail(ErrBusy, "operation", "gallery_pick")
	}
	return nil
}

// runPipeline runs the follow-on pipeline for clip and clears busy on every
// exit path.
func (c *Controller) runPipeline(ctx context.Context, clip Clip) {
	defer c.clearBusy()

	start := time.Now()
	err := c.pipeline.Process(ctx, clip)
	if err != nil {
		c.log.Error("pipeline failed",
			logger.String("filename", clip.Filename),
			logger.Error(err))
		c.emitAfterClear(Notice{Kind: NoticePipelineFailed, Err: err})
		return
	}
	c.log.Info("pipeline finished",
		logger.String("filename", clip.Filename),
		logger.Duration("elapsed", time.Since(start)))
	c.emitAfterClear(Notice{Kind: NoticePipelineFinished})
}

// emitAfterClear clears busy first so listeners observe the final state.
func (c *Controller) emitAfterClear(n Notice) {
	c.clearBusy()
	n.Session = c.Snapshot()
	c.emit(n)
}

func (c *Controller) clearBusy() {
	c.mu.Lock()
	wasBusy := c.session.Busy && !c.session.Recording
	if wasBusy {
		c.session.Busy = false
	}
	c.mu.Unlock()
	if wasBusy {
		c.metrics.SetBusy(false)
	}
}

func (c *Controller) recoverPipeline() {
	r := recover()
	if r == nil {
		return
	}
	err := errors.Newf("pipeline panicked: %v", r).
		Component("capture").
		Category(errors.CategoryGeneric).
		Priority(errors.PriorityHigh).
		Build()
	c.log.Error("recovered panic in pipeline", logger.Error(err))
	c.clearBusy()
	c.emit(Notice{Kind: NoticePipelineFailed, Session: c.Snapshot(), Err: err})
}

// Close tears the session down: the camera is unmounted, pending mount
// signals become stale and an in-progress recording is stopped. A pipeline
// already running is left to finish; use Wait to join it.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.stopInitTimerLocked()

	unmount := mountsCamera(c.session.Phase)
	gen := c.session.MountGeneration
	c.session.MountGeneration++
	c.session.Readiness = NotReady
	stopHardware := c.session.Recording && c.hwStarted
	cancelRec := c.cancelRec
	c.mu.Unlock()

	if stopHardware {
		if err := c.camera.StopRecording(); err != nil {
			c.log.Warn("stopping recording on close failed", logger.Error(err))
		}
	}
	if cancelRec != nil {
		cancelRec()
	}
	if unmount && c.camera != nil {
		c.camera.Unmount(gen)
	}
	c.log.Debug("capture session closed")
}

// Wait blocks until recordings and pipelines started by this controller have
// returned.
func (c *Controller) Wait() {
	c.wg.Wait()
}
