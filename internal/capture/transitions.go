package capture

// EventKind is an input to the session state machine.
type EventKind string

const (
	EvChooseCamera      EventKind = "choose_camera"
	EvChooseGallery     EventKind = "choose_gallery"
	EvMountReady        EventKind = "mount_ready"
	EvMountTimeout      EventKind = "mount_timeout"
	EvFacingToggled     EventKind = "facing_toggled"
	EvRecordRequested   EventKind = "record_requested"
	EvRecordingFinished EventKind = "recording_finished"
	EvRecordingFailed   EventKind = "recording_failed"
	EvSwitchToGallery   EventKind = "switch_to_gallery"
	EvSwitchToCamera    EventKind = "switch_to_camera"
	EvReset             EventKind = "reset"
)

// Transition is a single allowed edge in the session state machine.
type Transition struct {
	From  Phase
	To    Phase
	Event EventKind
	Bumps bool // discards the current mount generation and starts a new one
}

var transitionsTable = []Transition{
	// Mode selection
	{From: PhaseSelect, To: PhaseInitializing, Event: EvChooseCamera, Bumps: true},
	{From: PhaseSelect, To: PhaseGallery, Event: EvChooseGallery},

	// Mount completion, signalled or forced after the init timeout
	{From: PhaseInitializing, To: PhaseReady, Event: EvMountReady},
	{From: PhaseInitializing, To: PhaseReady, Event: EvMountTimeout},

	// Facing changes re-mount the camera
	{From: PhaseInitializing, To: PhaseInitializing, Event: EvFacingToggled, Bumps: true},
	{From: PhaseReady, To: PhaseInitializing, Event: EvFacingToggled, Bumps: true},

	// Recording
	{From: PhaseReady, To: PhaseRecording, Event: EvRecordRequested},
	{From: PhaseRecording, To: PhaseReady, Event: EvRecordingFinished},
	{From: PhaseRecording, To: PhaseReady, Event: EvRecordingFailed},

	// Mode switches always start a new generation
	{From: PhaseInitializing, To: PhaseGallery, Event: EvSwitchToGallery, Bumps: true},
	{From: PhaseReady, To: PhaseGallery, Event: EvSwitchToGallery, Bumps: true},
	{From: PhaseGallery, To: PhaseInitializing, Event: EvSwitchToCamera, Bumps: true},

	// Back to the picker; guarded by busy in the controller
	{From: PhaseInitializing, To: PhaseSelect, Event: EvReset, Bumps: true},
	{From: PhaseReady, To: PhaseSelect, Event: EvReset, Bumps: true},
	{From: PhaseGallery, To: PhaseSelect, Event: EvReset, Bumps: true},
}

// TransitionFor returns the allowed transition for a given phase and event.
func TransitionFor(from Phase, ev EventKind) (Transition, bool) {
	for _, tr := range transitionsTable {
		if tr.From == from && tr.Event == ev {
			return tr, true
		}
	}
	return Transition{}, false
}

// mountsCamera reports whether the camera is mounted while in phase p.
func mountsCamera(p Phase) bool {
	return p == PhaseInitializing || p == PhaseReady || p == PhaseRecording
}

// modeFor returns the screen mode implied by a phase.
func modeFor(p Phase) Mode {
	switch p {
	case PhaseInitializing, PhaseReady, PhaseRecording:
		return ModeCamera
	case PhaseGallery:
		return ModeGallery
	default:
		return ModeSelect
	}
}
