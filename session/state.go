package session

import "time"

// Kind is the variant held by the session slot.
type Kind int

const (
	// Ready means no recording is active.
	Ready Kind = iota
	// Starting means recorder and voice are being acquired.
	Starting
	// Recording means capture is active.
	Recording
	// Saving means the capture is being finalized and uploaded or saved.
	Saving
)

func (k Kind) String() string {
	switch k {
	case Ready:
		return "ready"
	case Starting:
		return "starting"
	case Recording:
		return "recording"
	case Saving:
		return "saving"
	default:
		return "unknown"
	}
}

// slot is the single session variant. Fields outside the active variant are zero:
// screenURL only in Ready, recorder/voice/startedAt only in Recording.
type slot struct {
	kind      Kind
	screenURL string
	recorder  Recorder
	voice     VoiceConn
	startedAt time.Time
}

// Snapshot is a read-only copy of the slot for observers.
type Snapshot struct {
	Kind      Kind
	ScreenURL string
	StartedAt time.Time
}

func (s slot) snapshot() Snapshot {
	return Snapshot{Kind: s.kind, ScreenURL: s.screenURL, StartedAt: s.startedAt}
}
