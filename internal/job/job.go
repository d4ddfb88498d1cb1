package job

import "time"

// State tracks the lifecycle stage of a single transcription job.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Progress is a coarse indicator updated by the worker owning the job.
// Percent never decreases while the job is processing.
type Progress struct {
	Percent int    `json:"percent"`
	Phase   string `json:"phase"`
}

// Worker progress milestones, matching the phases a job moves through:
// waiting for a slot, payload staged, model resolved, engine running, done.
const (
	PhaseQueued       = "queued"
	PhaseStaging      = "staging"
	PhaseModelReady   = "model-ready"
	PhaseTranscribing = "transcribing"
	PhaseFinished     = "finished"
)

// Job is a snapshot of one transcription request. Snapshots returned by the
// registry are value copies; a poller never observes a half-written update.
type Job struct {
	ID          string    `json:"id"`
	State       State     `json:"state"`
	CreatedAt   time.Time `json:"createdAt"`
	StartedAt   time.Time `json:"startedAt,omitzero"`
	CompletedAt time.Time `json:"completedAt,omitzero"`
	Progress    Progress  `json:"progress"`
	Result      string    `json:"result,omitempty"`
	Err         *Error    `json:"error,omitempty"`
}

// validTransition enforces the allowed state machine edges.
func validTransition(from, to State) bool {
	switch from {
	case StateQueued:
		return to == StateProcessing
	case StateProcessing:
		return to == StateDone || to == StateFailed
	default:
		return false
	}
}
