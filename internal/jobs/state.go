package jobs

import (
	"time"

	"github.com/dshills/lyricmatch/internal/pipeline"
	"github.com/dshills/lyricmatch/internal/policy"
	"github.com/dshills/lyricmatch/pkg/types"
)

// State is a job's position in its lifecycle
type State string

const (
	StateQueued        State = "queued"
	StatePreprocessing State = "preprocessing"
	StateTranscribing  State = "transcribing"
	StateMatching      State = "matching"
	StateComplete      State = "complete"
	StateFailed        State = "failed"
)

// ProgressComplete is the progress of a finished job
const ProgressComplete = 100

var stateOrder = map[State]int{
	StateQueued:        0,
	StatePreprocessing: 1,
	StateTranscribing:  2,
	StateMatching:      3,
	StateComplete:      4,
}

// Terminal reports whether no further transitions are allowed
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// canAdvance reports whether from -> to is a legal transition. States only
// move forward; Failed is reachable from any non-terminal state.
func canAdvance(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	f, ok1 := stateOrder[from]
	t, ok2 := stateOrder[to]
	return ok1 && ok2 && t >= f
}

// stageStates maps pipeline stages to the state a job is in while the stage
// runs
var stageStates = map[string]State{
	pipeline.StagePreprocess: StatePreprocessing,
	pipeline.StageTranscribe: StateTranscribing,
	pipeline.StageNormalize:  StateMatching,
	pipeline.StageRank:       StateMatching,
}

// Event kinds recorded in a job's history
const (
	EventSubmitted       = "submitted"
	EventResubmittedFrom = "resubmitted_from"
	EventStageStarted    = "stage_started"
	EventAutomaticRetry  = "automatic_retry"
	EventCompleted       = "completed"
	EventFailed          = "failed"
)

// Event is one entry of a job's history
type Event struct {
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"`
	State    State     `json:"state"`
	Progress int       `json:"progress"`
	Detail   string    `json:"detail,omitempty"`
}

// JobError describes why a job failed
type JobError struct {
	Category  pipeline.Category `json:"category"`
	Stage     string            `json:"stage,omitempty"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
}

// Snapshot is an immutable view of a job. A published snapshot is never
// modified; every update publishes a new one.
type Snapshot struct {
	ID              string                  `json:"id"`
	State           State                   `json:"state"`
	Progress        int                     `json:"progress"`
	Config          policy.ProcessingConfig `json:"config"`
	Filename        string                  `json:"filename,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
	AudioDuration   time.Duration           `json:"audio_duration,omitempty"`
	Transcript      string                  `json:"transcript,omitempty"`
	Language        string                  `json:"language,omitempty"`
	SnapshotID      int64                   `json:"snapshot_id,omitempty"`
	Results         []types.RankedMatch     `json:"results,omitempty"`
	Error           *JobError               `json:"error,omitempty"`
	History         []Event                 `json:"history"`
	ResubmittedFrom string                  `json:"resubmitted_from,omitempty"`
}

// clone copies the snapshot with its own history slice so appending to the
// copy never touches the original
func (s *Snapshot) clone() *Snapshot {
	c := *s
	c.History = make([]Event, len(s.History), len(s.History)+2)
	copy(c.History, s.History)
	return &c
}

func (s *Snapshot) record(now time.Time, kind, detail string) {
	s.History = append(s.History, Event{
		At:       now,
		Kind:     kind,
		State:    s.State,
		Progress: s.Progress,
		Detail:   detail,
	})
}
