package download

import "time"

// State is the lifecycle state of a download record.
type State string

const (
	StatePending     State = "pending"
	StateDownloading State = "downloading"
	StatePaused      State = "paused"
	StateVerifying   State = "verifying"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Terminal reports whether no further transitions are accepted from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ParseState validates a state string coming from the outside (query filters).
func ParseState(raw string) (State, error) {
	s := State(raw)
	switch s {
	case StatePending, StateDownloading, StatePaused, StateVerifying,
		StateCompleted, StateFailed, StateCancelled:
		return s, nil
	}

	return "", &InvalidStateError{Value: raw}
}

// ChecksumState is the tri-state outcome of artifact verification.
type ChecksumState string

const (
	ChecksumUnknown  ChecksumState = "unknown"
	ChecksumVerified ChecksumState = "verified"
	ChecksumFailed   ChecksumState = "failed"
)

// Source describes where a download comes from and what it is. It is fixed
// at record creation and never mutated afterwards.
type Source struct {
	OSName            string
	OSVersion         string
	Category          string
	Architecture      string
	Icon              string
	URL               string
	Checksum          string
	ChecksumAlgo      string
	SuggestedFilename string
}

// Record is the persisted representation of one requested download.
// All mutation goes through the Controller; callers only ever see clones.
type Record struct {
	ID     int64
	Source Source

	State            State
	Progress         float64 // percent, -1 while the total size is unknown
	DownloadedBytes  int64
	TotalBytes       *int64 // nil until the source declares a length
	Speed            float64
	ETA              *int64 // seconds, nil when unknown
	ErrorMessage     string
	ChecksumVerified ChecksumState

	OutputPath string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Clone returns a deep copy so callers cannot mutate controller state.
func (r *Record) Clone() *Record {
	out := *r

	if r.TotalBytes != nil {
		v := *r.TotalBytes
		out.TotalBytes = &v
	}

	if r.ETA != nil {
		v := *r.ETA
		out.ETA = &v
	}

	if r.StartedAt != nil {
		v := *r.StartedAt
		out.StartedAt = &v
	}

	if r.CompletedAt != nil {
		v := *r.CompletedAt
		out.CompletedAt = &v
	}

	return &out
}

// Snapshot is the progress payload pushed to observers. Optional fields are
// explicit so the wire contract is enforced by the type, not by convention.
type Snapshot struct {
	State            State         `json:"state"`
	Progress         float64       `json:"progress"`
	DownloadedBytes  int64         `json:"downloaded_bytes"`
	TotalBytes       *int64        `json:"total_bytes"`
	Speed            float64       `json:"speed"`
	ETA              *int64        `json:"eta"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	ChecksumVerified ChecksumState `json:"checksum_verified,omitempty"`
}

// Snapshot captures the observable transfer state of the record.
func (r *Record) Snapshot() Snapshot {
	s := Snapshot{
		State:           r.State,
		Progress:        r.Progress,
		DownloadedBytes: r.DownloadedBytes,
		Speed:           r.Speed,
		ErrorMessage:    r.ErrorMessage,
	}

	if r.TotalBytes != nil {
		v := *r.TotalBytes
		s.TotalBytes = &v
	}

	if r.ETA != nil {
		v := *r.ETA
		s.ETA = &v
	}

	if r.ChecksumVerified != ChecksumUnknown {
		s.ChecksumVerified = r.ChecksumVerified
	}

	return s
}
