package orchestrator

import (
	"image"
	"time"
)

// StreamID uniquely identifies one active stream session.
type StreamID string

// PushDescriptor is the source descriptor recorded for streams whose frames
// are pushed by a caller instead of pulled from a source.
const PushDescriptor = "push"

// Status is the lifecycle state of a stream.
type Status int

const (
	StatusStarting Status = iota
	StatusRunning
	StatusStopping
	StatusFailed
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusFailed:
		return "failed"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Frame is one encoded, annotated frame in a stream's log.
// Frames are immutable once appended; Payload must not be modified by readers.
type Frame struct {
	Sequence   uint64
	Payload    []byte
	CapturedAt time.Time
}

// Region is a labeled area produced by the inference transform.
type Region struct {
	Label  string          `json:"label"`
	Score  float64         `json:"score"`
	Bounds image.Rectangle `json:"bounds"`
}

// StreamRecord is the registry's view of one stream.
// Records are created by the Service and owned by the Registry.
type StreamRecord struct {
	ID        StreamID
	Source    string
	StartedAt time.Time

	worker *worker
	push   *PushSource
}

// Status returns the lifecycle state of the stream's worker.
func (r *StreamRecord) Status() Status {
	if r.worker == nil {
		return StatusStarting
	}
	return r.worker.status()
}

// StreamInfo is a point-in-time snapshot of a stream for status reporting.
type StreamInfo struct {
	ID             StreamID  `json:"stream_id"`
	Source         string    `json:"source"`
	Status         string    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	FramesAppended uint64    `json:"frames_appended"`
	LastSequence   uint64    `json:"last_sequence"`
	Failures       int       `json:"consecutive_failures"`
	Viewers        int       `json:"viewers"`
}
