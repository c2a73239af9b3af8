package synth

import (
	"errors"
	"fmt"
)

// Failure classes. Backends wrap their errors with one of these sentinels so
// the orchestrator can pick retry behavior without inspecting backend
// internals.
var (
	// ErrUnsupportedInput marks invalid input detected before dispatch.
	ErrUnsupportedInput = errors.New("unsupported input")
	// ErrBackendUnavailable marks auth failures and refused connections.
	// Never retried.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrTransient marks failures worth retrying with backoff.
	ErrTransient = errors.New("transient backend failure")
	// ErrModelLoad marks missing or corrupt model weights. Fatal before any
	// segment is dispatched.
	ErrModelLoad = errors.New("model load failed")
	// ErrAssembly marks an unresolvable sample-rate mismatch or corrupt
	// buffer during final assembly.
	ErrAssembly = errors.New("audio assembly failed")
)

// SegmentError reports one segment's retry budget running out.
type SegmentError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("segment %d failed after %d attempts: %v", e.Index, e.Attempts, e.Err)
}

func (e *SegmentError) Unwrap() error { return e.Err }

// JobError is the structured failure surfaced to callers: final job status,
// the offending segment when one exists, and the underlying cause.
type JobError struct {
	JobID   string
	Status  Status
	Segment int
	Err     error
}

func (e *JobError) Error() string {
	if e.Segment >= 0 {
		return fmt.Sprintf("job %s %s at segment %d: %v", e.JobID, e.Status, e.Segment, e.Err)
	}
	return fmt.Sprintf("job %s %s: %v", e.JobID, e.Status, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }
