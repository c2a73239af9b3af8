package synth

import (
	"context"
	"time"

	"github.com/vnttslabs/vntts-core/internal/segment"
	"github.com/vnttslabs/vntts-core/internal/textnorm"
	"github.com/vnttslabs/vntts-core/internal/voicecat"
)

// WordBoundary is one word's position within a segment's audio, in
// milliseconds relative to the segment start.
type WordBoundary struct {
	Word    string `json:"word"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
}

// Request carries everything a backend needs to render one segment.
type Request struct {
	Segment  segment.Segment
	Phonemes []string
	Voice    voicecat.Profile
}

// Result is the audio for one segment: signed 16-bit little-endian mono PCM.
// Produced exactly once per successful segment and never mutated after.
type Result struct {
	Index      int
	PCM        []byte
	SampleRate int
	Words      []WordBoundary
	// Pause is the silence class to insert after this segment's audio,
	// carried over from the segment for assembly.
	Pause textnorm.Pause
}

// Duration reports the audio length implied by the sample count.
func (r *Result) Duration() time.Duration {
	if r.SampleRate <= 0 {
		return 0
	}
	samples := len(r.PCM) / 2
	return time.Duration(samples) * time.Second / time.Duration(r.SampleRate)
}

// Capabilities are the static flags a backend advertises. The orchestrator
// reads them to size the worker pool, pick segment limits, and decide whether
// to run the phonemizer.
type Capabilities struct {
	Name                   string
	SupportsWordBoundaries bool
	SupportsStreaming      bool
	MaxChunkLength         int
	RequiresPhonemes       bool
	// MaxConcurrency bounds in-flight calls against one backend instance.
	// 1 means calls are strictly serialized.
	MaxConcurrency int
}

// Backend renders text segments to audio. Implementations must honor ctx
// cancellation promptly: an aborted call returns ctx.Err() and leaves the
// backend reusable.
type Backend interface {
	Synthesize(ctx context.Context, req Request) (*Result, error)
	Capabilities() Capabilities
	Close() error
}

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusPartiallyFailed Status = "partially_failed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
	StatusCompleted       Status = "completed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusFailed, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

// Job is the unit of work: ordered segments rendered by one backend with one
// voice.
type Job struct {
	ID       string
	Segments []segment.Segment
	// Phonemes holds per-segment token sequences, parallel to Segments.
	// Nil when the backend accepts raw text.
	Phonemes [][]string
	Voice    voicecat.Profile
	Backend  string
	// Failover names a second backend tried once for segments that exhaust
	// their retry budget. Empty disables failover; it is never implied.
	Failover string
}
