package protocol

import "time"

// JobRequest submits raw text for synthesis.
type JobRequest struct {
	JobID   string `json:"job_id"`
	Text    string `json:"text"`
	VoiceID string `json:"voice_id,omitempty"`
	// Backend overrides the voice profile's backend when set.
	Backend string `json:"backend,omitempty"`
	// Failover names a second backend for segments that exhaust retries.
	// Honored only when the daemon allows failover.
	Failover string `json:"failover,omitempty"`
}

// JobCancel aborts a running job.
type JobCancel struct {
	JobID string `json:"job_id"`
}

// JobProgress reports a status transition.
type JobProgress struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Segments  int       `json:"segments"`
	Completed int       `json:"completed"`
	Timestamp time.Time `json:"timestamp"`
}

// SegmentAudio streams one rendered segment in delivery order. Sequence
// equals the segment index; consumers may begin playback as soon as the
// contiguous prefix arrives.
type SegmentAudio struct {
	JobID      string         `json:"job_id"`
	Sequence   int            `json:"sequence"`
	SampleRate int            `json:"sample_rate"`
	PCM        []byte         `json:"pcm"`
	Words      []WordBoundary `json:"words,omitempty"`
	Final      bool           `json:"final"`
}

// WordBoundary positions one word in the final track, in milliseconds.
type WordBoundary struct {
	Word    string `json:"word"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
}

// JobDone announces the terminal state of a job. AudioPath and TimingPath
// are set only on completion.
type JobDone struct {
	JobID      string         `json:"job_id"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
	Segment    int            `json:"segment,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	SampleRate int            `json:"sample_rate,omitempty"`
	AudioPath  string         `json:"audio_path,omitempty"`
	TimingPath string         `json:"timing_path,omitempty"`
	Timing     []WordBoundary `json:"timing,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

const (
	SubjectJobSubmit    = "synth.job.submit"
	SubjectJobCancel    = "synth.job.cancel"
	SubjectJobProgress  = "synth.job.progress"
	SubjectSegmentAudio = "synth.segment.audio"
	SubjectJobDone      = "synth.job.done"
)
