package synthsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/vnttslabs/vntts-core/internal/audio"
	"github.com/vnttslabs/vntts-core/internal/bus"
	"github.com/vnttslabs/vntts-core/internal/config"
	"github.com/vnttslabs/vntts-core/internal/jobstore"
	"github.com/vnttslabs/vntts-core/internal/phoneme"
	"github.com/vnttslabs/vntts-core/internal/protocol"
	"github.com/vnttslabs/vntts-core/internal/segment"
	"github.com/vnttslabs/vntts-core/internal/synth"
	"github.com/vnttslabs/vntts-core/internal/textnorm"
	"github.com/vnttslabs/vntts-core/internal/voicecat"
)

type activeJob struct {
	cancel    context.CancelFunc
	segments  int
	completed atomic.Int32
}

// Service consumes job requests from the bus, runs them through the
// synthesis pipeline, streams segment audio back in order, and persists the
// outcome.
type Service struct {
	cfg     *config.Config
	bus     *bus.Client
	store   *jobstore.Store
	norm    *textnorm.Normalizer
	phon    *phoneme.Phonemizer
	catalog *voicecat.Catalog
	orch    *synth.Orchestrator
	subs    []*nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	active  map[string]*activeJob
	logger  *slog.Logger
}

func NewService(parent context.Context, cfg *config.Config, busClient *bus.Client, store *jobstore.Store, norm *textnorm.Normalizer, phon *phoneme.Phonemizer, catalog *voicecat.Catalog, orch *synth.Orchestrator, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:     cfg,
		bus:     busClient,
		store:   store,
		norm:    norm,
		phon:    phon,
		catalog: catalog,
		orch:    orch,
		ctx:     ctx,
		cancel:  cancel,
		active:  make(map[string]*activeJob),
		logger:  log.With(slog.String("component", "synth-service")),
	}
	orch.OnStatus(s.onStatus)
	return s
}

func (s *Service) Start() error {
	submitSub, err := s.bus.Conn().Subscribe(protocol.SubjectJobSubmit, s.handleSubmit)
	if err != nil {
		return fmt.Errorf("subscribe job submit: %w", err)
	}
	s.subs = append(s.subs, submitSub)

	cancelSub, err := s.bus.Conn().Subscribe(protocol.SubjectJobCancel, s.handleCancel)
	if err != nil {
		return fmt.Errorf("subscribe job cancel: %w", err)
	}
	s.subs = append(s.subs, cancelSub)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return len(s.subs) > 0 }

func (s *Service) handleSubmit(msg *nats.Msg) {
	var req protocol.JobRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode job request", slogError(err))
		return
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runJob(req)
	}()
}

func (s *Service) handleCancel(msg *nats.Msg) {
	var req protocol.JobCancel
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode cancel request", slogError(err))
		return
	}

	s.mu.Lock()
	job, ok := s.active[req.JobID]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("cancel for unknown job", slog.String("job_id", req.JobID))
		return
	}
	s.logger.Info("cancelling job", slog.String("job_id", req.JobID))
	job.cancel()
}

// Prepare turns a raw request into a runnable job: normalize, segment to the
// backend's chunk limit, and phonemize when the backend needs token input.
func (s *Service) Prepare(req protocol.JobRequest) (*synth.Job, error) {
	voice, ok := s.catalog.Lookup(req.VoiceID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown voice %q", synth.ErrUnsupportedInput, req.VoiceID)
	}

	backendName := req.Backend
	if backendName == "" {
		backendName = voice.Backend
	}
	if backendName == "" {
		backendName = s.cfg.Synthesis.DefaultBackend
	}
	backend, ok := s.orch.Backend(backendName)
	if !ok {
		return nil, fmt.Errorf("%w: backend %q not available", synth.ErrBackendUnavailable, backendName)
	}
	caps := backend.Capabilities()

	failover := req.Failover
	if failover != "" && !s.cfg.Synthesis.AllowFailover {
		s.logger.Warn("failover requested but disabled, ignoring",
			slog.String("job_id", req.JobID), slog.String("failover", failover))
		failover = ""
	}
	if failover != "" {
		if _, ok := s.orch.Backend(failover); !ok {
			return nil, fmt.Errorf("%w: failover backend %q not available", synth.ErrBackendUnavailable, failover)
		}
	}

	text, err := s.norm.Normalize(req.Text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", synth.ErrUnsupportedInput, err)
	}
	segments, err := segment.Split(text, caps.MaxChunkLength)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", synth.ErrUnsupportedInput, err)
	}

	job := &synth.Job{
		ID:       req.JobID,
		Segments: segments,
		Voice:    voice,
		Backend:  backendName,
		Failover: failover,
	}
	if caps.RequiresPhonemes {
		job.Phonemes = make([][]string, len(segments))
		for i, seg := range segments {
			tokens, misses := s.phon.Phonemize(seg.Text)
			if len(misses) > 0 {
				s.logger.Debug("phoneme fallback used",
					slog.String("job_id", req.JobID),
					slog.Int("segment", i),
					slog.Int("misses", len(misses)))
			}
			job.Phonemes[i] = tokens
		}
	}
	return job, nil
}

func (s *Service) runJob(req protocol.JobRequest) {
	log := s.logger.With(slog.String("job_id", req.JobID))

	job, err := s.Prepare(req)
	if err != nil {
		log.Warn("job rejected", slogError(err))
		s.recordRejected(req, err)
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	entry := &activeJob{cancel: cancel, segments: len(job.Segments)}
	s.mu.Lock()
	s.active[job.ID] = entry
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, job.ID)
		s.mu.Unlock()
	}()

	if err := s.store.CreateJob(ctx, job.ID, req.Text, job.Voice.ID, job.Backend, len(job.Segments)); err != nil {
		log.Warn("failed to persist job", slogError(err))
	}

	out := make(chan *synth.Result)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for res := range out {
			entry.completed.Add(1)
			s.publishSegment(job, res)
			s.recordSegment(job.ID, res)
		}
	}()

	report, runErr := s.orch.Run(ctx, job, out)
	<-done

	if runErr != nil {
		s.finishFailed(job, report, runErr, log)
		return
	}
	s.finishCompleted(job, report, log)
}

func (s *Service) finishCompleted(job *synth.Job, report *synth.Report, log *slog.Logger) {
	track, err := audio.Assemble(report.Results, audio.Options{
		TargetRate:    s.cfg.Synthesis.TargetSampleRate,
		SentencePause: time.Duration(s.cfg.Text.SentencePauseMS) * time.Millisecond,
		ClausePause:   time.Duration(s.cfg.Text.ClausePauseMS) * time.Millisecond,
	})
	if err != nil {
		log.Error("assembly failed", slogError(err))
		s.finishFailed(job, report, err, log)
		return
	}

	audioPath, timingPath, err := s.writeOutputs(job.ID, track)
	if err != nil {
		log.Error("failed to write output", slogError(err))
		s.finishFailed(job, report, err, log)
		return
	}

	durationMS := track.Duration().Milliseconds()
	if err := s.store.FinishJob(context.Background(), job.ID, synth.StatusCompleted, -1, "", durationMS, audioPath); err != nil {
		log.Warn("failed to persist completion", slogError(err))
	}

	s.publishDone(protocol.JobDone{
		JobID:      job.ID,
		Status:     string(synth.StatusCompleted),
		DurationMS: durationMS,
		SampleRate: track.SampleRate,
		AudioPath:  audioPath,
		TimingPath: timingPath,
		Timing:     convertTiming(track.Timing),
		Timestamp:  time.Now().UTC(),
	})
	log.Info("job completed",
		slog.Int("segments", len(job.Segments)),
		slog.Int64("duration_ms", durationMS),
		slog.String("audio", audioPath))
}

func (s *Service) finishFailed(job *synth.Job, report *synth.Report, cause error, log *slog.Logger) {
	status := synth.StatusFailed
	failed := -1
	attempts := 0
	if report != nil {
		status = report.Status
		failed = report.FailedSegment
		attempts = report.Attempts
	}
	if err := s.store.FinishJob(context.Background(), job.ID, status, failed, cause.Error(), 0, ""); err != nil {
		log.Warn("failed to persist failure", slogError(err))
	}
	s.publishDone(protocol.JobDone{
		JobID:     job.ID,
		Status:    string(status),
		Error:     cause.Error(),
		Segment:   failed,
		Timestamp: time.Now().UTC(),
	})
	log.Warn("job did not complete",
		slog.String("status", string(status)),
		slog.Int("failed_segment", failed),
		slog.Int("attempts", attempts),
		slogError(cause))
}

func (s *Service) recordRejected(req protocol.JobRequest, cause error) {
	ctx := context.Background()
	if err := s.store.CreateJob(ctx, req.JobID, req.Text, req.VoiceID, req.Backend, 0); err != nil {
		s.logger.Warn("failed to persist rejected job", slogError(err))
	}
	if err := s.store.FinishJob(ctx, req.JobID, synth.StatusFailed, -1, cause.Error(), 0, ""); err != nil {
		s.logger.Warn("failed to persist rejection", slogError(err))
	}
	s.publishDone(protocol.JobDone{
		JobID:     req.JobID,
		Status:    string(synth.StatusFailed),
		Error:     cause.Error(),
		Segment:   -1,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) publishSegment(job *synth.Job, res *synth.Result) {
	packet := protocol.SegmentAudio{
		JobID:      job.ID,
		Sequence:   res.Index,
		SampleRate: res.SampleRate,
		PCM:        res.PCM,
		Words:      convertTiming(res.Words),
		Final:      res.Index == len(job.Segments)-1,
	}
	data, err := json.Marshal(packet)
	if err != nil {
		s.logger.Warn("failed to marshal segment audio", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectSegmentAudio, data); err != nil {
		s.logger.Warn("failed to publish segment audio", slogError(err))
	}
}

func (s *Service) recordSegment(jobID string, res *synth.Result) {
	rec := jobstore.SegmentRecord{
		JobID:      jobID,
		Index:      res.Index,
		SampleRate: res.SampleRate,
		Bytes:      len(res.PCM),
		Words:      res.Words,
	}
	if err := s.store.RecordSegment(context.Background(), rec); err != nil {
		s.logger.Warn("failed to persist segment result", slogError(err))
	}
}

func (s *Service) publishDone(done protocol.JobDone) {
	data, err := json.Marshal(done)
	if err != nil {
		s.logger.Warn("failed to marshal job done", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectJobDone, data); err != nil {
		s.logger.Warn("failed to publish job done", slogError(err))
	}
}

func (s *Service) onStatus(jobID string, status synth.Status) {
	if !status.Terminal() {
		if err := s.store.UpdateStatus(context.Background(), jobID, status); err != nil {
			s.logger.Warn("failed to persist status", slogError(err))
		}
	}

	s.mu.Lock()
	entry := s.active[jobID]
	s.mu.Unlock()

	progress := protocol.JobProgress{
		JobID:     jobID,
		Status:    string(status),
		Timestamp: time.Now().UTC(),
	}
	if entry != nil {
		progress.Segments = entry.segments
		progress.Completed = int(entry.completed.Load())
	}
	data, err := json.Marshal(progress)
	if err != nil {
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectJobProgress, data); err != nil {
		s.logger.Warn("failed to publish progress", slogError(err))
	}
}

// writeOutputs persists the assembled track under the configured output
// directory: audio as WAV or raw PCM per config, word timing as JSON.
func (s *Service) writeOutputs(jobID string, track *audio.Track) (string, string, error) {
	dir := s.cfg.Synthesis.OutputDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("%w: create output dir: %w", synth.ErrAssembly, err)
	}

	var audioPath string
	switch s.cfg.Synthesis.Container {
	case "raw":
		audioPath = filepath.Join(dir, jobID+".pcm")
		if err := os.WriteFile(audioPath, track.PCM, 0o644); err != nil {
			return "", "", fmt.Errorf("%w: write pcm: %w", synth.ErrAssembly, err)
		}
	default:
		audioPath = filepath.Join(dir, jobID+".wav")
		if err := audio.WriteWAV(audioPath, track); err != nil {
			return "", "", fmt.Errorf("%w: write wav: %w", synth.ErrAssembly, err)
		}
	}

	timingPath := filepath.Join(dir, jobID+".timing.json")
	data, err := json.MarshalIndent(track.Timing, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("%w: marshal timing: %w", synth.ErrAssembly, err)
	}
	if err := os.WriteFile(timingPath, data, 0o644); err != nil {
		return "", "", fmt.Errorf("%w: write timing: %w", synth.ErrAssembly, err)
	}
	return audioPath, timingPath, nil
}

func convertTiming(words []synth.WordBoundary) []protocol.WordBoundary {
	if len(words) == 0 {
		return nil
	}
	out := make([]protocol.WordBoundary, len(words))
	for i, w := range words {
		out[i] = protocol.WordBoundary{Word: w.Word, StartMS: w.StartMS, EndMS: w.EndMS}
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
