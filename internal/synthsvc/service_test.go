package synthsvc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/vnttslabs/vntts-core/internal/config"
	"github.com/vnttslabs/vntts-core/internal/phoneme"
	"github.com/vnttslabs/vntts-core/internal/protocol"
	"github.com/vnttslabs/vntts-core/internal/synth"
	"github.com/vnttslabs/vntts-core/internal/textnorm"
	"github.com/vnttslabs/vntts-core/internal/voicecat"
)

type stubBackend struct {
	caps synth.Capabilities
}

func (b *stubBackend) Synthesize(ctx context.Context, req synth.Request) (*synth.Result, error) {
	return &synth.Result{Index: req.Segment.Index, PCM: []byte{0, 0}, SampleRate: 24000}, nil
}

func (b *stubBackend) Capabilities() synth.Capabilities { return b.caps }
func (b *stubBackend) Close() error                     { return nil }

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(t *testing.T, allowFailover bool) *Service {
	t.Helper()
	log := newLogger()

	cfg := config.Default()
	cfg.Synthesis.DefaultBackend = "text"
	cfg.Synthesis.AllowFailover = allowFailover

	norm, err := textnorm.New(textnorm.Options{ScriptPolicy: textnorm.ScriptReject}, log)
	if err != nil {
		t.Fatalf("normalizer: %v", err)
	}
	dict := phoneme.NewDictionary(map[string][]string{"xin": {"s", "i1", "n"}})
	phon, err := phoneme.New(dict, phoneme.Options{CacheSize: 64}, log)
	if err != nil {
		t.Fatalf("phonemizer: %v", err)
	}
	catalog, err := voicecat.New("vi-female",
		voicecat.Profile{ID: "vi-female", Backend: "text", Language: "vi-VN", Rate: 1.0},
		voicecat.Profile{ID: "vi-male", Backend: "token", Language: "vi-VN", Rate: 1.0},
	)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	backends := map[string]synth.Backend{
		"text":  &stubBackend{caps: synth.Capabilities{Name: "text", MaxChunkLength: 40}},
		"token": &stubBackend{caps: synth.Capabilities{Name: "token", MaxChunkLength: 40, RequiresPhonemes: true}},
	}
	orch := synth.NewOrchestrator(backends, 2, synth.RetryPolicy{MaxAttempts: 1}, log)

	return NewService(context.Background(), &cfg, nil, nil, norm, phon, catalog, orch, log)
}

func TestPrepareNormalizesAndSegments(t *testing.T) {
	svc := newTestService(t, false)

	job, err := svc.Prepare(protocol.JobRequest{
		JobID: "job-1",
		Text:  "Xin  chào. Hôm nay có 2 cuộc họp.",
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if job.Backend != "text" {
		t.Fatalf("backend = %q, want text from default voice", job.Backend)
	}
	if len(job.Segments) == 0 {
		t.Fatal("expected segments")
	}
	joined := ""
	for _, seg := range job.Segments {
		joined += seg.Text + " "
	}
	if strings.Contains(joined, "  ") {
		t.Fatalf("whitespace not collapsed: %q", joined)
	}
	if strings.Contains(joined, "2") {
		t.Fatalf("numerals not expanded: %q", joined)
	}
	if job.Phonemes != nil {
		t.Fatal("text backend must not receive phonemes")
	}
}

func TestPreparePhonemizesForTokenBackend(t *testing.T) {
	svc := newTestService(t, false)

	job, err := svc.Prepare(protocol.JobRequest{
		JobID:   "job-2",
		Text:    "Xin chào",
		VoiceID: "vi-male",
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(job.Phonemes) != len(job.Segments) {
		t.Fatalf("phoneme sets = %d, want %d", len(job.Phonemes), len(job.Segments))
	}
	if len(job.Phonemes[0]) == 0 {
		t.Fatal("expected phoneme tokens for first segment")
	}
}

func TestPrepareRejectsUnknownVoice(t *testing.T) {
	svc := newTestService(t, false)

	_, err := svc.Prepare(protocol.JobRequest{JobID: "job-3", Text: "Xin chào", VoiceID: "nope"})
	if !errors.Is(err, synth.ErrUnsupportedInput) {
		t.Fatalf("err = %v, want ErrUnsupportedInput", err)
	}
}

func TestPrepareRejectsUnknownBackend(t *testing.T) {
	svc := newTestService(t, false)

	_, err := svc.Prepare(protocol.JobRequest{JobID: "job-4", Text: "Xin chào", Backend: "cloud9"})
	if !errors.Is(err, synth.ErrBackendUnavailable) {
		t.Fatalf("err = %v, want ErrBackendUnavailable", err)
	}
}

func TestPrepareIgnoresFailoverWhenDisabled(t *testing.T) {
	svc := newTestService(t, false)

	job, err := svc.Prepare(protocol.JobRequest{JobID: "job-5", Text: "Xin chào", Failover: "token"})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if job.Failover != "" {
		t.Fatalf("failover = %q, want dropped when disabled", job.Failover)
	}
}

func TestPrepareKeepsFailoverWhenAllowed(t *testing.T) {
	svc := newTestService(t, true)

	job, err := svc.Prepare(protocol.JobRequest{JobID: "job-6", Text: "Xin chào", Failover: "token"})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if job.Failover != "token" {
		t.Fatalf("failover = %q, want token", job.Failover)
	}
}

func TestPrepareRejectsEmptyText(t *testing.T) {
	svc := newTestService(t, false)

	_, err := svc.Prepare(protocol.JobRequest{JobID: "job-7", Text: "  \t\n  "})
	if !errors.Is(err, synth.ErrUnsupportedInput) {
		t.Fatalf("err = %v, want ErrUnsupportedInput", err)
	}
}
