package jobstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/vnttslabs/vntts-core/internal/config"
	"github.com/vnttslabs/vntts-core/internal/synth"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.JobStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "jobs.db")
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open job store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.JobStoreConfig{})

	if err := s.CreateJob(ctx, "job-1", "Xin chào.", "vi-female", "local", 2); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := s.UpdateStatus(ctx, "job-1", synth.StatusRunning); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := s.FinishJob(ctx, "job-1", synth.StatusCompleted, -1, "", 1350, "/data/out/job-1.wav"); err != nil {
		t.Fatalf("finish job: %v", err)
	}

	rec, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if rec.Status != synth.StatusCompleted {
		t.Fatalf("status = %s", rec.Status)
	}
	if rec.DurationMS != 1350 || rec.AudioPath != "/data/out/job-1.wav" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestSegmentResultsSurviveFailedJob(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.JobStoreConfig{})

	if err := s.CreateJob(ctx, "job-2", "text", "v", "stream", 2); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := s.RecordSegment(ctx, SegmentRecord{
		JobID: "job-2", Index: 0, SampleRate: 24000, Bytes: 4800, Attempts: 1,
		Words: []synth.WordBoundary{{Word: "xin", StartMS: 0, EndMS: 200}},
	}); err != nil {
		t.Fatalf("record segment: %v", err)
	}
	if err := s.RecordSegment(ctx, SegmentRecord{
		JobID: "job-2", Index: 1, Attempts: 3, Error: "transient backend failure",
	}); err != nil {
		t.Fatalf("record failed segment: %v", err)
	}
	if err := s.FinishJob(ctx, "job-2", synth.StatusFailed, 1, "segment 1 failed after 3 attempts", 0, ""); err != nil {
		t.Fatalf("finish job: %v", err)
	}

	segs, err := s.ListSegments(ctx, "job-2")
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("expected 2 segment records, got %d", len(segs))
	}
	if segs[0].Bytes != 4800 || len(segs[0].Words) != 1 {
		t.Fatalf("successful segment not retained: %+v", segs[0])
	}
	if segs[1].Error == "" || segs[1].Attempts != 3 {
		t.Fatalf("failed segment detail missing: %+v", segs[1])
	}
}

func TestPruneByDaysAndJobCap(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.JobStoreConfig{RetentionDays: 1, MaxJobs: 1})

	s.clock = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.CreateJob(ctx, "old-job", "a", "v", "local", 1); err != nil {
		t.Fatalf("create job: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.CreateJob(ctx, "new-job", "b", "v", "local", 1); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if _, err := s.GetJob(ctx, "old-job"); err == nil {
		t.Fatal("expected old job pruned")
	}
	if _, err := s.GetJob(ctx, "new-job"); err != nil {
		t.Fatalf("new job missing: %v", err)
	}
}
