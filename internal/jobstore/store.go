package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vnttslabs/vntts-core/internal/config"
	"github.com/vnttslabs/vntts-core/internal/synth"
)

// JobRecord is the persisted view of a synthesis job.
type JobRecord struct {
	JobID      string
	Text       string
	VoiceID    string
	Backend    string
	Status     synth.Status
	Segments   int
	Error      string
	Segment    int
	DurationMS int64
	AudioPath  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SegmentRecord is one segment's outcome, kept for diagnostics and later
// retry even when the job fails.
type SegmentRecord struct {
	JobID      string
	Index      int
	SampleRate int
	Bytes      int
	Attempts   int
	Words      []synth.WordBoundary
	Error      string
	CreatedAt  time.Time
}

// Store persists jobs and per-segment outcomes in SQLite.
type Store struct {
	db    *sql.DB
	cfg   config.JobStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the job store according to config.
func Open(ctx context.Context, cfg config.JobStoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("job store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("job store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    text TEXT NOT NULL,
    voice_id TEXT,
    backend TEXT,
    status TEXT NOT NULL,
    segments INTEGER NOT NULL,
    error TEXT,
    segment INTEGER,
    duration_ms INTEGER,
    audio_path TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS segment_results (
    job_id TEXT NOT NULL,
    idx INTEGER NOT NULL,
    sample_rate INTEGER,
    bytes INTEGER,
    attempts INTEGER,
    words BLOB,
    error TEXT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY(job_id, idx),
    FOREIGN KEY(job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateJob inserts a job in pending state.
func (s *Store) CreateJob(ctx context.Context, jobID, text, voiceID, backend string, segments int) error {
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(job_id, text, voice_id, backend, status, segments, segment, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, -1, ?, ?)`,
		jobID, text, voiceID, backend, string(synth.StatusPending), segments, now, now)
	return err
}

// UpdateStatus records a status transition.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, status synth.Status) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE job_id = ?`,
		string(status), s.clock().UTC(), jobID)
	return err
}

// FinishJob records the terminal state together with failure detail or output
// location.
func (s *Store) FinishJob(ctx context.Context, jobID string, status synth.Status, segment int, jobErr string, durationMS int64, audioPath string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, segment = ?, error = ?, duration_ms = ?, audio_path = ?, updated_at = ?
		 WHERE job_id = ?`,
		string(status), segment, jobErr, durationMS, audioPath, s.clock().UTC(), jobID)
	return err
}

// RecordSegment persists one segment outcome.
func (s *Store) RecordSegment(ctx context.Context, rec SegmentRecord) error {
	words, err := json.Marshal(rec.Words)
	if err != nil {
		return fmt.Errorf("encode word boundaries: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO segment_results(job_id, idx, sample_rate, bytes, attempts, words, error, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id, idx) DO UPDATE SET
		   sample_rate=excluded.sample_rate, bytes=excluded.bytes, attempts=excluded.attempts,
		   words=excluded.words, error=excluded.error`,
		rec.JobID, rec.Index, rec.SampleRate, rec.Bytes, rec.Attempts, words, rec.Error, rec.CreatedAt)
	return err
}

// GetJob fetches one job.
func (s *Store) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, text, voice_id, backend, status, segments, COALESCE(error, ''), segment,
		        COALESCE(duration_ms, 0), COALESCE(audio_path, ''), created_at, updated_at
		 FROM jobs WHERE job_id = ?`, jobID)

	var rec JobRecord
	var status, created, updated string
	if err := row.Scan(&rec.JobID, &rec.Text, &rec.VoiceID, &rec.Backend, &status, &rec.Segments,
		&rec.Error, &rec.Segment, &rec.DurationMS, &rec.AudioPath, &created, &updated); err != nil {
		return nil, err
	}
	rec.Status = synth.Status(status)
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		rec.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		rec.UpdatedAt = ts
	}
	return &rec, nil
}

// ListSegments retrieves segment outcomes for a job ordered by index.
func (s *Store) ListSegments(ctx context.Context, jobID string) ([]SegmentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, idx, sample_rate, bytes, attempts, words, COALESCE(error, ''), created_at
		 FROM segment_results WHERE job_id = ? ORDER BY idx ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []SegmentRecord
	for rows.Next() {
		var rec SegmentRecord
		var words []byte
		var created string
		if err := rows.Scan(&rec.JobID, &rec.Index, &rec.SampleRate, &rec.Bytes, &rec.Attempts,
			&words, &rec.Error, &created); err != nil {
			return nil, err
		}
		if len(words) > 0 {
			if err := json.Unmarshal(words, &rec.Words); err != nil {
				return nil, fmt.Errorf("decode word boundaries: %w", err)
			}
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			rec.CreatedAt = ts
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Prune applies retention: jobs older than the retention window, then the
// overflow beyond the job cap, newest kept.
func (s *Store) Prune(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxJobs > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id IN (
			SELECT job_id FROM jobs ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxJobs)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
